package planner

import "github.com/riverrun/segdl/internal/model"
import "testing"

func TestPlanNoSidecarEqualPartition(t *testing.T) {
	segs := Plan(4_000_000, 4, true, nil)
	if len(segs) != 4 {
		t.Fatalf("expected 4 segments, got %d", len(segs))
	}
	var sum int64
	for i, s := range segs {
		if s.Length != 1_000_000 {
			t.Errorf("segment %d: expected length 1000000, got %d", i, s.Length)
		}
		sum += s.Length
	}
	if sum != 4_000_000 {
		t.Errorf("segments do not cover total: sum=%d", sum)
	}
}

func TestPlanRemainderAbsorbedByLast(t *testing.T) {
	segs := Plan(10, 3, true, nil)
	var sum int64
	for _, s := range segs {
		sum += s.Length
	}
	if sum != 10 {
		t.Fatalf("expected total coverage 10, got %d", sum)
	}
	if segs[len(segs)-1].Length < segs[0].Length {
		t.Errorf("expected last segment to absorb remainder, got %+v", segs)
	}
}

func TestPlanNoRangesSingleSegment(t *testing.T) {
	segs := Plan(1_048_576, 8, false, nil)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment when ranges unsupported, got %d", len(segs))
	}
	if segs[0].Length != 1_048_576 {
		t.Errorf("expected full length segment, got %+v", segs[0])
	}
}

func TestPlanUnknownTotalSingleSegment(t *testing.T) {
	segs := Plan(0, 8, true, nil)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment for unknown total, got %d", len(segs))
	}
}

func TestPlanResumeKeepsSidecarSegmentation(t *testing.T) {
	sidecar := &model.SidecarRecord{
		Segments: []model.Segment{
			{Offset: 0, Length: 1000, Written: 1000},
			{Offset: 1000, Length: 1000, Written: 400},
		},
	}
	segs := Plan(2000, 8, true, sidecar)
	if len(segs) != 2 {
		t.Fatalf("expected sidecar's 2 segments preserved, got %d", len(segs))
	}
	if segs[1].Written != 400 {
		t.Errorf("expected written offset preserved, got %+v", segs[1])
	}
}

func TestPlanIsPure(t *testing.T) {
	a := Plan(4_000_000, 4, true, nil)
	b := Plan(4_000_000, 4, true, nil)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic segment count")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("non-deterministic segment %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}
