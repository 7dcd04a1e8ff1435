package adaptive

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/riverrun/segdl/internal/transfer"
)

type fakeEngine struct {
	state     transfer.State
	removed   []int
	removeOK  bool
	splits    int
	splitOK   bool
}

func (f *fakeEngine) Snapshot() transfer.State { return f.state }

func (f *fakeEngine) RemoveWorker(idx int) bool {
	f.removed = append(f.removed, idx)
	return f.removeOK
}

func (f *fakeEngine) SplitLargest(ctx context.Context) bool {
	f.splits++
	return f.splitOK
}

func TestTickRemovesPersistentStraggler(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:    3,
			Requested: 4,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 1000},
				{Index: 1, BPS: 1000},
				{Index: 2, BPS: 50}, // well under 25% of median
			},
		},
		removeOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())

	// First tick: straggler observed once, not yet removed (needs 2 consecutive).
	c.tick(context.Background())
	if len(f.removed) != 0 {
		t.Fatalf("expected no removal on first straggler tick, got %v", f.removed)
	}

	// Second consecutive tick: removal triggers.
	c.tick(context.Background())
	if len(f.removed) != 1 || f.removed[0] != 2 {
		t.Fatalf("expected worker 2 removed after 2 straggler ticks, got %v", f.removed)
	}
}

func TestTickNeverRemovesSoleWorker(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:    1,
			Requested: 4,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 10},
			},
		},
		removeOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())
	c.tick(context.Background())
	c.tick(context.Background())
	if len(f.removed) != 0 {
		t.Fatalf("expected sole worker never removed, got %v", f.removed)
	}
}

func TestTickScalesUpOnHintUtilization(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:        2,
			Requested:     4,
			ServerHintBPS: 1000,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 950},
				{Index: 1, BPS: 950},
			},
		},
		splitOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())
	c.tick(context.Background())
	if f.splits != 1 {
		t.Fatalf("expected a split when median exceeds 90%% of the hint, got %d splits", f.splits)
	}
}

func TestTickDoesNotScaleUpBelowHintUtilization(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:        2,
			Requested:     4,
			ServerHintBPS: 1000,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 200},
				{Index: 1, BPS: 200},
			},
		},
		splitOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())
	c.tick(context.Background())
	if f.splits != 0 {
		t.Fatalf("expected no split when median is well below the hint, got %d splits", f.splits)
	}
}

func TestTickScalesUpOnStableThroughputWithoutHint(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:    2,
			Requested: 4,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 500},
				{Index: 1, BPS: 500},
			},
		},
		splitOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())
	// First tick establishes a baseline median; no prior median to compare yet.
	c.tick(context.Background())
	if f.splits != 0 {
		t.Fatalf("expected no split on the first tick (no baseline yet), got %d", f.splits)
	}
	// Second tick: throughput held essentially steady -> scale up.
	c.tick(context.Background())
	if f.splits != 1 {
		t.Fatalf("expected a split once throughput is stable across ticks, got %d splits", f.splits)
	}
}

func TestTickNeverExceedsRequestedWorkers(t *testing.T) {
	f := &fakeEngine{
		state: transfer.State{
			Active:        4,
			Requested:     4,
			ServerHintBPS: 1000,
			Workers: []transfer.WorkerStat{
				{Index: 0, BPS: 950},
				{Index: 1, BPS: 950},
				{Index: 2, BPS: 950},
				{Index: 3, BPS: 950},
			},
		},
		splitOK: true,
	}
	c := New(zerolog.Nop(), f, DefaultThresholds())
	c.tick(context.Background())
	if f.splits != 0 {
		t.Fatalf("expected no split once Active == Requested, got %d splits", f.splits)
	}
}

func TestParseHintKilobits(t *testing.T) {
	bps := ParseHint("https://example.com/file.bin?rate=500k")
	want := 500.0 * 1000 / 8
	if bps != want {
		t.Fatalf("expected %v bps, got %v", want, bps)
	}
}

func TestParseHintBytesPerSecond(t *testing.T) {
	bps := ParseHint("https://example.com/file.bin?rate=62500")
	if bps != 62500 {
		t.Fatalf("expected 62500 bps, got %v", bps)
	}
}

func TestParseHintAbsent(t *testing.T) {
	if bps := ParseHint("https://example.com/file.bin"); bps != 0 {
		t.Fatalf("expected 0 for no rate hint, got %v", bps)
	}
}
