// Package planner computes the initial byte-range segmentation for a
// Job and replans it on resume using whatever sidecar state was
// recovered.
package planner

import "github.com/riverrun/segdl/internal/model"

// Plan computes the segment list for a job about to start.
//
// If rangesSupported is false or total is 0, the resource is
// transferred by a single worker over an unbounded/whole-file range.
// Otherwise, with no prior sidecar, [0, total) is partitioned into
// workers contiguous, approximately equal segments, the last
// absorbing the remainder. With a valid sidecar, the stored
// segmentation is returned unchanged — re-partitioning on resume would
// invalidate the Written offsets already on disk.
func Plan(total int64, workers int, rangesSupported bool, sidecar *model.SidecarRecord) []model.Segment {
	if sidecar != nil && len(sidecar.Segments) > 0 {
		out := make([]model.Segment, len(sidecar.Segments))
		copy(out, sidecar.Segments)
		return out
	}

	if !rangesSupported || total <= 0 {
		return []model.Segment{{Offset: 0, Length: total}}
	}

	if workers < 1 {
		workers = 1
	}
	if workers > model.MaxWorkers {
		workers = model.MaxWorkers
	}

	base := total / int64(workers)
	if base == 0 {
		// Resource smaller than the worker count; fall back to one
		// worker rather than emit zero-length segments.
		return []model.Segment{{Offset: 0, Length: total}}
	}

	segments := make([]model.Segment, workers)
	var offset int64
	for i := 0; i < workers; i++ {
		length := base
		if i == workers-1 {
			length = total - offset
		}
		segments[i] = model.Segment{Offset: offset, Length: length}
		offset += length
	}
	return segments
}
