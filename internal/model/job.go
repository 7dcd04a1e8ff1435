// Package model defines the data types shared across the download engine:
// jobs, segments, sidecar records, and the summary shape handed to
// subscribers and CLI commands.
package model

import "time"

// Status is a Job's position in the state machine described by the
// queue orchestrator. Terminal statuses accept no further transitions.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

const (
	// MaxWorkers bounds the requested worker count for any Job.
	MaxWorkers = 30
	// DefaultQueueCap is the default number of Jobs the orchestrator
	// runs concurrently.
	DefaultQueueCap = 3
)

// Job is the unit of work the engine transfers.
type Job struct {
	ID  string
	URL string

	DestDir  string
	Filename string // final filename; if empty, Engine.Start resolves it from the probe

	RequestedWorkers int
	Adaptive         bool

	Status       Status
	TotalBytes   int64 // 0 means unknown until probed
	Received     int64
	SpeedBPS     float64
	ActiveWorkers int
	ErrorMessage string

	CreatedAt   time.Time
	CompletedAt time.Time
}

// FinalPath is the destination path the part file is renamed to on
// completion.
func (j *Job) FinalPath() string {
	return j.DestDir + "/" + j.Filename
}

// PartPath is the in-progress file holding received bytes at their
// final offsets.
func (j *Job) PartPath() string {
	return j.FinalPath() + ".part"
}

// SidecarPath is the companion JSON file enabling resume.
func (j *Job) SidecarPath() string {
	return j.PartPath() + ".json"
}

// Summary is the read-only snapshot handed to subscribers and CLI
// listings. It never aliases a Job's mutable fields.
type Summary struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	DestPath     string    `json:"dest_path"`
	Status       Status    `json:"status"`
	TotalBytes   int64     `json:"total_bytes"`
	Received     int64     `json:"received_bytes"`
	SpeedBPS     float64   `json:"speed_bps"`
	Connections  int       `json:"connections"`
	Adaptive     bool      `json:"adaptive"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// ToSummary snapshots j. Callers must hold whatever lock protects j's
// mutable fields.
func (j *Job) ToSummary() Summary {
	return Summary{
		ID:           j.ID,
		URL:          j.URL,
		Filename:     j.Filename,
		DestPath:     j.FinalPath(),
		Status:       j.Status,
		TotalBytes:   j.TotalBytes,
		Received:     j.Received,
		SpeedBPS:     j.SpeedBPS,
		Connections:  j.RequestedWorkers,
		Adaptive:     j.Adaptive,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// Segment is a contiguous byte range of a Job assigned to one worker.
// Written never decreases and never exceeds Length.
type Segment struct {
	Offset  int64 `json:"offset"`
	Length  int64 `json:"length"`
	Written int64 `json:"written"`
}

// Remaining returns the unwritten tail of the segment.
func (s Segment) Remaining() int64 {
	return s.Length - s.Written
}

// Done reports whether the segment has received every byte assigned
// to it.
func (s Segment) Done() bool {
	return s.Written >= s.Length
}

// SidecarRecord is the persisted companion state for a Job in
// progress, written to <part>.json.
type SidecarRecord struct {
	URL         string    `json:"url"`
	TotalBytes  int64     `json:"total_bytes"`
	ContentType string    `json:"content_type"`
	LastUpdate  float64   `json:"last_update"`
	Segments    []Segment `json:"segments"`
}

// ReceivedBytes sums Written across all segments.
func (r *SidecarRecord) ReceivedBytes() int64 {
	var total int64
	for _, s := range r.Segments {
		total += s.Written
	}
	return total
}
