// Package transfer runs the per-job worker pool that performs a
// segmented download: one goroutine per segment, writing positionally
// into a single shared part file, with pause/resume/cancel and
// throttled progress notification.
package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/riverrun/segdl/internal/httpclient"
	"github.com/riverrun/segdl/internal/model"
	"github.com/riverrun/segdl/internal/planner"
	"github.com/riverrun/segdl/internal/probe"
	"github.com/riverrun/segdl/internal/sidecar"
)

const (
	notifyInterval  = 500 * time.Millisecond
	chunkSize       = 1 << 20 // 1 MiB, per worker protocol step 3
	maxRetries      = 6
	backoffInitial  = 100 * time.Millisecond
	backoffCap      = 3200 * time.Millisecond
	minSplitRemain  = 1 << 20 // never subdivide a segment below 1 MiB remaining
)

// WorkerStat is a point-in-time view of one segment worker, read by
// the adaptive controller.
type WorkerStat struct {
	Index     int
	BPS       float64
	Remaining int64
	Offset    int64
	Length    int64
}

// State is the snapshot the adaptive controller reads each tick. It
// never exposes the engine's internal locks.
type State struct {
	Active        int
	Requested     int
	Workers       []WorkerStat
	ServerHintBPS float64
}

// Engine runs one Job's transfer to completion, pause, or cancellation.
type Engine struct {
	log    zerolog.Logger
	job    *model.Job
	jobMu  *sync.Mutex // same mutex the owning queue entry uses to guard Job fields
	client *httpclient.Client
	store  *sidecar.Store
	notify func(model.Summary)

	hintBPS float64      // server rate=... hint, 0 if absent
	limiter *rate.Limiter // aggregate token bucket enforcing hintBPS * requested workers, nil if no hint

	fileMu sync.Mutex // file-ops mutex: truncate/rename; per-chunk writes don't need it
	file   *os.File

	segMu    sync.Mutex
	segments []model.Segment
	speeds   map[int]*speedTracker
	cancelCh map[int]chan struct{} // closing stops that worker early (adaptive removal)
	nextIdx  int

	overall *speedTracker
	total   int64 // resolved TotalBytes, kept so Resume can reopen the part file without re-probing

	cancelled atomic.Bool
	paused    atomic.Bool
	failErr   atomic.Value // error

	wg sync.WaitGroup

	lastNotify   time.Time
	lastNotifyMu sync.Mutex
}

// New constructs an Engine for job, sharing jobMu with whatever owns
// the Job record (the queue orchestrator's QueueEntry).
func New(log zerolog.Logger, job *model.Job, jobMu *sync.Mutex, client *httpclient.Client, store *sidecar.Store, hintBPS float64, notify func(model.Summary)) *Engine {
	e := &Engine{
		log:      log,
		job:      job,
		jobMu:    jobMu,
		client:   client,
		store:    store,
		notify:   notify,
		hintBPS:  hintBPS,
		speeds:   make(map[int]*speedTracker),
		cancelCh: make(map[int]chan struct{}),
		overall:  newSpeedTracker(),
	}
	if hintBPS > 0 {
		aggregate := hintBPS * float64(job.RequestedWorkers)
		e.limiter = rate.NewLimiter(rate.Limit(aggregate), int(chunkSize*2))
	}
	return e
}

// Start performs the HEAD probe, preallocates the part file, plans
// segments (resuming from any matching sidecar), spawns workers, and
// blocks until the job reaches a terminal or paused state.
func (e *Engine) Start(ctx context.Context) error {
	e.setStatus(model.StatusDownloading)
	e.forceNotify()

	partPath := e.job.PartPath()
	sidecarPath := e.job.SidecarPath()

	rec := e.store.Load(sidecarPath)
	if rec != nil && rec.URL != e.job.URL {
		e.log.Info().Str("job", e.job.ID).Msg("sidecar url mismatch, discarding and restarting from offset 0")
		e.store.Discard(sidecarPath, partPath)
		rec = nil
	}

	total := int64(0)
	rangesSupported := false
	contentType := ""
	if rec != nil {
		total = rec.TotalBytes
		contentType = rec.ContentType
		rangesSupported = len(rec.Segments) > 1 || (len(rec.Segments) == 1 && rec.Segments[0].Length < total)
	}

	if total == 0 {
		res, err := probe.Probe(ctx, e.client, e.job.URL)
		if err != nil {
			return e.fail(err)
		}
		total = res.TotalBytes
		rangesSupported = res.AcceptsRanges
		contentType = res.ContentType
		if e.job.Filename == "" {
			e.job.Filename = resolveFilename(e.job.URL, res.SuggestedFilename)
		}
	}

	e.setTotal(total)
	e.total = total

	if err := e.openPartFile(partPath, total); err != nil {
		return e.fail(&model.LocalIOError{Cause: err})
	}

	workers := e.job.RequestedWorkers
	e.segments = planner.Plan(total, workers, rangesSupported, rec)
	e.nextIdx = len(e.segments)
	for i := range e.segments {
		e.speeds[i] = newSpeedTracker()
	}
	e.saveSidecar(contentType, false)

	all := make([]int, len(e.segments))
	for i := range all {
		all[i] = i
	}
	return e.runAndAwait(ctx, all)
}

// runAndAwait spawns a worker for each of indices, waits for them all
// to exit, closes the part file, and resolves the terminal or paused
// outcome. Shared by Start (all segments) and Resume (only the
// not-yet-done ones).
func (e *Engine) runAndAwait(ctx context.Context, indices []int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, i := range indices {
		e.spawnWorker(ctx, i)
	}
	e.wg.Wait()

	if e.paused.Load() {
		// Close the file handle; Resume reopens it.
		e.closeFile()
		return e.finishPaused()
	}

	if v := e.failErr.Load(); v != nil {
		return e.finishFailed(v.(error))
	}
	if e.cancelled.Load() {
		return e.finishCancelled()
	}
	if ctx.Err() != nil {
		// The caller's context was cancelled out from under us (e.g. queue
		// shutdown) without going through Pause or Cancel. Fail instead of
		// reporting success so the part file and sidecar are preserved.
		e.jobMu.Lock()
		received, total := e.job.Received, e.job.TotalBytes
		e.jobMu.Unlock()
		return e.finishFailed(&model.IncompleteError{Received: received, Total: total})
	}
	return e.finishCompleted()
}

func (e *Engine) openPartFile(path string, total int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	if total > 0 {
		if err := f.Truncate(total); err != nil {
			f.Close()
			return err
		}
	}
	e.file = f
	return nil
}

func (e *Engine) spawnWorker(ctx context.Context, idx int) {
	e.segMu.Lock()
	ch := make(chan struct{})
	e.cancelCh[idx] = ch
	e.segMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWorker(ctx, idx, ch)
	}()
}

// Pause requests cooperative suspension; workers finish their current
// chunk, flush, and exit. Allowed only while downloading.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume reopens the part file, clears the pause flag, and respawns
// workers for every segment not yet done using the persisted Written
// offsets, blocking until the job reaches a new terminal or paused
// state. The caller must have previously run Start to completion of a
// Paused outcome.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.openPartFile(e.job.PartPath(), e.total); err != nil {
		return e.fail(&model.LocalIOError{Cause: err})
	}
	e.paused.Store(false)
	e.setStatus(model.StatusDownloading)
	e.forceNotify()

	e.segMu.Lock()
	pending := make([]int, 0, len(e.segments))
	for i, s := range e.segments {
		if !s.Done() {
			pending = append(pending, i)
		}
	}
	e.segMu.Unlock()
	return e.runAndAwait(ctx, pending)
}

// Cancel requests terminal stop; cleanup happens once Start returns.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

func (e *Engine) fail(err error) error {
	e.failErr.Store(err)
	return e.finishFailed(err)
}

func (e *Engine) closeFile() {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	if e.file != nil {
		e.file.Close()
	}
}

func (e *Engine) finishCompleted() error {
	e.jobMu.Lock()
	received, total := e.job.Received, e.job.TotalBytes
	e.jobMu.Unlock()
	if total > 0 && received < total {
		// Every worker reported Done(), but fewer bytes were ever
		// written than the probed size: segment bookkeeping lost a
		// range somewhere (a worker merge or split left a gap). Fail
		// instead of renaming a short file. received may legitimately
		// exceed total when an adaptive worker merge re-fetches a few
		// already-written bytes it can no longer address separately;
		// that's redundant, not corrupt, so it doesn't fail here.
		return e.finishFailed(&model.IncompleteError{Received: received, Total: total})
	}
	e.closeFile()
	e.fileMu.Lock()
	finalPath := e.job.FinalPath()
	err := os.Rename(e.job.PartPath(), finalPath)
	if err != nil {
		// retry once on transient rename failure (§4.3)
		time.Sleep(50 * time.Millisecond)
		err = os.Rename(e.job.PartPath(), finalPath)
	}
	e.fileMu.Unlock()
	if err != nil {
		return e.finishFailed(&model.LocalIOError{Cause: err})
	}
	e.store.Delete(e.job.SidecarPath())
	e.setStatus(model.StatusCompleted)
	e.setCompletedAt()
	e.forceNotify()
	return nil
}

func (e *Engine) finishFailed(cause error) error {
	e.closeFile()
	e.saveSidecar("", true)
	e.setStatus(model.StatusFailed)
	e.setError(cause.Error())
	e.setCompletedAt()
	e.forceNotify()
	return cause
}

func (e *Engine) finishCancelled() error {
	e.closeFile()
	e.store.Discard(e.job.SidecarPath(), e.job.PartPath())
	e.setStatus(model.StatusCancelled)
	e.setError((&model.CancelledError{}).Error())
	e.setCompletedAt()
	e.forceNotify()
	return &model.CancelledError{}
}

func (e *Engine) finishPaused() error {
	e.saveSidecar("", true)
	e.setStatus(model.StatusPaused)
	e.forceNotify()
	return nil
}

// Snapshot reports per-worker throughput for the adaptive controller.
func (e *Engine) Snapshot() State {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	st := State{Requested: e.job.RequestedWorkers, ServerHintBPS: e.hintBPS}
	for i, s := range e.segments {
		if s.Done() {
			continue
		}
		tracker := e.speeds[i]
		bps := 0.0
		if tracker != nil {
			bps = tracker.bps()
		}
		st.Workers = append(st.Workers, WorkerStat{Index: i, BPS: bps, Remaining: s.Remaining(), Offset: s.Offset, Length: s.Length})
	}
	st.Active = len(st.Workers)
	e.setActiveWorkers(st.Active)
	return st
}

// RemoveWorker stops the worker at idx and hands its remaining bytes
// to a neighboring segment (preferring the next, falling back to the
// previous). Returns false if idx has no remaining bytes to merge or
// no neighbor exists.
func (e *Engine) RemoveWorker(idx int) bool {
	e.segMu.Lock()
	if idx < 0 || idx >= len(e.segments) || e.segments[idx].Done() {
		e.segMu.Unlock()
		return false
	}
	neighbor := -1
	if idx+1 < len(e.segments) && !e.segments[idx+1].Done() {
		neighbor = idx + 1
	} else if idx-1 >= 0 && !e.segments[idx-1].Done() {
		neighbor = idx - 1
	}
	if neighbor == -1 {
		e.segMu.Unlock()
		return false
	}
	ch := e.cancelCh[idx]
	// Mark idx done and close its stop channel below. streamBody does not
	// watch that channel, so the worker keeps writing its own range until
	// its in-flight response ends, and exits at its next loop check.
	stragglerSeg := e.segments[idx]
	e.segments[idx].Written = e.segments[idx].Length

	// Merge idx's full range into neighbor's, keyed on which of the two
	// starts first. Only the leftmost segment's Written can survive the
	// merge as a valid contiguous-from-Offset prefix; the rightmost
	// segment's prior progress sits in the interior of the merged range
	// and would no longer be addressable by a single Range request, so
	// it is re-fetched rather than risk a gap.
	neighborSeg := e.segments[neighbor]
	var left, right model.Segment
	if idx < neighbor {
		left, right = stragglerSeg, neighborSeg
	} else {
		left, right = neighborSeg, stragglerSeg
	}
	e.segments[neighbor] = model.Segment{
		Offset:  left.Offset,
		Length:  right.Offset + right.Length - left.Offset,
		Written: left.Written,
	}
	e.segMu.Unlock()
	if ch != nil {
		close(ch)
	}
	return true
}

// SplitLargest finds the segment with the most remaining bytes and,
// if at least 2 MiB remains (so each half keeps ≥1 MiB), splits it in
// two, spawning a worker for the new half.
func (e *Engine) SplitLargest(ctx context.Context) bool {
	e.segMu.Lock()
	best := -1
	var bestRemaining int64
	for i, s := range e.segments {
		if s.Done() {
			continue
		}
		if r := s.Remaining(); r > bestRemaining {
			bestRemaining = r
			best = i
		}
	}
	if best == -1 || bestRemaining < 2*minSplitRemain {
		e.segMu.Unlock()
		return false
	}
	seg := e.segments[best]
	half := seg.Remaining() / 2
	newOffset := seg.Offset + seg.Written + half
	newLength := seg.Length - seg.Written - half
	e.segments[best].Length = seg.Written + half
	newIdx := len(e.segments)
	e.segments = append(e.segments, model.Segment{Offset: newOffset, Length: newLength})
	e.speeds[newIdx] = newSpeedTracker()
	e.segMu.Unlock()

	e.spawnWorker(ctx, newIdx)
	return true
}

func (e *Engine) setStatus(s model.Status) {
	e.jobMu.Lock()
	e.job.Status = s
	e.jobMu.Unlock()
}

func (e *Engine) setTotal(n int64) {
	e.jobMu.Lock()
	e.job.TotalBytes = n
	e.jobMu.Unlock()
}

func (e *Engine) setError(msg string) {
	e.jobMu.Lock()
	e.job.ErrorMessage = msg
	e.jobMu.Unlock()
}

func (e *Engine) setCompletedAt() {
	e.jobMu.Lock()
	e.job.CompletedAt = time.Now()
	e.jobMu.Unlock()
}

func (e *Engine) addReceived(n int64) {
	e.overall.add(n)
	e.jobMu.Lock()
	e.job.Received += n
	e.job.SpeedBPS = e.overall.bps()
	e.jobMu.Unlock()
}

func (e *Engine) setActiveWorkers(n int) {
	e.jobMu.Lock()
	e.job.ActiveWorkers = n
	e.jobMu.Unlock()
}

func (e *Engine) snapshotSummary() model.Summary {
	e.jobMu.Lock()
	defer e.jobMu.Unlock()
	return e.job.ToSummary()
}

// maybeNotify emits a progress event, throttled to notifyInterval
// unless force is set (status changes are always forced, §4.3).
func (e *Engine) maybeNotify(force bool) {
	if e.notify == nil {
		return
	}
	e.lastNotifyMu.Lock()
	due := force || time.Since(e.lastNotify) >= notifyInterval
	if due {
		e.lastNotify = time.Now()
	}
	e.lastNotifyMu.Unlock()
	if due {
		e.notify(e.snapshotSummary())
	}
}

func (e *Engine) forceNotify() { e.maybeNotify(true) }

func (e *Engine) saveSidecar(contentType string, force bool) {
	e.segMu.Lock()
	segs := make([]model.Segment, len(e.segments))
	copy(segs, e.segments)
	e.segMu.Unlock()

	e.jobMu.Lock()
	total := e.job.TotalBytes
	url := e.job.URL
	e.jobMu.Unlock()

	rec := &model.SidecarRecord{
		URL:         url,
		TotalBytes:  total,
		ContentType: contentType,
		Segments:    segs,
	}
	e.store.Save(e.job.SidecarPath(), rec, force)
}

func resolveFilename(rawURL, suggested string) string {
	if suggested != "" {
		return suggested
	}
	base := filepath.Base(rawURL)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}
