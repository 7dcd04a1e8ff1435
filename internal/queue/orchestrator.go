// Package queue implements the bounded concurrent job queue: admits
// download jobs, runs at most K Transfer Engines concurrently,
// broadcasts progress to subscribers at a throttled rate, and
// survives partial failures.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/riverrun/segdl/internal/adaptive"
	"github.com/riverrun/segdl/internal/httpclient"
	"github.com/riverrun/segdl/internal/model"
	"github.com/riverrun/segdl/internal/sidecar"
	"github.com/riverrun/segdl/internal/transfer"
	"github.com/riverrun/segdl/internal/urlvalidate"
)

// HistoryRecorder is the boundary the out-of-scope SQLite history
// persistence adapter implements. The core ships a no-op default.
type HistoryRecorder interface {
	RecordCreated(job model.Summary)
	RecordTerminal(job model.Summary)
}

// NoopHistory discards every record; it is the default HistoryRecorder.
type NoopHistory struct{}

func (NoopHistory) RecordCreated(model.Summary)  {}
func (NoopHistory) RecordTerminal(model.Summary) {}

// Config bounds the orchestrator's behavior. Zero-value fields fall
// back to the documented defaults.
type Config struct {
	Concurrency     int           // K, default 3
	MaxCompleted    int           // default 100
	TerminalMaxAge  time.Duration // default 24h
	CleanupInterval time.Duration // default 1h
	Allowlist       []string      // empty means any https host
	Thresholds      adaptive.Thresholds
	History         HistoryRecorder
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = model.DefaultQueueCap
	}
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = 100
	}
	if c.TerminalMaxAge <= 0 {
		c.TerminalMaxAge = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Thresholds == (adaptive.Thresholds{}) {
		c.Thresholds = adaptive.DefaultThresholds()
	}
	if c.History == nil {
		c.History = NoopHistory{}
	}
}

// AddOptions are the optional parameters to Add.
type AddOptions struct {
	Filename    string
	Connections int // default model.DefaultQueueCap's sibling: defaults to 4 if 0
	Adaptive    bool
	DestDir     string
}

type entry struct {
	mu  sync.Mutex // guards job's mutable fields; shared with its Engine
	job *model.Job

	engine       *transfer.Engine
	cancelRun    context.CancelFunc
	pendingRetry bool // true once Resume has been requested, awaiting a free slot
	readySince   time.Time
}

// Orchestrator is the process-wide coordinator of jobs, the
// concurrency cap, and subscribers.
type Orchestrator struct {
	log    zerolog.Logger
	cfg    Config
	client *httpclient.Client
	store  *sidecar.Store

	mu      sync.Mutex // the scheduler lock: guards everything below
	jobs    map[string]*entry
	order   []string // insertion order, for listing
	active  map[string]bool
	ready   []string // FIFO of ids eligible for admission (Queued or resume-requested)
	subs    map[int]func(model.Summary)
	nextSub int

	progressCh chan model.Summary
	triggerCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Orchestrator and starts its scheduler and
// periodic cleanup goroutines.
func New(log zerolog.Logger, client *httpclient.Client, store *sidecar.Store, cfg Config) *Orchestrator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		log:        log,
		cfg:        cfg,
		client:     client,
		store:      store,
		jobs:       make(map[string]*entry),
		active:     make(map[string]bool),
		subs:       make(map[int]func(model.Summary)),
		progressCh: make(chan model.Summary, 256),
		triggerCh:  make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	o.wg.Add(3)
	go o.broadcastLoop()
	go o.cleanupLoop()
	go o.schedulerLoop()
	return o
}

// Close cancels every running Engine's context and waits for the
// background loops and in-flight runs to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, e := range o.jobs {
		e.mu.Lock()
		if e.cancelRun != nil {
			e.cancelRun()
		}
		e.mu.Unlock()
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// trigger asks the scheduler to re-evaluate admission. Safe to call
// from any goroutine; coalesces bursts into one pending signal.
func (o *Orchestrator) trigger() {
	select {
	case o.triggerCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) schedulerLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.triggerCh:
			o.admitReady()
		}
	}
}

// admitReady pops ready ids in FIFO order and starts a run for each
// while a concurrency slot is free. The admission check-and-reserve
// happens entirely under o.mu, so two scheduler passes (there is only
// ever one schedulerLoop goroutine, but admitReady is also safe to
// call reentrantly) can never both admit into the same slot.
func (o *Orchestrator) admitReady() {
	for {
		o.mu.Lock()
		if len(o.active) >= o.cfg.Concurrency || len(o.ready) == 0 {
			o.mu.Unlock()
			return
		}
		id := o.ready[0]
		o.ready = o.ready[1:]
		e, ok := o.jobs[id]
		if !ok {
			o.mu.Unlock()
			continue
		}
		o.active[id] = true
		o.mu.Unlock()
		o.runJob(id, e)
	}
}

// runJob starts (or resumes) id's Engine in its own goroutine and
// frees its concurrency slot once the run reaches a terminal or
// paused state.
func (o *Orchestrator) runJob(id string, e *entry) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.finishRun(id)

		e.mu.Lock()
		resuming := e.pendingRetry
		e.pendingRetry = false
		job := e.job
		eng := e.engine
		alreadyCancelled := job.Status == model.StatusCancelled
		e.mu.Unlock()
		if alreadyCancelled {
			// Raced with Cancel() while still Queued: that path already
			// finalized the job, so there is nothing left to run.
			return
		}

		runCtx, cancel := context.WithCancel(o.ctx)
		e.mu.Lock()
		e.cancelRun = cancel
		e.mu.Unlock()
		defer cancel()

		if eng == nil {
			hint := adaptive.ParseHint(job.URL)
			eng = transfer.New(o.log, job, &e.mu, o.client, o.store, hint, o.publish)
			e.mu.Lock()
			e.engine = eng
			e.mu.Unlock()
		}

		if job.Adaptive {
			ctrl := adaptive.New(o.log, eng, o.cfg.Thresholds)
			go ctrl.Run(runCtx)
		}

		if resuming {
			_ = eng.Resume(runCtx)
		} else {
			_ = eng.Start(runCtx)
		}

		e.mu.Lock()
		summary := job.ToSummary()
		e.mu.Unlock()
		if summary.Status.Terminal() {
			o.cfg.History.RecordTerminal(summary)
		}
	}()
}

// finishRun releases id's concurrency slot and re-evaluates admission;
// a Paused outcome leaves id out of both active and ready until Resume
// is called explicitly.
func (o *Orchestrator) finishRun(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
	o.trigger()
}

// Add validates url and opts, creates a Queued Job, and triggers
// admission. It never mutates state on validation failure.
func (o *Orchestrator) Add(url string, opts AddOptions) (string, error) {
	if err := urlvalidate.Validate(url, o.cfg.Allowlist); err != nil {
		return "", err
	}
	connections := opts.Connections
	if connections == 0 {
		connections = 4
	}
	if err := urlvalidate.Workers(connections); err != nil {
		return "", err
	}

	job := &model.Job{
		ID:               uuid.NewString(),
		URL:              url,
		DestDir:          opts.DestDir,
		Filename:         opts.Filename,
		RequestedWorkers: connections,
		Adaptive:         opts.Adaptive,
		Status:           model.StatusQueued,
		CreatedAt:        time.Now(),
	}
	if job.DestDir == "" {
		job.DestDir = "."
	}

	e := &entry{job: job, readySince: time.Now()}

	o.mu.Lock()
	o.jobs[job.ID] = e
	o.order = append(o.order, job.ID)
	o.ready = append(o.ready, job.ID)
	o.mu.Unlock()

	o.cfg.History.RecordCreated(job.ToSummary())
	o.publish(job.ToSummary())
	o.trigger()
	return job.ID, nil
}

// List snapshots every job in insertion order.
func (o *Orchestrator) List() []model.Summary {
	o.mu.Lock()
	ids := make([]string, len(o.order))
	copy(ids, o.order)
	o.mu.Unlock()

	out := make([]model.Summary, 0, len(ids))
	for _, id := range ids {
		if e, ok := o.lookup(id); ok {
			e.mu.Lock()
			out = append(out, e.job.ToSummary())
			e.mu.Unlock()
		}
	}
	return out
}

// Get returns one job's summary.
func (o *Orchestrator) Get(id string) (model.Summary, bool) {
	e, ok := o.lookup(id)
	if !ok {
		return model.Summary{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.ToSummary(), true
}

func (o *Orchestrator) lookup(id string) (*entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	return e, ok
}

// Pause requests cooperative suspension of a Downloading job.
func (o *Orchestrator) Pause(id string) error {
	e, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.mu.Lock()
	status := e.job.Status
	eng := e.engine
	e.mu.Unlock()
	if status != model.StatusDownloading {
		return fmt.Errorf("job %s is not downloading", id)
	}
	if eng != nil {
		eng.Pause()
	}
	return nil
}

// Resume re-admits a Paused job to the ready set; it restarts once a
// concurrency slot is free, same as any Queued job.
func (o *Orchestrator) Resume(id string) error {
	e, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.mu.Lock()
	if e.job.Status != model.StatusPaused {
		status := e.job.Status
		e.mu.Unlock()
		return fmt.Errorf("job %s is not paused (status=%s)", id, status)
	}
	e.mu.Unlock()

	o.mu.Lock()
	e.pendingRetry = true
	e.readySince = time.Now()
	o.ready = append(o.ready, id)
	o.mu.Unlock()

	o.trigger()
	return nil
}

// Cancel terminally stops a job, legal from any non-terminal status.
func (o *Orchestrator) Cancel(id string) error {
	e, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.mu.Lock()
	status := e.job.Status
	eng := e.engine
	e.mu.Unlock()
	if status.Terminal() {
		return nil // idempotent
	}
	if eng != nil {
		eng.Cancel()
		if status != model.StatusPaused {
			return nil
		}
		// Paused: no run is in flight to observe the flag, so the part
		// file and sidecar are removed here.
		o.store.Discard(e.job.SidecarPath(), e.job.PartPath())
	}
	// Still Queued and never started, or Paused: mark Cancelled directly.
	e.mu.Lock()
	e.job.Status = model.StatusCancelled
	e.job.CompletedAt = time.Now()
	summary := e.job.ToSummary()
	e.mu.Unlock()
	o.removeFromReady(id)
	o.cfg.History.RecordTerminal(summary)
	o.publish(summary)
	return nil
}

// Remove drops a terminal job's entry.
func (o *Orchestrator) Remove(id string) error {
	e, ok := o.lookup(id)
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.mu.Lock()
	status := e.job.Status
	e.mu.Unlock()
	if !status.Terminal() {
		return fmt.Errorf("job %s is not terminal", id)
	}
	o.mu.Lock()
	delete(o.jobs, id)
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	return nil
}

// Cleanup removes terminal entries older than age, or beyond
// MaxCompleted (newest retained), returning the count removed.
func (o *Orchestrator) Cleanup(age time.Duration) int {
	if age <= 0 {
		age = o.cfg.TerminalMaxAge
	}
	cutoff := time.Now().Add(-age)

	o.mu.Lock()
	type cand struct {
		id          string
		completedAt time.Time
	}
	var terminal []cand
	for _, id := range o.order {
		e := o.jobs[id]
		e.mu.Lock()
		if e.job.Status.Terminal() {
			terminal = append(terminal, cand{id, e.job.CompletedAt})
		}
		e.mu.Unlock()
	}
	o.mu.Unlock()

	toRemove := make(map[string]bool)
	for _, c := range terminal {
		if c.completedAt.Before(cutoff) {
			toRemove[c.id] = true
		}
	}
	if over := len(terminal) - o.cfg.MaxCompleted; over > 0 {
		// oldest-first beyond the cap, newest retained
		sorted := append([]cand(nil), terminal...)
		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				if sorted[j].completedAt.Before(sorted[i].completedAt) {
					sorted[i], sorted[j] = sorted[j], sorted[i]
				}
			}
		}
		for i := 0; i < over; i++ {
			toRemove[sorted[i].id] = true
		}
	}

	removed := 0
	for id := range toRemove {
		if o.Remove(id) == nil {
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) removeFromReady(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, rid := range o.ready {
		if rid == id {
			o.ready = append(o.ready[:i], o.ready[i+1:]...)
			break
		}
	}
}

// Subscribe registers callback for progress events and returns an id
// usable with Unsubscribe in O(1).
func (o *Orchestrator) Subscribe(callback func(model.Summary)) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = callback
	return id
}

// Unsubscribe removes a subscriber by id.
func (o *Orchestrator) Unsubscribe(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.subs, id)
}

func (o *Orchestrator) publish(s model.Summary) {
	select {
	case o.progressCh <- s:
	default:
		o.log.Warn().Str("job", s.ID).Msg("progress channel full, dropping an update")
	}
}

// broadcastLoop is the single consumer that ever invokes subscriber
// callbacks, satisfying "never invoke subscriber callbacks directly
// from worker threads" (§9).
func (o *Orchestrator) broadcastLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case s := <-o.progressCh:
			o.dispatch(s)
		}
	}
}

func (o *Orchestrator) dispatch(s model.Summary) {
	o.mu.Lock()
	callbacks := make(map[int]func(model.Summary), len(o.subs))
	for id, cb := range o.subs {
		callbacks[id] = cb
	}
	o.mu.Unlock()

	for id, cb := range callbacks {
		if err := o.safeCall(cb, s); err != nil {
			o.log.Warn().Int("subscriber", id).Err(err).Msg("subscriber callback failed, deregistering")
			o.Unsubscribe(id)
		}
	}
}

// cleanupLoop runs Cleanup on cfg.CleanupInterval, retrying a
// transient failure up to 3 times before giving up until the next tick.
func (o *Orchestrator) cleanupLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			for attempt := 0; attempt < 3; attempt++ {
				ok := func() (ok bool) {
					defer func() {
						if r := recover(); r != nil {
							o.log.Warn().Interface("panic", r).Int("attempt", attempt).Msg("cleanup pass failed")
							ok = false
						}
					}()
					removed := o.Cleanup(0)
					if removed > 0 {
						o.log.Info().Int("removed", removed).Msg("cleaned up terminal jobs")
					}
					return true
				}()
				if ok {
					break
				}
			}
		}
	}
}

func (o *Orchestrator) safeCall(cb func(model.Summary), s model.Summary) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	cb(s)
	return nil
}
