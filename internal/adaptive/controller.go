// Package adaptive implements the per-job worker-count controller: it
// watches per-worker throughput and any server rate hint and scales
// the active worker count within [1, requested_workers].
package adaptive

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverrun/segdl/internal/transfer"
)

// Thresholds are the empirical knobs from §4.4/§9's open question,
// exposed as configuration rather than hardcoded so a deployment can
// revisit them.
type Thresholds struct {
	Tick             time.Duration
	StragglerRatio   float64 // a worker below this fraction of the median is a straggler
	StragglerTicks   int     // consecutive straggler ticks before removal
	HintUtilization  float64 // scale up once median throughput exceeds this fraction of the hint
	StableRatio      float64 // "equals previous tick within" this fraction, for the no-hint scale-up path
}

// DefaultThresholds matches §4.4's stated values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Tick:            5 * time.Second,
		StragglerRatio:  0.25,
		StragglerTicks:  2,
		HintUtilization: 0.9,
		StableRatio:     0.05,
	}
}

// Engine is the subset of *transfer.Engine the controller needs. A
// real *transfer.Engine satisfies it; tests use a fake.
type Engine interface {
	Snapshot() transfer.State
	RemoveWorker(idx int) bool
	SplitLargest(ctx context.Context) bool
}

// Controller ticks every Thresholds.Tick while its Job is downloading,
// adjusting the worker count per §4.4.
type Controller struct {
	log        zerolog.Logger
	engine     Engine
	thresholds Thresholds

	stragglerStreak map[int]int
	lastMedianBPS   float64
}

func New(log zerolog.Logger, engine Engine, thresholds Thresholds) *Controller {
	return &Controller{
		log:             log,
		engine:          engine,
		thresholds:      thresholds,
		stragglerStreak: make(map[int]int),
	}
}

// Run blocks, ticking until ctx is cancelled (the queue cancels the
// run's context once the Engine's Start or Resume returns).
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.thresholds.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	snap := c.engine.Snapshot()
	if len(snap.Workers) == 0 {
		return
	}

	median := medianBPS(snap.Workers)

	// Straggler detection: a worker under StragglerRatio*median for
	// StragglerTicks consecutive ticks gets removed and merged.
	var strugglingIdx = -1
	seen := make(map[int]bool, len(snap.Workers))
	for _, w := range snap.Workers {
		seen[w.Index] = true
		if median > 0 && w.BPS < c.thresholds.StragglerRatio*median {
			c.stragglerStreak[w.Index]++
			if c.stragglerStreak[w.Index] >= c.thresholds.StragglerTicks {
				strugglingIdx = w.Index
			}
		} else {
			c.stragglerStreak[w.Index] = 0
		}
	}
	for idx := range c.stragglerStreak {
		if !seen[idx] {
			delete(c.stragglerStreak, idx)
		}
	}

	if strugglingIdx != -1 && snap.Active > 1 {
		if c.engine.RemoveWorker(strugglingIdx) {
			c.log.Info().Int("worker", strugglingIdx).Msg("removed straggling worker")
			delete(c.stragglerStreak, strugglingIdx)
			c.lastMedianBPS = median
			return
		}
	}

	scaleUp := false
	if snap.ServerHintBPS > 0 {
		scaleUp = median > c.thresholds.HintUtilization*snap.ServerHintBPS
	} else if c.lastMedianBPS > 0 {
		delta := median - c.lastMedianBPS
		if delta < 0 {
			delta = -delta
		}
		scaleUp = delta <= c.thresholds.StableRatio*c.lastMedianBPS
	}

	if scaleUp && snap.Active < snap.Requested {
		if c.engine.SplitLargest(ctx) {
			c.log.Info().Int("active", snap.Active+1).Msg("added worker")
		}
	}

	c.lastMedianBPS = median
}

func medianBPS(workers []transfer.WorkerStat) float64 {
	if len(workers) == 0 {
		return 0
	}
	vals := make([]float64, len(workers))
	for i, w := range workers {
		vals[i] = w.BPS
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}

// ParseHint extracts a per-connection rate cap in bytes/sec from a
// `rate=` query parameter, e.g. "rate=500k" (kilobits/sec, / 8 for
// bytes) or "rate=62500" (bytes/sec directly). Returns 0 if absent or
// unparseable.
func ParseHint(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	raw := u.Query().Get("rate")
	if raw == "" {
		return 0
	}
	if strings.HasSuffix(raw, "k") || strings.HasSuffix(raw, "K") {
		kbits, err := strconv.ParseFloat(raw[:len(raw)-1], 64)
		if err != nil || kbits <= 0 {
			return 0
		}
		return kbits * 1000 / 8
	}
	bps, err := strconv.ParseFloat(raw, 64)
	if err != nil || bps <= 0 {
		return 0
	}
	return bps
}
