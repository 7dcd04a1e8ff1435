package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/riverrun/segdl/internal/model"
)

// runWorker is the per-segment worker protocol (§4.3): issue a ranged
// GET from the current written offset, stream the body in bounded
// chunks into the part file at absolute positions, retry transient
// request errors (failed requests, 408, 429, 5xx) with backoff, and
// exit on cancel/pause/completion. A read error in the middle of a
// response body is recorded as the job's failure and is not retried.
func (e *Engine) runWorker(ctx context.Context, idx int, stop <-chan struct{}) {
	retries := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		if e.cancelled.Load() {
			return
		}

		e.segMu.Lock()
		if idx >= len(e.segments) {
			e.segMu.Unlock()
			return
		}
		seg := e.segments[idx]
		// Count real segments only: collapseToSingleWorker leaves
		// zero-length placeholders that must not count as peers.
		total := 0
		for _, s := range e.segments {
			if s.Length > 0 {
				total++
			}
		}
		e.segMu.Unlock()

		if seg.Done() {
			return
		}
		if e.paused.Load() {
			return
		}

		req, err := e.buildRangeRequest(ctx, seg, total == 1)
		if err != nil {
			e.failErr.Store(&model.ValidationError{Reason: err.Error()})
			return
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if e.retryOrFail(ctx, idx, &retries, &model.TransientNetworkError{Cause: err}) {
				continue
			}
			return
		}

		if resp.StatusCode == http.StatusOK && total > 1 {
			resp.Body.Close()
			e.collapseToSingleWorker(idx)
			continue
		}
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			retryAfter := parseRetryAfterHeader(resp)
			resp.Body.Close()
			if e.retryOrFail(ctx, idx, &retries, &model.TransientNetworkError{RetryAfter: retryAfter}) {
				continue
			}
			return
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			e.failErr.Store(&model.PermanentServerError{StatusCode: resp.StatusCode, Reason: resp.Status})
			return
		}

		ok := e.streamBody(ctx, idx, resp.Body, seg.Offset+seg.Written)
		resp.Body.Close()
		if !ok {
			return // cancelled, paused, or a write or read error already recorded
		}
		retries = 0 // progress made; next loop iteration checks Done() and either exits or resumes a short read
	}
}

func (e *Engine) buildRangeRequest(ctx context.Context, seg model.Segment, sole bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.job.URL, nil)
	if err != nil {
		return nil, err
	}
	if seg.Length > 0 {
		start := seg.Offset + seg.Written
		end := seg.Offset + seg.Length - 1
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}
	_ = sole
	return req, nil
}

// streamBody copies resp's body into the part file in ≤1 MiB chunks
// at increasing absolute positions, updating Written/Received/speed
// per chunk and checking cancel/pause before each read.
func (e *Engine) streamBody(ctx context.Context, idx int, body io.Reader, startPos int64) bool {
	buf := make([]byte, chunkSize)
	pos := startPos
	for {
		if e.cancelled.Load() {
			return false
		}
		if e.paused.Load() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}

		// Re-check the segment's current bound before every read: a
		// concurrent SplitLargest may have shrunk it since this worker's
		// request was issued, and the response body still carries bytes
		// for the original, larger range. Reading past the current bound
		// would overlap the newly spawned worker's range and double-count
		// the overlap in Received.
		readBuf := buf
		e.segMu.Lock()
		seg := e.segments[idx]
		e.segMu.Unlock()
		if seg.Length > 0 {
			boundary := seg.Offset + seg.Length
			if pos >= boundary {
				return true
			}
			if remain := boundary - pos; remain < int64(len(readBuf)) {
				readBuf = buf[:remain]
			}
		}

		n, err := body.Read(readBuf)
		if n > 0 {
			if e.limiter != nil {
				if werr := e.limiter.WaitN(ctx, n); werr != nil {
					return false
				}
			}
			if _, werr := e.file.WriteAt(buf[:n], pos); werr != nil {
				e.failErr.Store(&model.LocalIOError{Cause: werr})
				return false
			}
			pos += int64(n)

			e.segMu.Lock()
			e.segments[idx].Written += int64(n)
			tracker := e.speeds[idx]
			e.segMu.Unlock()

			if tracker != nil {
				tracker.add(int64(n))
			}
			e.addReceived(int64(n))
			e.saveSidecar("", false)
			e.maybeNotify(false)
		}
		if err == io.EOF {
			e.segMu.Lock()
			seg := e.segments[idx]
			unbounded := seg.Length == 0
			if unbounded {
				e.segments[idx].Length = e.segments[idx].Written
			}
			e.segMu.Unlock()
			if unbounded {
				e.setTotal(e.segments[idx].Written)
			}
			return true
		}
		if err != nil {
			e.failErr.Store(&model.TransientNetworkError{Cause: err})
			return false
		}
	}
}

// retryOrFail applies exponential backoff (100ms -> 3.2s, cap 6
// retries), honoring Retry-After when present. Returns true to retry,
// false once retries are exhausted (failErr is set in that case).
func (e *Engine) retryOrFail(ctx context.Context, idx int, retries *int, cause error) bool {
	if *retries >= maxRetries {
		e.failErr.Store(cause)
		return false
	}
	*retries++

	wait := backoffInitial * time.Duration(1<<uint(*retries-1))
	if wait > backoffCap {
		wait = backoffCap
	}
	if tn, ok := cause.(*model.TransientNetworkError); ok && tn.RetryAfter > 0 {
		wait = time.Duration(tn.RetryAfter) * time.Second
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}
	if e.cancelled.Load() || e.paused.Load() {
		return false
	}
	return true
}

// collapseToSingleWorker handles a server that answered 200 instead of
// 206: the segmentation is invalid, so every other worker is stopped
// and this segment becomes the whole resource, restarting at offset 0.
func (e *Engine) collapseToSingleWorker(keep int) {
	e.segMu.Lock()
	for i, ch := range e.cancelCh {
		if i != keep && ch != nil {
			close(ch)
			delete(e.cancelCh, i)
		}
	}
	var total int64
	for _, s := range e.segments {
		if end := s.Offset + s.Length; end > total {
			total = end
		}
	}
	// Keep the slice at least keep+1 long, with every index other than
	// keep a trivially-done placeholder, so a worker still mid-flight
	// between its stop check and its segment read never indexes past
	// the end — it just observes Done() and exits on its own.
	newSegments := make([]model.Segment, keep+1)
	newSegments[keep] = model.Segment{Offset: 0, Length: total, Written: 0}
	e.segments = newSegments
	e.speeds = map[int]*speedTracker{keep: newSpeedTracker()}
	e.segMu.Unlock()
}

func parseRetryAfterHeader(resp *http.Response) int {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(ra, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return secs
}
