package queue

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverrun/segdl/internal/httpclient"
	"github.com/riverrun/segdl/internal/model"
	"github.com/riverrun/segdl/internal/sidecar"
)

// slowServer drip-feeds data in small writes with a short sleep between
// each, so a test can observe a job mid-download before it completes.
func slowServer(t *testing.T, data []byte, perWriteDelay time.Duration) *httptest.Server {
	t.Helper()
	const writeSize = 2000
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for off := 0; off < len(data); off += writeSize {
			end := off + writeSize
			if end > len(data) {
				end = len(data)
			}
			w.Write(data[off:end])
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(perWriteDelay)
		}
	}))
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	client := httpclient.New(httpclient.Config{Timeout: 10 * time.Second})
	store := sidecar.New(zerolog.Nop())
	o := New(zerolog.Nop(), client, store, cfg)
	t.Cleanup(o.Close)
	return o
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, want model.Status, timeout time.Duration) model.Summary {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last model.Summary
	for time.Now().Before(deadline) {
		s, ok := o.Get(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		last = s
		if s.Status == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s: expected status %s, last seen %s (%s)", id, want, last.Status, last.ErrorMessage)
	return last
}

func TestAddRejectsInvalidURL(t *testing.T) {
	o := newOrchestrator(t, Config{})
	if _, err := o.Add("ftp://example.com/file", AddOptions{Filename: "f"}); err == nil {
		t.Fatal("expected non-https scheme to be rejected")
	}
}

func TestAddRejectsOutOfRangeConnections(t *testing.T) {
	o := newOrchestrator(t, Config{})
	if _, err := o.Add("https://example.com/file", AddOptions{Filename: "f", Connections: 99}); err == nil {
		t.Fatal("expected out-of-range connection count to be rejected")
	}
}

func TestJobCompletesEndToEnd(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeated many times for bulk. ")
	for len(data) < 50_000 {
		data = append(data, data...)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 2})
	id, err := o.Add(srv.URL, AddOptions{Filename: "out.bin", DestDir: dir, Connections: 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s := waitForStatus(t, o, id, model.StatusCompleted, 5*time.Second)
	if s.Received != int64(len(data)) {
		t.Fatalf("expected %d received, got %d", len(data), s.Received)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if sha256.Sum256(got) != sha256.Sum256(data) {
		t.Fatal("content mismatch")
	}
}

func TestAdmissionCapEnforcement(t *testing.T) {
	data := make([]byte, 40_000)
	srv := slowServer(t, data, 2*time.Millisecond)
	defer srv.Close()

	dir1, dir2 := t.TempDir(), t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 1})

	id1, err := o.Add(srv.URL, AddOptions{Filename: "a.bin", DestDir: dir1, Connections: 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id2, err := o.Add(srv.URL, AddOptions{Filename: "b.bin", DestDir: dir2, Connections: 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	s1, _ := o.Get(id1)
	s2, _ := o.Get(id2)
	if s1.Status != model.StatusDownloading {
		t.Fatalf("expected job1 downloading, got %s", s1.Status)
	}
	if s2.Status != model.StatusQueued {
		t.Fatalf("expected job2 still queued while cap=1 is saturated, got %s", s2.Status)
	}

	waitForStatus(t, o, id1, model.StatusCompleted, 5*time.Second)
	waitForStatus(t, o, id2, model.StatusCompleted, 5*time.Second)
}

func TestPauseThenResumeThroughOrchestrator(t *testing.T) {
	data := make([]byte, 60_000)
	srv := slowServer(t, data, 2*time.Millisecond)
	defer srv.Close()

	dir := t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 2})
	id, err := o.Add(srv.URL, AddOptions{Filename: "out.bin", DestDir: dir, Connections: 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitForStatus(t, o, id, model.StatusDownloading, 2*time.Second)
	if err := o.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitForStatus(t, o, id, model.StatusPaused, 2*time.Second)

	if err := o.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, o, id, model.StatusCompleted, 5*time.Second)
}

func TestCancelQueuedJobIsImmediatelyTerminal(t *testing.T) {
	data := make([]byte, 20_000)
	srv := slowServer(t, data, 5*time.Millisecond)
	defer srv.Close()

	dir1, dir2 := t.TempDir(), t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 1})

	id1, _ := o.Add(srv.URL, AddOptions{Filename: "a.bin", DestDir: dir1, Connections: 1})
	id2, _ := o.Add(srv.URL, AddOptions{Filename: "b.bin", DestDir: dir2, Connections: 1})

	time.Sleep(10 * time.Millisecond)
	if err := o.Cancel(id2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s2, _ := o.Get(id2)
	if s2.Status != model.StatusCancelled {
		t.Fatalf("expected job2 cancelled immediately, got %s", s2.Status)
	}
	waitForStatus(t, o, id1, model.StatusCompleted, 5*time.Second)
}

func TestCancelIsIdempotentOnTerminalJob(t *testing.T) {
	data := []byte("small payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 1})
	id, _ := o.Add(srv.URL, AddOptions{Filename: "out.bin", DestDir: dir, Connections: 1})
	waitForStatus(t, o, id, model.StatusCompleted, 5*time.Second)

	if err := o.Cancel(id); err != nil {
		t.Fatalf("expected idempotent no-op cancel on a terminal job, got %v", err)
	}
}

func TestRemoveRequiresTerminalStatus(t *testing.T) {
	data := make([]byte, 30_000)
	srv := slowServer(t, data, 3*time.Millisecond)
	defer srv.Close()

	dir := t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 1})
	id, _ := o.Add(srv.URL, AddOptions{Filename: "out.bin", DestDir: dir, Connections: 1})

	waitForStatus(t, o, id, model.StatusDownloading, 2*time.Second)
	if err := o.Remove(id); err == nil {
		t.Fatal("expected Remove to reject a non-terminal job")
	}

	waitForStatus(t, o, id, model.StatusCompleted, 5*time.Second)
	if err := o.Remove(id); err != nil {
		t.Fatalf("expected Remove to succeed once terminal: %v", err)
	}
	if _, ok := o.Get(id); ok {
		t.Fatal("expected job gone after Remove")
	}
}

func TestSubscribeReceivesProgressEvents(t *testing.T) {
	data := []byte("hello subscriber")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.Write(data)
	}))
	defer srv.Close()

	dir := t.TempDir()
	o := newOrchestrator(t, Config{Concurrency: 1})

	var mu sync.Mutex
	seen := make(map[string]bool)
	subID := o.Subscribe(func(s model.Summary) {
		mu.Lock()
		seen[s.ID] = true
		mu.Unlock()
	})

	id, _ := o.Add(srv.URL, AddOptions{Filename: "out.bin", DestDir: dir, Connections: 1})
	waitForStatus(t, o, id, model.StatusCompleted, 5*time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := seen[id]
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen[id] {
		t.Fatal("expected subscriber to observe at least one event for the job")
	}

	o.Unsubscribe(subID)
}

func TestUnsubscribeByIDIsIndependentOfOtherSubscribers(t *testing.T) {
	o := newOrchestrator(t, Config{})
	id1 := o.Subscribe(func(model.Summary) {})
	id2 := o.Subscribe(func(model.Summary) {})
	o.Unsubscribe(id1)

	o.mu.Lock()
	_, has1 := o.subs[id1]
	_, has2 := o.subs[id2]
	o.mu.Unlock()
	if has1 {
		t.Fatal("expected id1 removed")
	}
	if !has2 {
		t.Fatal("expected id2 to remain registered")
	}
}
