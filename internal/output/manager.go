package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/riverrun/segdl/internal/model"
)

// jobView is the display-side snapshot of one Job, rebuilt from every
// model.Summary event the Manager receives.
type jobView struct {
	Summary   model.Summary
	StartTime time.Time
}

// Manager renders a live, redrawing table of job progress to the
// terminal, fed by queue.Orchestrator.Subscribe. It never touches the
// queue or any Job's mutable fields directly.
type Manager struct {
	mutex    sync.RWMutex
	jobs     map[string]*jobView
	order    []string
	numLines int

	doneCh      chan struct{}
	pauseCh     chan bool
	isPaused    bool
	displayTick time.Duration
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		jobs:        make(map[string]*jobView),
		doneCh:      make(chan struct{}),
		pauseCh:     make(chan bool),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) Pause() {
	if !m.isPaused {
		m.pauseCh <- true
		m.isPaused = true
	}
}

func (m *Manager) Resume() {
	if m.isPaused {
		m.pauseCh <- false
		m.isPaused = false
	}
}

// Observe is the queue.Subscribe callback: it only updates in-memory
// state, never prints directly, so the redraw goroutine is the single
// writer to stdout (mirrors the orchestrator's own single-broadcaster
// discipline for callback invocation).
func (m *Manager) Observe(s model.Summary) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, exists := m.jobs[s.ID]
	if !exists {
		v = &jobView{StartTime: s.CreatedAt}
		if v.StartTime.IsZero() {
			v.StartTime = time.Now()
		}
		m.jobs[s.ID] = v
		m.order = append(m.order, s.ID)
	}
	v.Summary = s
}

func (m *Manager) statusIndicator(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return successStyle.Render(StyleSymbols["pass"])
	case model.StatusFailed:
		return errorStyle.Render(StyleSymbols["fail"])
	case model.StatusCancelled:
		return warningStyle.Render(StyleSymbols["warning"])
	case model.StatusPaused:
		return pendingStyle.Render(StyleSymbols["pending"])
	case model.StatusQueued:
		return infoStyle.Render(StyleSymbols["dot"])
	default: // downloading
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortedViews() []*jobView {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	views := make([]*jobView, 0, len(m.order))
	for _, id := range m.order {
		if v, ok := m.jobs[id]; ok {
			views = append(views, v)
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].StartTime.Before(views[j].StartTime)
	})
	return views
}

func (m *Manager) updateDisplay() {
	views := m.sortedViews()

	_, termHeight, _ := term.GetSize(int(os.Stdout.Fd()))
	if termHeight <= 0 {
		termHeight = 24
	}
	availableLines := termHeight - 3

	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	for _, v := range views {
		if lineCount >= availableLines {
			break
		}
		s := v.Summary
		elapsed := time.Since(v.StartTime).Round(time.Second)
		if !s.CompletedAt.IsZero() {
			elapsed = s.CompletedAt.Sub(v.StartTime).Round(time.Second)
		}

		line := fmt.Sprintf("%s%s %s %s", strings.Repeat(" ", 2), m.statusIndicator(s.Status), debugStyle.Render(elapsed.String()), s.Filename)
		fmt.Println(line)
		lineCount++

		if lineCount >= availableLines {
			break
		}
		detail := m.detailLine(s)
		fmt.Printf("%s%s\n", strings.Repeat(" ", 6), detail)
		lineCount++
	}
	m.numLines = lineCount
}

func (m *Manager) detailLine(s model.Summary) string {
	switch s.Status {
	case model.StatusCompleted:
		return successStyle.Render(fmt.Sprintf("done — %s", FormatBytes(uint64(s.TotalBytes))))
	case model.StatusFailed:
		return errorStyle.Render(s.ErrorMessage)
	case model.StatusCancelled:
		return warningStyle.Render("cancelled")
	case model.StatusPaused:
		return pendingStyle.Render(fmt.Sprintf("paused at %s / %s", FormatBytes(uint64(s.Received)), FormatBytes(uint64(s.TotalBytes))))
	case model.StatusQueued:
		return pendingStyle.Render("queued")
	default:
		bar := PrintProgressBar(s.Received, s.TotalBytes, 30)
		return fmt.Sprintf("%s%s %s", bar, debugStyle.Render(FormatBytes(uint64(s.Received))+"/"+FormatBytes(uint64(s.TotalBytes))), debugStyle.Render(FormatSpeed(s.SpeedBPS)))
	}
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.isPaused {
					m.updateDisplay()
				}
			case pauseState := <-m.pauseCh:
				m.isPaused = pauseState
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) ShowSummary() {
	views := m.sortedViews()
	fmt.Println()
	var completed, failed int
	for _, v := range views {
		switch v.Summary.Status {
		case model.StatusCompleted:
			completed++
		case model.StatusFailed:
			failed++
		}
	}
	fmt.Println(strings.Repeat(" ", 2) + success2Style.Render(fmt.Sprintf("Completed %d of %d", completed, len(views))))
	if failed > 0 {
		fmt.Println(strings.Repeat(" ", 2) + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(views))))
	}
	fmt.Println()
}
