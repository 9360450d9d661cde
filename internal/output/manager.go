package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/partdl/internal/session"
)

type entry struct {
	snap      session.Snapshot
	startTime time.Time
	updated   time.Time
}

// Manager redraws one status block per session on a ticker.
type Manager struct {
	out         io.Writer
	mutex       sync.RWMutex
	entries     map[string]*entry
	order       []string
	numLines    int
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	now         func() time.Time
	height      func() int
	width       func() int
}

func NewManager(out io.Writer) *Manager {
	return &Manager{
		out:         out,
		entries:     make(map[string]*entry),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
		now:         time.Now,
		height:      getTerminalHeight,
		width:       getTerminalWidth,
	}
}

// Observe records the snapshot carried by a session event. It can be used
// directly as a session listener.
func (m *Manager) Observe(e session.Event) {
	m.Update(e.Snapshot)
}

func (m *Manager) Update(snap session.Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.now()
	e, ok := m.entries[snap.Key]
	if !ok {
		e = &entry{startTime: now}
		m.entries[snap.Key] = e
		m.order = append(m.order, snap.Key)
	}
	e.snap = snap
	e.updated = now
}

// Lines renders the current state, at most limit lines (0 for no limit).
// Finished sessions are trimmed first when space runs out.
func (m *Manager) Lines(limit int) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var running, finished []*entry
	for _, key := range m.order {
		e := m.entries[key]
		if e.snap.Status.Terminal() {
			finished = append(finished, e)
		} else {
			running = append(running, e)
		}
	}
	if limit > 0 {
		room := limit - 2*len(running)
		if room < 0 {
			room = 0
		}
		if len(finished) > room {
			finished = finished[len(finished)-room:]
		}
	}

	barWidth := min(30, max(10, m.width()/4))
	indent := strings.Repeat(" ", 2+4)
	var lines []string
	for _, e := range running {
		lines = append(lines, m.headline(e, m.now()))
		lines = append(lines, indent+streamStyle.Render(ProgressLine(e.snap.Info, barWidth)))
	}
	for _, e := range finished {
		lines = append(lines, m.headline(e, e.updated))
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines
}

func (m *Manager) headline(e *entry, until time.Time) string {
	elapsed := until.Sub(e.startTime).Round(time.Second).String()
	name := e.snap.Options.Filename
	var message string
	switch e.snap.Status {
	case session.StatusDone:
		message = successStyle.Render(fmt.Sprintf("Completed %s", name))
	case session.StatusError:
		message = errorStyle.Render(fmt.Sprintf("Failed %s (%s)", name, e.snap.ErrorKind))
	case session.StatusPaused:
		message = warningStyle.Render(fmt.Sprintf("Paused %s", name))
	case session.StatusBuilding:
		message = pendingStyle.Render(fmt.Sprintf("Merging %s", name))
	case session.StatusWaiting:
		message = pendingStyle.Render(fmt.Sprintf("Waiting %s", name))
	default:
		message = pendingStyle.Render(fmt.Sprintf("Downloading %s", name))
	}
	return fmt.Sprintf("%s%s %s %s", strings.Repeat(" ", 2), StatusIndicator(e.snap.Status), debugStyle.Render(elapsed), message)
}

func (m *Manager) updateDisplay() {
	lines := m.Lines(m.height() - 3)
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
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
				m.updateDisplay()
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

// Summary counts sessions by outcome and lists the failures.
func (m *Manager) Summary() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var done int
	var failed []*entry
	for _, key := range m.order {
		switch e := m.entries[key]; e.snap.Status {
		case session.StatusDone:
			done++
		case session.StatusError:
			failed = append(failed, e)
		}
	}
	total := len(m.order)
	lines := []string{strings.Repeat(" ", 2) + success2Style.Render(fmt.Sprintf("Completed %d of %d", done, total))}
	if len(failed) == 0 {
		return lines
	}
	lines = append(lines, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", len(failed), total)))
	for i, e := range failed {
		lines = append(lines, fmt.Sprintf("%s%s %s %s",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", e.updated.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("%s: %s", e.snap.Options.URL, e.snap.ErrorKind))))
	}
	return lines
}

func (m *Manager) ShowSummary() {
	fmt.Fprintln(m.out)
	for _, line := range m.Summary() {
		fmt.Fprintln(m.out, line)
	}
	fmt.Fprintln(m.out)
}
