package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/partdl/internal/session"
)

func testManager(out *bytes.Buffer) *Manager {
	m := NewManager(out)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	m.width = func() int { return 120 }
	m.height = func() int { return 40 }
	return m
}

func snap(key, name string, status session.Status, downloaded, total int64) session.Snapshot {
	progress := 0.0
	if total > 0 {
		progress = float64(downloaded) / float64(total) * 100
	}
	return session.Snapshot{
		Key:     key,
		Status:  status,
		Options: session.Options{URL: "https://example.test/" + name, Filename: name},
		Info:    session.Info{TotalSize: total, Downloaded: downloaded, Progress: progress, Speed: 2048},
	}
}

func TestProgressBar(t *testing.T) {
	bar := ProgressBar(50, 10)
	assert.Equal(t, 5, strings.Count(bar, StyleSymbols["hline"]))
	assert.Contains(t, bar, " 50.0%")
	assert.Equal(t, 10, strings.Count(ProgressBar(250, 10), StyleSymbols["hline"]))
	assert.Zero(t, strings.Count(ProgressBar(-5, 10), StyleSymbols["hline"]))
}

func TestProgressLine(t *testing.T) {
	line := ProgressLine(session.Info{TotalSize: 2048, Downloaded: 1024, Progress: 50, Speed: 1024}, 10)
	assert.Contains(t, line, "1.00 KB / 2.00 KB")
	assert.Contains(t, line, "1.00 KB/s")

	unknown := ProgressLine(session.Info{TotalSize: -1, Downloaded: 512}, 10)
	assert.NotContains(t, unknown, "%")
	assert.Contains(t, unknown, "512 B")
}

func TestLinesGroupRunningFirst(t *testing.T) {
	m := testManager(&bytes.Buffer{})
	m.Update(snap("a", "done.bin", session.StatusDone, 10, 10))
	m.Update(snap("b", "live.bin", session.StatusActive, 5, 10))
	m.Observe(session.Event{Kind: session.EventError, Snapshot: func() session.Snapshot {
		s := snap("c", "bad.bin", session.StatusError, 0, 10)
		s.ErrorKind = "AuthError"
		return s
	}()})

	lines := m.Lines(0)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Downloading live.bin")
	assert.Contains(t, lines[1], "50.0%")
	assert.Contains(t, lines[2], "Completed done.bin")
	assert.Contains(t, lines[3], "Failed bad.bin (AuthError)")

	m.Update(snap("b", "live.bin", session.StatusPaused, 6, 10))
	assert.Contains(t, m.Lines(0)[0], "Paused live.bin")
}

func TestLinesTrimFinished(t *testing.T) {
	m := testManager(&bytes.Buffer{})
	for _, key := range []string{"1", "2", "3", "4"} {
		m.Update(snap(key, key+".bin", session.StatusDone, 1, 1))
	}
	m.Update(snap("live", "live.bin", session.StatusActive, 0, 1))

	lines := m.Lines(4)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "live.bin")
	assert.Contains(t, lines[2], "3.bin")
	assert.Contains(t, lines[3], "4.bin")
}

func TestSummary(t *testing.T) {
	out := &bytes.Buffer{}
	m := testManager(out)
	m.Update(snap("a", "a.bin", session.StatusDone, 1, 1))
	failed := snap("b", "b.bin", session.StatusError, 0, 1)
	failed.ErrorKind = "FetchError"
	m.Update(failed)

	summary := m.Summary()
	require.Len(t, summary, 3)
	assert.Contains(t, summary[0], "Completed 1 of 2")
	assert.Contains(t, summary[1], "Failed 1 of 2")
	assert.Contains(t, summary[2], "https://example.test/b.bin: FetchError")

	m.StartDisplay()
	m.StopDisplay()
	assert.Contains(t, out.String(), "Completed 1 of 2")
}
