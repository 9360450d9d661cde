package part

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/partdl/internal/ranges"
	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

type event struct {
	kind  string
	bytes int64
	err   string
}

type recorder struct {
	mu       sync.Mutex
	data     []int64
	terminal chan event
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan event, 16)}
}

func (r *recorder) OnData(n int64) {
	r.mu.Lock()
	r.data = append(r.data, n)
	r.mu.Unlock()
}
func (r *recorder) OnDone(n int64)      { r.terminal <- event{kind: "done", bytes: n} }
func (r *recorder) OnRetry()            { r.terminal <- event{kind: "retry"} }
func (r *recorder) OnError(kind string) { r.terminal <- event{kind: "error", err: kind} }
func (r *recorder) OnRemoved()          { r.terminal <- event{kind: "removed"} }

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.terminal:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for part event")
		return event{}
	}
}

func (r *recorder) lastData() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return 0
	}
	return r.data[len(r.data)-1]
}

func (r *recorder) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.terminal:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	return data
}

type rangeServer struct {
	*httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	ranges   []string
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.requests.Add(1)
		rs.mu.Lock()
		rs.ranges = append(rs.ranges, r.Header.Get("Range"))
		rs.mu.Unlock()
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *rangeServer) lastRange() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ranges[len(rs.ranges)-1]
}

func newPart(t *testing.T, link string, r ranges.ByteRange, rec *recorder) (*Downloader, string) {
	path := filepath.Join(t.TempDir(), "file.bin.1")
	d := New(Config{
		Index: 1,
		URL:   link,
		Entry: ranges.PartEntry{Range: r, Path: path},
	}, transport.NewClient(transport.Config{}), rec)
	return d, path
}

func TestFreshDownload(t *testing.T) {
	data := testData(1000)
	server := newRangeServer(t, data)
	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 250, End: 499}, rec)

	d.Start()
	e := rec.next(t)
	assert.Equal(t, event{kind: "done", bytes: 250}, e)
	assert.Equal(t, int64(250), rec.lastData())
	assert.Equal(t, "bytes=250-499", server.lastRange())
	assert.Equal(t, StateDone, d.State())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data[250:500], got)
}

func TestResumeFromPartialSegment(t *testing.T) {
	data := testData(1000)
	server := newRangeServer(t, data)
	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 250, End: 499}, rec)
	require.NoError(t, os.WriteFile(path, data[250:350], 0644))

	plan, err := d.Resolve()
	require.NoError(t, err)
	assert.Equal(t, Plan{Action: ActionFetch, Range: ranges.ByteRange{Start: 350, End: 499}, Existing: 100}, plan)

	d.Start()
	assert.Equal(t, event{kind: "done", bytes: 250}, rec.next(t))
	assert.Equal(t, "bytes=350-499", server.lastRange())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data[250:500], got)
}

func TestResolveIsIdempotent(t *testing.T) {
	rec := newRecorder()
	d, path := newPart(t, "http://unused.invalid", ranges.ByteRange{Start: 0, End: 99}, rec)
	require.NoError(t, os.WriteFile(path, make([]byte, 40), 0644))

	first, err := d.Resolve()
	require.NoError(t, err)
	second, err := d.Resolve()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, ranges.ByteRange{Start: 40, End: 99}, first.Range)
}

func TestCompleteSegmentSkipsNetwork(t *testing.T) {
	data := testData(1000)
	server := newRangeServer(t, data)
	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 250, End: 499}, rec)
	require.NoError(t, os.WriteFile(path, data[250:500], 0644))

	d.Start()
	assert.Equal(t, event{kind: "done", bytes: 250}, rec.next(t))
	assert.Zero(t, server.requests.Load())
}

func TestEmptyRangeCreatesSegment(t *testing.T) {
	rec := newRecorder()
	d, path := newPart(t, "http://unused.invalid", ranges.ByteRange{Start: 0, End: -1}, rec)

	d.Start()
	assert.Equal(t, event{kind: "done", bytes: 0}, rec.next(t))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestOversizedSegmentIsTruncated(t *testing.T) {
	data := testData(1000)
	server := newRangeServer(t, data)
	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 250, End: 499}, rec)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, 400), 0644))

	plan, err := d.Resolve()
	require.NoError(t, err)
	assert.Equal(t, ActionRestart, plan.Action)
	assert.Equal(t, ranges.ByteRange{Start: 250, End: 499}, plan.Range)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xff}, 400), 0644))
	d.Start()
	assert.Equal(t, event{kind: "done", bytes: 250}, rec.next(t))
	assert.Equal(t, "bytes=250-499", server.lastRange())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data[250:500], got)
}

func TestStatusHandling(t *testing.T) {
	testCases := map[string]struct {
		status int
		want   event
		state  State
	}{
		"throttled":        {http.StatusServiceUnavailable, event{kind: "retry"}, StateRetryPending},
		"too many":         {http.StatusTooManyRequests, event{kind: "retry"}, StateRetryPending},
		"network auth":     {http.StatusNetworkAuthenticationRequired, event{kind: "error", err: utils.KindAuth}, StateError},
		"unauthorized":     {http.StatusUnauthorized, event{kind: "error", err: utils.KindAuth}, StateError},
		"not found":        {http.StatusNotFound, event{kind: "error", err: utils.KindStatus}, StateError},
		"ignored range ok": {http.StatusOK, event{kind: "error", err: utils.KindRange}, StateError},
	}

	for scenario, tc := range testCases {
		t.Run(scenario, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte("payload"))
			}))
			defer server.Close()

			rec := newRecorder()
			d, path := newPart(t, server.URL, ranges.ByteRange{Start: 10, End: 19}, rec)
			d.Start()
			assert.Equal(t, tc.want, rec.next(t))
			assert.Equal(t, tc.state, d.State())

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Zero(t, info.Size())
		})
	}
}

func TestTransportErrorIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	link := server.URL
	server.Close()

	rec := newRecorder()
	d, _ := newPart(t, link, ranges.ByteRange{Start: 0, End: 9}, rec)
	d.Start()
	e := rec.next(t)
	assert.Equal(t, "error", e.kind)
	assert.Equal(t, utils.KindConnRefused, e.err)
}

func TestShortReadStalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 30))
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 0, End: 99}, rec)
	d.Start()
	rec.assertQuiet(t)
	d.Stop()
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, int64(30), rec.lastData())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(30), info.Size())
}

func TestStopIsSilentAndResumeContinues(t *testing.T) {
	data := testData(64 * 1024)
	release := make(chan struct{})
	var blocking atomic.Bool
	blocking.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if blocking.Load() {
			w.Header().Set("Content-Range", "bytes 0-65535/65536")
			w.Header().Set("Content-Length", "65536")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data[:1000])
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer server.Close()
	defer close(release)

	rec := newRecorder()
	d, path := newPart(t, server.URL, ranges.ByteRange{Start: 0, End: int64(len(data)) - 1}, rec)
	d.Start()
	require.Eventually(t, func() bool { return rec.lastData() == 1000 }, 5*time.Second, 10*time.Millisecond)

	d.Stop()
	rec.assertQuiet(t)
	assert.Equal(t, StateIdle, d.State())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.Size())

	blocking.Store(false)
	d.Resume()
	assert.Equal(t, event{kind: "done", bytes: int64(len(data))}, rec.next(t))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRemoveDeletesSegment(t *testing.T) {
	rec := newRecorder()
	d, path := newPart(t, "http://unused.invalid", ranges.ByteRange{Start: 0, End: 9}, rec)
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	d.Remove()
	assert.Equal(t, event{kind: "removed"}, rec.next(t))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestUnboundedDownload(t *testing.T) {
	data := testData(5000)
	var sawRange atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		w.Write(data)
	}))
	defer server.Close()

	rec := newRecorder()
	path := filepath.Join(t.TempDir(), "stream.bin.0")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))
	d := New(Config{
		URL:   server.URL,
		Entry: ranges.PartEntry{Range: ranges.ByteRange{Start: 0, End: -1}, Path: path, Unbounded: true},
	}, transport.NewClient(transport.Config{}), rec)

	d.Start()
	assert.Equal(t, event{kind: "done", bytes: 5000}, rec.next(t))
	assert.False(t, sawRange.Load())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
