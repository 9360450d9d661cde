package part

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/ranges"
	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateDone
	StateRetryPending
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateRetryPending:
		return "retry-pending"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Listener receives the event stream of one part. Calls for a part arrive in
// order and must not block.
type Listener interface {
	OnData(bytes int64)
	OnDone(bytes int64)
	OnRetry()
	OnError(kind string)
	OnRemoved()
}

type Config struct {
	Index   int
	URL     string
	Headers map[string]string
	Entry   ranges.PartEntry
}

type Action int

const (
	ActionFetch   Action = iota // request the effective range
	ActionSkip                  // segment already satisfies the range
	ActionRestart               // oversized segment was truncated, fetching the full range
)

// Plan is the outcome of comparing the on-disk segment with the assigned range.
type Plan struct {
	Action   Action
	Range    ranges.ByteRange
	Existing int64
}

// Downloader fetches one byte range into one segment file.
type Downloader struct {
	cfg      Config
	client   transport.Doer
	listener Listener
	log      zerolog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	finished chan struct{}
}

func New(cfg Config, client transport.Doer, listener Listener) *Downloader {
	return &Downloader{
		cfg:      cfg,
		client:   client,
		listener: listener,
		log:      utils.GetLogger("part").With().Int("part", cfg.Index).Logger(),
	}
}

func (d *Downloader) Index() int {
	return d.cfg.Index
}

func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resolve computes where the next fetch starts from the segment file on disk.
// An oversized segment is truncated to empty.
func (d *Downloader) Resolve() (Plan, error) {
	entry := d.cfg.Entry
	existing := int64(0)
	info, err := os.Stat(entry.Path)
	if err == nil {
		existing = info.Size()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Plan{}, err
	}

	if entry.Unbounded {
		if existing > 0 {
			d.log.Debug().Int64("size", existing).Msg("Unbounded part cannot resume, truncating segment")
			if err := os.Truncate(entry.Path, 0); err != nil {
				return Plan{}, err
			}
			return Plan{Action: ActionRestart, Range: entry.Range}, nil
		}
		return Plan{Action: ActionFetch, Range: entry.Range}, nil
	}

	effective := ranges.ByteRange{Start: entry.Range.Start + existing, End: entry.Range.End}
	switch size := effective.Size(); {
	case size < 0:
		d.log.Warn().Str("file", entry.Path).Int64("size", existing).Int64("expected", entry.Range.Size()).Msg("Segment larger than its range, truncating and restarting")
		if err := os.Truncate(entry.Path, 0); err != nil {
			return Plan{}, err
		}
		return Plan{Action: ActionRestart, Range: entry.Range}, nil
	case size == 0:
		return Plan{Action: ActionSkip, Range: effective, Existing: existing}, nil
	default:
		return Plan{Action: ActionFetch, Range: effective, Existing: existing}, nil
	}
}

// Start resolves the effective range and begins fetching it. It is a no-op
// while a fetch is already in flight.
func (d *Downloader) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight() {
		return
	}
	plan, err := d.Resolve()
	if err != nil {
		d.log.Error().Err(err).Msg("Cannot inspect segment file")
		d.state = StateError
		d.listener.OnError(utils.KindFile)
		return
	}
	if plan.Action == ActionSkip {
		if plan.Existing == 0 {
			if err := touch(d.cfg.Entry.Path); err != nil {
				d.state = StateError
				d.listener.OnError(utils.KindFile)
				return
			}
		}
		d.log.Debug().Int64("size", plan.Existing).Msg("Segment already complete, skipping")
		d.state = StateDone
		d.listener.OnDone(plan.Existing)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.finished = make(chan struct{})
	d.state = StateRequesting
	go d.run(ctx, plan, d.finished)
}

// Resume restarts the part from whatever the segment file holds.
func (d *Downloader) Resume() {
	d.Start()
}

// Stop aborts the in-flight request and returns once the segment file is closed.
func (d *Downloader) Stop() {
	d.mu.Lock()
	cancel, finished := d.cancel, d.finished
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if finished != nil {
		<-finished
	}
}

// Remove stops the part, deletes its segment and reports removal.
func (d *Downloader) Remove() {
	d.Stop()
	if err := os.Remove(d.cfg.Entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Error().Err(err).Str("file", d.cfg.Entry.Path).Msg("Failed to delete segment")
	}
	d.setState(StateIdle)
	d.listener.OnRemoved()
}

func (d *Downloader) inFlight() bool {
	if d.finished == nil {
		return false
	}
	select {
	case <-d.finished:
		return false
	default:
		return true
	}
}

func (d *Downloader) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// outcome is the terminal result of one fetch, reported after the segment
// file has been closed.
type outcome struct {
	state State
	kind  string
	bytes int64
	err   error
}

func (d *Downloader) fail(kind string, err error) {
	d.log.Error().Err(err).Str("kind", kind).Msg("Part failed")
	d.setState(StateError)
	d.listener.OnError(kind)
}

func (d *Downloader) run(ctx context.Context, plan Plan, finished chan struct{}) {
	defer close(finished)
	result := d.fetch(ctx, plan)
	switch result.state {
	case StateDone:
		d.log.Debug().Int64("total", result.bytes).Msg("Part completed")
		d.setState(StateDone)
		d.listener.OnDone(result.bytes)
	case StateRetryPending:
		d.setState(StateRetryPending)
		d.listener.OnRetry()
	case StateError:
		d.fail(result.kind, result.err)
	default:
		d.setState(StateIdle)
	}
}

func (d *Downloader) fetch(ctx context.Context, plan Plan) outcome {
	entry := d.cfg.Entry
	file, err := os.OpenFile(entry.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return outcome{state: StateError, kind: utils.KindFile, err: err}
	}
	defer file.Close()

	headers := make(map[string]string, len(d.cfg.Headers)+1)
	for k, v := range d.cfg.Headers {
		headers[k] = v
	}
	if !entry.Unbounded {
		headers["Range"] = plan.Range.Header()
	}
	req, err := transport.NewRequest(ctx, http.MethodGet, d.cfg.URL, headers)
	if err != nil {
		return outcome{state: StateError, kind: utils.KindNetwork, err: err}
	}
	d.log.Debug().Str("range", headers["Range"]).Int64("existing", plan.Existing).Msg("Sending range request")
	resp, err := d.client.Do(req)
	if err != nil {
		return abortOrFail(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusTooManyRequests:
		d.log.Warn().Int("status", resp.StatusCode).Msg("Server throttled part, waiting for a free slot")
		return outcome{state: StateRetryPending}
	case resp.StatusCode == http.StatusNetworkAuthenticationRequired, resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusProxyAuthRequired:
		return outcome{state: StateError, kind: utils.KindAuth, err: errors.New(resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return outcome{state: StateError, kind: utils.KindStatus, err: errors.New(resp.Status)}
	case resp.StatusCode == http.StatusOK && !entry.Unbounded && plan.Range.Start != 0:
		return outcome{state: StateError, kind: utils.KindRange, err: errors.New("server ignored range request")}
	}

	d.setState(StateStreaming)
	var body io.Reader = resp.Body
	if !entry.Unbounded {
		body = io.LimitReader(resp.Body, plan.Range.Size())
	}
	buffer := make([]byte, utils.DefaultBufferSize)
	var received int64
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, writeErr := file.Write(buffer[:n]); writeErr != nil {
				return outcome{state: StateError, kind: utils.KindFile, err: writeErr}
			}
			received += int64(n)
			d.listener.OnData(plan.Existing + received)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return abortOrFail(ctx, readErr)
		}
	}

	total := plan.Existing + received
	if entry.Unbounded || total == entry.Range.Size() {
		return outcome{state: StateDone, bytes: total}
	}
	d.log.Warn().Int64("received", total).Int64("expected", entry.Range.Size()).Msg("Stream ended before range was satisfied")
	return outcome{state: StateIdle}
}

// abortOrFail treats errors caused by Stop as a silent outcome.
func abortOrFail(ctx context.Context, err error) outcome {
	kind := utils.ErrorKind(err)
	if ctx.Err() != nil || kind == "" {
		return outcome{state: StateIdle}
	}
	return outcome{state: StateError, kind: kind, err: err}
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}
