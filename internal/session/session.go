package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/merge"
	"github.com/tanq16/partdl/internal/part"
	"github.com/tanq16/partdl/internal/probe"
	"github.com/tanq16/partdl/internal/ranges"
	"github.com/tanq16/partdl/internal/speed"
	"github.com/tanq16/partdl/internal/throttle"
	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

// Part is what a session drives for each byte range.
type Part interface {
	Start()
	Resume()
	Stop()
	Remove()
}

type PartFactory func(cfg part.Config, client transport.Doer, listener part.Listener) Part

type Prober interface {
	Probe(ctx context.Context, link string, headers map[string]string) probe.Metadata
}

// Config carries the collaborators of a session. Zero fields get defaults.
type Config struct {
	Key      string
	Client   transport.Doer
	Prober   Prober
	NewPart  PartFactory
	Listener func(Event) // called on the control loop, must not call Start, Pause or Remove
}

func newDownloader(cfg part.Config, client transport.Doer, listener part.Listener) Part {
	return part.New(cfg, client, listener)
}

// Session orchestrates the parts of one download. All fields below the
// mailbox are owned by the control loop goroutine.
type Session struct {
	key      string
	dest     string
	metaPath string
	client   transport.Doer
	prober   Prober
	newPart  PartFactory
	listener func(Event)
	log      zerolog.Logger

	mu      sync.Mutex
	mailbox []func()
	closed  bool
	wake    chan struct{}
	exited  chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot
	err    error
	done   chan struct{}

	opts             Options
	status           Status
	info             Info
	parts            []Part
	doneSet          map[int]struct{}
	errorSet         map[int]struct{}
	removedSet       map[int]struct{}
	retryQueue       []int
	errorKind        string
	removing         bool
	removeAfterBuild bool
	finished         bool
	stopped          bool
	estimator        *speed.Estimator
	limiter          *throttle.Limiter
	flushTimer       *time.Timer
	flushGen         int
}

// New validates opts, probes the resource (or reuses the metadata file left
// by an earlier run) and returns a WAITING session. ctx bounds the probe and
// the lifetime of the session.
func New(ctx context.Context, opts Options, cfg Config) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, optionsError(err)
	}
	if cfg.Client == nil {
		cfg.Client = transport.NewClient(transport.Config{})
	}
	if cfg.Prober == nil {
		cfg.Prober = probe.New(cfg.Client)
	}
	if cfg.NewPart == nil {
		cfg.NewPart = newDownloader
	}
	dest := opts.Destination()
	s := &Session{
		key:        cfg.Key,
		dest:       dest,
		metaPath:   metadataPath(dest),
		client:     cfg.Client,
		prober:     cfg.Prober,
		newPart:    cfg.NewPart,
		listener:   cfg.Listener,
		log:        utils.GetLogger("session").With().Str("session", cfg.Key).Str("dest", dest).Logger(),
		wake:       make(chan struct{}, 1),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
		status:     StatusWaiting,
		doneSet:    make(map[int]struct{}),
		errorSet:   make(map[int]struct{}),
		removedSet: make(map[int]struct{}),
		estimator:  speed.NewEstimator(),
	}

	meta, err := s.resolveMetadata(ctx, opts)
	if err != nil {
		return nil, err
	}
	entries, err := buildEntries(dest, meta)
	if err != nil {
		return nil, optionsError(err)
	}
	s.opts = meta.Options
	s.limiter = throttle.New(time.Duration(s.opts.ThrottleMs) * time.Millisecond)
	s.info = Info{
		TotalSize:    meta.ContentLength,
		Threads:      len(entries),
		PerPartBytes: make([]int64, len(entries)),
		Parts:        entries,
	}
	s.log.Debug().Int("threads", len(entries)).Int64("size", meta.ContentLength).Bool("ranges", meta.SupportsRanges).Msg("Session created")
	s.publish()
	go s.run(ctx)
	return s, nil
}

func (s *Session) resolveMetadata(ctx context.Context, opts Options) (metadataFile, error) {
	stored, err := loadMetadata(s.metaPath)
	if err != nil {
		s.log.Warn().Err(err).Msg("Ignoring unreadable metadata file")
	} else if stored != nil && stored.Options.URL == opts.URL {
		s.log.Debug().Str("path", s.metaPath).Msg("Reusing stored metadata")
		stored.Options.Dir = opts.Dir
		stored.Options.Filename = opts.Filename
		return *stored, nil
	}

	md := s.prober.Probe(ctx, opts.URL, opts.Headers)
	if (!md.SupportsRanges || !md.LengthKnown()) && opts.Threads > 1 {
		s.log.Info().Int("requested", opts.Threads).Msg("Server does not support ranged downloads, using one connection")
		opts.Threads = 1
	}
	meta := metadataFile{Options: opts, ContentLength: md.ContentLength, SupportsRanges: md.SupportsRanges}
	if err := saveMetadata(s.metaPath, meta); err != nil {
		return metadataFile{}, &Error{Kind: utils.KindFile, Err: fmt.Errorf("error writing metadata file: %w", err)}
	}
	return meta, nil
}

func buildEntries(dest string, meta metadataFile) ([]ranges.PartEntry, error) {
	if !meta.SupportsRanges || meta.ContentLength < 0 {
		end := int64(-1)
		if meta.ContentLength > 0 {
			end = meta.ContentLength - 1
		}
		return []ranges.PartEntry{{
			Range:     ranges.ByteRange{Start: 0, End: end},
			Path:      ranges.SegmentPath(dest, 0),
			Unbounded: true,
		}}, nil
	}
	parts, err := ranges.Partition(meta.ContentLength, meta.Options.Threads)
	if err != nil {
		return nil, err
	}
	return ranges.Entries(dest, parts), nil
}

func (s *Session) Key() string {
	return s.key
}

func (s *Session) Start() error {
	return s.call(s.start)
}

// Pause aborts every part. Segment files stay on disk.
func (s *Session) Pause() error {
	return s.call(s.pause)
}

// Remove stops every part and deletes its segment. The session reaches
// REMOVED once every part has confirmed.
func (s *Session) Remove() error {
	return s.call(s.remove)
}

// Close stops the parts and the control loop without changing the status.
func (s *Session) Close() {
	s.post(s.shutdown)
	<-s.exited
}

// Closed is closed once the control loop has stopped, after DONE, REMOVED
// or Close.
func (s *Session) Closed() <-chan struct{} {
	return s.exited
}

func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.Info = snap.Info.clone()
	return snap
}

// Done is closed once the session reaches DONE, ERROR or REMOVED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is nil after DONE, an *Error after ERROR and ErrRemoved after REMOVED.
func (s *Session) Err() error {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.err
}

func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mailbox = append(s.mailbox, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) call(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.exited:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.exited)
	for !s.stopped {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.wake:
			s.drain()
		}
	}
}

func (s *Session) drain() {
	for !s.stopped {
		s.mu.Lock()
		batch := s.mailbox
		s.mailbox = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			if s.stopped {
				return
			}
			fn()
		}
	}
}

func (s *Session) shutdown() {
	for _, p := range s.parts {
		p.Stop()
	}
	s.publish()
	s.exit()
}

func (s *Session) exit() {
	s.stopped = true
	s.cancelFlush()
	s.mu.Lock()
	s.closed = true
	s.mailbox = nil
	s.mu.Unlock()
	s.log.Debug().Str("status", string(s.status)).Msg("Control loop stopped")
}

func (s *Session) start() error {
	switch {
	case s.status == StatusActive:
		return nil
	case s.removing, s.status != StatusWaiting && s.status != StatusPaused:
		return fmt.Errorf("%w: cannot start a %s session", ErrInvalidState, s.status)
	}
	s.status = StatusActive
	s.limiter.Reset()
	s.estimator.Reset()
	s.log.Info().Msg("Session active")
	s.emit(EventStart)

	if s.parts == nil {
		s.parts = make([]Part, len(s.info.Parts))
		for i, entry := range s.info.Parts {
			cfg := part.Config{Index: i, URL: s.opts.URL, Headers: s.opts.Headers, Entry: entry}
			s.parts[i] = s.newPart(cfg, s.client, &partHandler{index: i, session: s})
		}
		for _, p := range s.parts {
			p.Start()
		}
		return nil
	}
	s.retryQueue = s.retryQueue[:0]
	clear(s.errorSet)
	for _, p := range s.parts {
		p.Resume()
	}
	return nil
}

func (s *Session) pause() error {
	switch s.status {
	case StatusPaused:
		return nil
	case StatusActive:
	default:
		return fmt.Errorf("%w: cannot pause a %s session", ErrInvalidState, s.status)
	}
	s.status = StatusPaused
	s.cancelFlush()
	for _, p := range s.parts {
		p.Stop()
	}
	s.info.Speed = 0
	s.log.Info().Int64("downloaded", s.info.Downloaded).Msg("Session paused")
	s.emit(EventData)
	return nil
}

func (s *Session) remove() error {
	switch {
	case s.status == StatusRemoved, s.removing:
		return nil
	case s.status == StatusBuilding:
		s.removeAfterBuild = true
		return nil
	}
	s.cancelFlush()
	if s.parts == nil {
		if err := merge.DeleteFiles(append(s.segmentPaths(), s.metaPath)...); err != nil {
			s.log.Warn().Err(err).Msg("Could not delete all session files")
		}
		s.finishRemoved()
		return nil
	}
	s.removing = true
	for _, p := range s.parts {
		p.Remove()
	}
	return nil
}

func (s *Session) onPartData(index int, bytes int64) {
	s.info.PerPartBytes[index] = bytes
	s.recompute()
	s.scheduleFlush()
}

func (s *Session) onPartDone(index int, bytes int64) {
	s.info.PerPartBytes[index] = bytes
	s.recompute()
	if _, seen := s.doneSet[index]; !seen {
		s.doneSet[index] = struct{}{}
		s.log.Debug().Int("part", index).Int("done", len(s.doneSet)).Msg("Part done")
	}
	if s.status != StatusActive || s.removing {
		return
	}
	if len(s.retryQueue) > 0 {
		next := s.retryQueue[0]
		s.retryQueue = s.retryQueue[1:]
		s.log.Debug().Int("part", next).Msg("Restarting throttled part")
		s.parts[next].Start()
	}
	if len(s.doneSet) == len(s.parts) {
		s.build()
		return
	}
	s.scheduleFlush()
}

func (s *Session) onPartRetry(index int) {
	if s.status != StatusActive || s.removing || slices.Contains(s.retryQueue, index) {
		return
	}
	s.retryQueue = append(s.retryQueue, index)
	s.log.Warn().Int("part", index).Int("queued", len(s.retryQueue)).Msg("Part throttled, queued for retry")
	if len(s.retryQueue) >= len(s.parts) {
		s.fail(utils.KindFetch, ErrAllRetrying)
	}
}

func (s *Session) onPartError(index int, kind string) {
	if s.status != StatusActive || s.removing {
		return
	}
	s.errorSet[index] = struct{}{}
	s.log.Warn().Int("part", index).Str("kind", kind).Int("failed", len(s.errorSet)).Msg("Part failed")
	if len(s.errorSet) >= len(s.parts) {
		s.fail(kind, fmt.Errorf("all %d parts failed", len(s.parts)))
	}
}

func (s *Session) onPartRemoved(index int) {
	s.removedSet[index] = struct{}{}
	if !s.removing || len(s.removedSet) < len(s.parts) {
		return
	}
	if err := merge.DeleteFiles(s.metaPath); err != nil {
		s.log.Warn().Err(err).Msg("Could not delete metadata file")
	}
	s.finishRemoved()
}

func (s *Session) build() {
	s.status = StatusBuilding
	s.cancelFlush()
	s.info.Speed = 0
	s.log.Info().Msg("All parts done, merging")
	s.emit(EventData)

	paths := s.segmentPaths()
	dest := s.dest
	go func() {
		err := merge.Merge(paths, dest)
		s.post(func() { s.onMerged(paths, err) })
	}()
}

func (s *Session) onMerged(paths []string, err error) {
	if err != nil {
		s.fail(utils.KindMerge, err)
	} else {
		if err := merge.DeleteFiles(append(paths, s.metaPath)...); err != nil {
			s.log.Warn().Err(err).Msg("Merged, but could not delete all session files")
		}
		s.status = StatusDone
		s.info.Progress = 100
		s.log.Info().Int64("bytes", s.info.Downloaded).Msg("Download complete")
		s.emit(EventDone)
		s.finish(nil)
	}
	if s.removeAfterBuild {
		s.removeAfterBuild = false
		s.remove()
		return
	}
	if s.status == StatusDone {
		s.exit()
	}
}

// fail moves the session to ERROR and emits its only error event.
func (s *Session) fail(kind string, err error) {
	if s.status == StatusError {
		return
	}
	s.status = StatusError
	s.errorKind = kind
	s.info.Speed = 0
	s.cancelFlush()
	s.log.Error().Str("kind", kind).Err(err).Msg("Session failed")
	s.emit(EventError)
	s.finish(&Error{Kind: kind, Err: err})
}

func (s *Session) finishRemoved() {
	s.status = StatusRemoved
	s.removing = false
	s.log.Info().Msg("Session removed")
	s.publish()
	s.finish(ErrRemoved)
	s.exit()
}

func (s *Session) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.snapMu.Lock()
	s.err = err
	s.snapMu.Unlock()
	close(s.done)
}

func (s *Session) recompute() {
	var total int64
	for _, b := range s.info.PerPartBytes {
		total += b
	}
	s.info.Downloaded = total
	if s.info.TotalSize > 0 {
		s.info.Progress = float64(total) / float64(s.info.TotalSize) * 100
	}
}

// scheduleFlush emits progress at most once per throttle interval. Calls
// inside an interval arm one trailing flush at the boundary.
func (s *Session) scheduleFlush() {
	if s.status.Terminal() || s.status == StatusBuilding || s.removing || s.flushTimer != nil {
		return
	}
	ok, wait := s.limiter.Allow()
	if ok {
		s.flush()
		return
	}
	gen := s.flushGen
	s.flushTimer = time.AfterFunc(wait, func() {
		s.post(func() {
			if gen != s.flushGen {
				return
			}
			s.flushTimer = nil
			s.limiter.Allow()
			s.flush()
		})
	})
}

func (s *Session) cancelFlush() {
	s.flushGen++
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Session) flush() {
	s.info.Speed = s.estimator.Update(s.info.Downloaded)
	s.emit(EventData)
}

func (s *Session) emit(kind EventKind) {
	snap := s.publish()
	if s.listener == nil {
		return
	}
	event := Event{Kind: kind, Snapshot: snap}
	if kind == EventError {
		event.ErrorKind = s.errorKind
	}
	s.listener(event)
}

func (s *Session) publish() Snapshot {
	snap := Snapshot{
		Key:       s.key,
		Status:    s.status,
		Options:   s.opts,
		Info:      s.info.clone(),
		ErrorKind: s.errorKind,
	}
	snap.Options.Headers = maps.Clone(s.opts.Headers)
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
	snap.Info = snap.Info.clone()
	return snap
}

func (s *Session) segmentPaths() []string {
	paths := make([]string, len(s.info.Parts))
	for i, entry := range s.info.Parts {
		paths[i] = entry.Path
	}
	return paths
}

// partHandler forwards the events of one part onto the control loop.
type partHandler struct {
	index   int
	session *Session
}

func (h *partHandler) OnData(bytes int64) {
	h.session.post(func() { h.session.onPartData(h.index, bytes) })
}

func (h *partHandler) OnDone(bytes int64) {
	h.session.post(func() { h.session.onPartDone(h.index, bytes) })
}

func (h *partHandler) OnRetry() {
	h.session.post(func() { h.session.onPartRetry(h.index) })
}

func (h *partHandler) OnError(kind string) {
	h.session.post(func() { h.session.onPartError(h.index, kind) })
}

func (h *partHandler) OnRemoved() {
	h.session.post(func() { h.session.onPartRemoved(h.index) })
}
