package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanq16/partdl/internal/session"
	"github.com/tanq16/partdl/internal/store"
	"github.com/tanq16/partdl/internal/utils"
)

var ErrUnknownKey = errors.New("unknown session key")

// Store is the persistence the manager needs.
type Store interface {
	Put(snap session.Snapshot) error
	Get(key string) (*store.Record, error)
	List() ([]store.Record, error)
	Delete(key string) error
}

// Manager owns the live sessions of a process and mirrors their snapshots
// into a store so they survive restarts.
type Manager struct {
	ctx   context.Context
	store Store
	base  session.Config
	log   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string
}

// New returns a manager whose sessions use base for their collaborators.
// base.Listener, if set, sees every event after it has been persisted.
func New(ctx context.Context, st Store, base session.Config) *Manager {
	return &Manager{
		ctx:      ctx,
		store:    st,
		base:     base,
		log:      utils.GetLogger("queue"),
		sessions: make(map[string]*session.Session),
	}
}

// Add creates a WAITING session and returns its key.
func (m *Manager) Add(opts session.Options) (string, error) {
	key := uuid.NewString()
	if _, err := m.create(key, opts); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Manager) create(key string, opts session.Options) (*session.Session, error) {
	cfg := m.base
	cfg.Key = key
	cfg.Listener = m.listener(key)
	s, err := session.New(m.ctx, opts, cfg)
	if err != nil {
		return nil, err
	}
	m.persist(s.Snapshot())

	m.mu.Lock()
	m.sessions[key] = s
	m.order = append(m.order, key)
	m.mu.Unlock()
	m.log.Debug().Str("session", key).Str("url", opts.URL).Msg("Session added")

	go m.watch(key, s)
	return s, nil
}

func (m *Manager) listener(key string) func(session.Event) {
	return func(e session.Event) {
		m.persist(e.Snapshot)
		if e.Kind == session.EventError {
			m.log.Warn().Str("session", key).Str("kind", e.ErrorKind).Msg("Session failed")
		}
		if m.base.Listener != nil {
			m.base.Listener(e)
		}
	}
}

// watch drops finished sessions from the registry. Failed sessions stay so
// they can still be removed.
func (m *Manager) watch(key string, s *session.Session) {
	<-s.Done()
	if s.Snapshot().Status != session.StatusDone {
		return
	}
	m.forget(key)
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) persist(snap session.Snapshot) {
	if err := m.store.Put(snap); err != nil {
		m.log.Warn().Err(err).Str("session", snap.Key).Msg("Could not persist session")
	}
}

func (m *Manager) get(key string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s, nil
}

func (m *Manager) Start(key string) error {
	s, err := m.get(key)
	if err != nil {
		return err
	}
	return s.Start()
}

func (m *Manager) Pause(key string) error {
	s, err := m.get(key)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Remove deletes a session with its segment files and stored record. Keys
// that are only in the store are cleaned from disk by their destination.
func (m *Manager) Remove(ctx context.Context, key string) error {
	s, err := m.get(key)
	if err != nil {
		return m.removeStored(key)
	}
	if err := s.Remove(); err != nil {
		if !errors.Is(err, session.ErrClosed) {
			return err
		}
		m.forget(key)
		return m.removeStored(key)
	}
	select {
	case <-s.Closed():
	case <-ctx.Done():
		return ctx.Err()
	}
	m.forget(key)
	return m.deleteRecord(key)
}

func (m *Manager) removeStored(key string) error {
	record, err := m.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err != nil {
		return err
	}
	if record.Status != session.StatusDone {
		if _, err := utils.Clean(record.Options.Destination()); err != nil {
			m.log.Warn().Err(err).Str("session", key).Msg("Could not clean session files")
		}
	}
	return m.deleteRecord(key)
}

func (m *Manager) deleteRecord(key string) error {
	if err := m.store.Delete(key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Snapshots returns the live sessions in the order they were added.
func (m *Manager) Snapshots() []session.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := make([]session.Snapshot, 0, len(m.order))
	for _, key := range m.order {
		snaps = append(snaps, m.sessions[key].Snapshot())
	}
	return snaps
}

// Wait blocks until the session finishes. A session that completed and was
// already dropped from the registry reports success from its stored record.
func (m *Manager) Wait(ctx context.Context, key string) error {
	s, err := m.get(key)
	if err != nil {
		if record, serr := m.store.Get(key); serr == nil && record.Status == session.StatusDone {
			return nil
		}
		return err
	}
	return s.Wait(ctx)
}

// Restore recreates every stored session that had not finished. The
// sessions come back WAITING and pick up from their segment files on Start.
func (m *Manager) Restore() ([]string, error) {
	records, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var restored []string
	var errs []error
	for _, record := range records {
		if !record.Status.Resumable() {
			continue
		}
		if _, err := m.get(record.Key); err == nil {
			continue
		}
		if _, err := m.create(record.Key, record.Options); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", record.Key, err))
			record.Snapshot.Status = session.StatusError
			var sessErr *session.Error
			if errors.As(err, &sessErr) {
				record.Snapshot.ErrorKind = sessErr.Kind
			}
			m.persist(record.Snapshot)
			continue
		}
		restored = append(restored, record.Key)
	}
	m.log.Debug().Int("restored", len(restored)).Msg("Sessions restored")
	return restored, errors.Join(errs...)
}

// Close stops every live session and stores its last snapshot.
func (m *Manager) Close() {
	m.mu.RLock()
	live := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()
	for _, s := range live {
		s.Close()
		if snap := s.Snapshot(); !snap.Status.Terminal() {
			m.persist(snap)
		}
	}
}
