package session

import (
	"context"
	"sync"
	"time"
)

// Store wraps a Backend and serializes read-modify-write per principal.
type Store struct {
	backend Backend
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for update stamps and Elapsed.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a store over the given backend.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		locks:   make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// =============================================================================
// Outage / degraded flags
// =============================================================================

// SetOutage records whether the principal's balance is exhausted.
func (s *Store) SetOutage(ctx context.Context, id string, outage bool) error {
	return s.update(ctx, id, func(st *Status) { st.Outage = outage })
}

// Outage reports the recorded outage flag; false if absent.
func (s *Store) Outage(ctx context.Context, id string) (bool, error) {
	st, _, err := s.Get(ctx, id)
	return st.Outage, err
}

// SetDegraded records that accounting is skipped for the principal.
func (s *Store) SetDegraded(ctx context.Context, id string, degraded bool) error {
	return s.update(ctx, id, func(st *Status) { st.Degraded = degraded })
}

// Degraded reports the recorded degraded flag; false if absent.
func (s *Store) Degraded(ctx context.Context, id string) (bool, error) {
	st, _, err := s.Get(ctx, id)
	return st.Degraded, err
}

// Clear records a successful pre-flight: outage and degraded are reset.
func (s *Store) Clear(ctx context.Context, id string) error {
	return s.update(ctx, id, func(st *Status) {
		st.Outage = false
		st.Degraded = false
	})
}

// =============================================================================
// Timing
// =============================================================================

// SetStartTime records when the exchange was admitted.
func (s *Store) SetStartTime(ctx context.Context, id string, t time.Time) error {
	return s.update(ctx, id, func(st *Status) { st.StartedAt = t })
}

// Elapsed returns time since the recorded start, or false if none was recorded.
func (s *Store) Elapsed(ctx context.Context, id string) (time.Duration, bool, error) {
	st, ok, err := s.Get(ctx, id)
	if err != nil || !ok || st.StartedAt.IsZero() {
		return 0, false, err
	}
	return s.now().Sub(st.StartedAt), true, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Get returns the full status for a principal.
func (s *Store) Get(ctx context.Context, id string) (Status, bool, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.backend.Load(ctx, id)
}

// Finish evicts the principal's entry once the outlet is done.
func (s *Store) Finish(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.backend.Delete(ctx, id)
}

func (s *Store) update(ctx context.Context, id string, fn func(*Status)) error {
	unlock := s.lock(id)
	defer unlock()

	st, _, err := s.backend.Load(ctx, id)
	if err != nil {
		return err
	}
	fn(&st)
	st.UpdatedAt = s.now()
	return s.backend.Save(ctx, id, st)
}

// lock acquires the per-principal mutex. The entry is dropped when the last
// holder releases it, so the lock map never outgrows in-flight principals.
func (s *Store) lock(id string) func() {
	s.mu.Lock()
	kl, ok := s.locks[id]
	if !ok {
		kl = &keyLock{}
		s.locks[id] = kl
	}
	kl.refs++
	s.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
