package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotBootstrapped is returned when no credential record has ever been
// written: the manager is not running or has not completed its first fetch.
var ErrNotBootstrapped = errors.New("tokens not initialised in the token store")

// Source is the per-process read-through cache in front of the store. The
// memoized record is served while its remaining lifetime exceeds the refresh
// threshold, so the staleness of a served token relative to the shared store
// is bounded by one threshold window.
type Source struct {
	store     *Store
	threshold time.Duration

	mu  sync.Mutex
	rec *Record
	now func() time.Time
}

func NewSource(store *Store, threshold time.Duration) *Source {
	return &Source{
		store:     store,
		threshold: threshold,
		now:       time.Now,
	}
}

// GetAccessToken returns a currently valid access token, re-reading the
// shared store when the memoized record enters the refresh window. The store
// record is served even when it is itself inside the window: it is the best
// credential available, and the manager is refreshing it.
func (s *Source) GetAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil && s.rec.FreshEnough(s.threshold, s.now()) {
		return s.rec.AccessToken, nil
	}

	rec, found, err := s.store.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotBootstrapped
	}

	s.rec = &rec
	return rec.AccessToken, nil
}

// EnsureReady blocks until the store has been bootstrapped, then primes the
// memo with a forced read. Returns ErrWaitTimeout past the deadline;
// storage failures are surfaced to the caller.
func (s *Source) EnsureReady(ctx context.Context, timeout, pollInterval time.Duration) error {
	rec, err := s.store.WaitForTokens(ctx, timeout, pollInterval)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	return nil
}

// Invalidate drops the memoized record, forcing the next read through to the
// store. Used by tests.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
}
