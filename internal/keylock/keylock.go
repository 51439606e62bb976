// Package keylock provides bounded-wait exclusive locks keyed by an
// arbitrary string (a conversation id, an order id). Acquisition that cannot
// complete within the configured wait fails with ErrLockTimeout instead of
// blocking indefinitely; callers treat that as retryable contention.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the wait window.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Set manages one exclusive lock per key. Entries are reference counted and
// removed once the last holder or waiter is gone.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

type entry struct {
	sem  chan struct{}
	refs int
}

// New creates a lock set with the given default acquisition wait.
func New(wait time.Duration) *Set {
	return &Set{
		entries: make(map[string]*entry),
		wait:    wait,
	}
}

// Acquire takes the exclusive lock for key, waiting at most the set's
// configured window. On success it returns a release function that must be
// called exactly once. Returns ErrLockTimeout if the window elapses and the
// context's error if ctx is cancelled first.
func (s *Set) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			s.put(key, e)
		}, nil
	case <-timer.C:
		s.put(key, e)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		s.put(key, e)
		return nil, ctx.Err()
	}
}

func (s *Set) put(key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}
