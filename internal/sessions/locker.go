package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a lock times out.
var ErrLockTimeout = errors.New("session: lock acquisition timeout")

// DefaultLockTimeout is the default timeout for lock acquisition.
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 10 * time.Millisecond

type sessionMutex struct {
	mu     sync.Mutex
	locked bool
}

// SessionLocker provides per-session write locks backed by a sync.Map.
// Only one goroutine may hold the lock for a given session id at a time.
// The kernel is single-process, so this in-memory implementation is the
// only Locker; there is no distributed/DB-backed variant.
type SessionLocker struct {
	locks   sync.Map // map[string]*sessionMutex
	timeout time.Duration
}

// NewSessionLocker creates a SessionLocker with the given default timeout.
// A non-positive timeout falls back to DefaultLockTimeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{timeout: timeout}
}

func (s *SessionLocker) getOrCreateMutex(id string) *sessionMutex {
	if m, ok := s.locks.Load(id); ok {
		return m.(*sessionMutex)
	}
	actual, _ := s.locks.LoadOrStore(id, &sessionMutex{})
	return actual.(*sessionMutex)
}

// LockWithContext acquires the lock for id, respecting context cancellation and the
// locker's configured timeout, whichever elapses first.
func (s *SessionLocker) LockWithContext(ctx context.Context, id string) error {
	m := s.getOrCreateMutex(id)
	deadline := time.Now().Add(s.timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if !m.locked {
			m.locked = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases the lock for id. Safe to call even if not held.
func (s *SessionLocker) Unlock(id string) {
	if m, ok := s.locks.Load(id); ok {
		mu := m.(*sessionMutex)
		mu.mu.Lock()
		mu.locked = false
		mu.mu.Unlock()
	}
}

// Locker is a process-safe lock interface keyed by session id.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

// LocalLocker adapts SessionLocker to the Locker interface.
type LocalLocker struct {
	inner *SessionLocker
}

// NewLocalLocker creates a LocalLocker using the given default timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{inner: NewSessionLocker(timeout)}
}

// Lock acquires a local lock using the provided context.
func (l *LocalLocker) Lock(ctx context.Context, sessionID string) error {
	if l == nil || l.inner == nil {
		return errors.New("session locker unavailable")
	}
	return l.inner.LockWithContext(ctx, sessionID)
}

// Unlock releases the local lock.
func (l *LocalLocker) Unlock(sessionID string) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Unlock(sessionID)
}
