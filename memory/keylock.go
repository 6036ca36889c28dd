package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyLock serializes mutating operations per (userId, agentId) key.
// Operations on different keys proceed fully in parallel; acquisition is
// bounded so a stuck holder surfaces as ErrBusy instead of an unbounded wait.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	ch   chan struct{} // capacity 1, holding a token means locked
	refs int
}

// NewKeyLock returns an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyLockEntry)}
}

// Acquire takes the lock for key, waiting at most wait. It returns a release
// function on success, ErrBusy when the wait expires, or the context error
// when ctx is cancelled first.
func (l *KeyLock) Acquire(ctx context.Context, key Key, wait time.Duration) (func(), error) {
	k := key.String()

	l.mu.Lock()
	e := l.locks[k]
	if e == nil {
		e = &keyLockEntry{ch: make(chan struct{}, 1)}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	release := func() {
		<-e.ch
		l.unref(k, e)
	}

	// Fast path: an uncontended key must succeed even with a zero wait.
	select {
	case e.ch <- struct{}{}:
		return release, nil
	default:
	}
	if wait <= 0 {
		l.unref(k, e)
		return nil, fmt.Errorf("acquire lock for user %q agent %q: %w", key.UserID, key.AgentID, ErrBusy)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		l.unref(k, e)
		return nil, fmt.Errorf("acquire lock for user %q agent %q: %w", key.UserID, key.AgentID, ErrBusy)
	case <-ctx.Done():
		l.unref(k, e)
		return nil, ctx.Err()
	}
}

func (l *KeyLock) unref(k string, e *keyLockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, k)
	}
	l.mu.Unlock()
}
