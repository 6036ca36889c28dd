package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyLock_AcquireRelease(t *testing.T) {
	locks := NewKeyLock()
	key := Key{UserID: "alice", AgentID: "helper"}

	release, err := locks.Acquire(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()

	// Reacquirable after release.
	release, err = locks.Acquire(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	release()
}

func TestKeyLock_ZeroWaitAcquiresFreeKey(t *testing.T) {
	locks := NewKeyLock()
	key := Key{UserID: "alice", AgentID: "helper"}

	// A free key must never report busy, regardless of the wait bound.
	release, err := locks.Acquire(context.Background(), key, 0)
	if err != nil {
		t.Fatalf("Acquire with zero wait: %v", err)
	}
	release()

	release, err = locks.Acquire(context.Background(), key, -time.Second)
	if err != nil {
		t.Fatalf("Acquire with negative wait: %v", err)
	}
	defer release()

	// A held key with zero wait fails immediately with ErrBusy.
	_, err = locks.Acquire(context.Background(), key, 0)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestKeyLock_BusyAfterWait(t *testing.T) {
	locks := NewKeyLock()
	key := Key{UserID: "alice", AgentID: "helper"}

	release, err := locks.Acquire(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	start := time.Now()
	_, err = locks.Acquire(context.Background(), key, 30*time.Millisecond)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the wait elapsed")
	}
}

func TestKeyLock_DistinctKeysIndependent(t *testing.T) {
	locks := NewKeyLock()

	releaseA, err := locks.Acquire(context.Background(), Key{UserID: "alice", AgentID: "helper"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire alice: %v", err)
	}
	defer releaseA()

	// A held lock on one key must not block another key.
	releaseB, err := locks.Acquire(context.Background(), Key{UserID: "bob", AgentID: "helper"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire bob: %v", err)
	}
	releaseB()

	releaseC, err := locks.Acquire(context.Background(), Key{UserID: "alice", AgentID: "other"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire alice/other: %v", err)
	}
	releaseC()
}

func TestKeyLock_ContextCancellation(t *testing.T) {
	locks := NewKeyLock()
	key := Key{UserID: "alice", AgentID: "helper"}

	release, err := locks.Acquire(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = locks.Acquire(ctx, key, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKeyLock_HandoffToWaiter(t *testing.T) {
	locks := NewKeyLock()
	key := Key{UserID: "alice", AgentID: "helper"}

	release, err := locks.Acquire(context.Background(), key, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := locks.Acquire(context.Background(), key, time.Second)
		if err == nil {
			r()
			close(acquired)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}
