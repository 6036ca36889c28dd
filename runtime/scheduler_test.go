package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmem/memd/memory"
)

type fakeKeys struct {
	keys []memory.Key
	err  error
}

func (f *fakeKeys) Keys(context.Context) ([]memory.Key, error) {
	return f.keys, f.err
}

type fakeReflector struct {
	mu      sync.Mutex
	calls   []memory.Key
	reports map[memory.Key]memory.ReflectReport
	errs    map[memory.Key]error
}

func (f *fakeReflector) Reflect(_ context.Context, userID, agentID string) (memory.ReflectReport, error) {
	key := memory.Key{UserID: userID, AgentID: agentID}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	if err := f.errs[key]; err != nil {
		return memory.ReflectReport{}, err
	}
	return f.reports[key], nil
}

func TestScheduler_SweepCoversAllScopes(t *testing.T) {
	keyA := memory.Key{UserID: "alice", AgentID: "helper"}
	keyB := memory.Key{UserID: "bob", AgentID: "helper"}
	reflector := &fakeReflector{
		reports: map[memory.Key]memory.ReflectReport{
			keyA: {Expired: 2, Compacted: 1},
			keyB: {},
		},
		errs: map[memory.Key]error{},
	}
	s := NewScheduler(reflector, &fakeKeys{keys: []memory.Key{keyA, keyB}}, nil, SchedulerConfig{
		Schedule:   "@every 1h",
		KeyTimeout: time.Second,
	}, zerolog.Nop())

	s.Sweep(context.Background())

	reflector.mu.Lock()
	defer reflector.mu.Unlock()
	if len(reflector.calls) != 2 {
		t.Fatalf("expected 2 reflect calls, got %d", len(reflector.calls))
	}
}

func TestScheduler_SweepSkipsBusyAndFailedScopes(t *testing.T) {
	keyA := memory.Key{UserID: "alice", AgentID: "helper"}
	keyB := memory.Key{UserID: "bob", AgentID: "helper"}
	keyC := memory.Key{UserID: "carol", AgentID: "helper"}
	reflector := &fakeReflector{
		reports: map[memory.Key]memory.ReflectReport{keyC: {Expired: 1}},
		errs: map[memory.Key]error{
			keyA: fmt.Errorf("acquire: %w", memory.ErrBusy),
			keyB: errors.New("db gone"),
		},
	}
	s := NewScheduler(reflector, &fakeKeys{keys: []memory.Key{keyA, keyB, keyC}}, nil, SchedulerConfig{
		KeyTimeout: time.Second,
	}, zerolog.Nop())

	// Busy and failing scopes must not stop the sweep.
	s.Sweep(context.Background())

	reflector.mu.Lock()
	defer reflector.mu.Unlock()
	if len(reflector.calls) != 3 {
		t.Fatalf("sweep stopped early: %d calls", len(reflector.calls))
	}
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakePurger) PurgeExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, nil
}

func TestScheduler_SweepPurgesOldExpiredRows(t *testing.T) {
	reflector := &fakeReflector{
		reports: map[memory.Key]memory.ReflectReport{},
		errs:    map[memory.Key]error{},
	}
	purger := &fakePurger{}
	s := NewScheduler(reflector, &fakeKeys{}, purger, SchedulerConfig{
		KeyTimeout: time.Second,
		PurgeAfter: 30 * 24 * time.Hour,
	}, zerolog.Nop())

	s.Sweep(context.Background())

	purger.mu.Lock()
	defer purger.mu.Unlock()
	if len(purger.cutoffs) != 1 {
		t.Fatalf("expected one purge call, got %d", len(purger.cutoffs))
	}
	if time.Until(purger.cutoffs[0]) > -29*24*time.Hour {
		t.Fatalf("cutoff not pushed back by the retention window: %v", purger.cutoffs[0])
	}
}

func TestScheduler_SweepStopsOnCancelledContext(t *testing.T) {
	reflector := &fakeReflector{
		reports: map[memory.Key]memory.ReflectReport{},
		errs:    map[memory.Key]error{},
	}
	s := NewScheduler(reflector, &fakeKeys{keys: []memory.Key{
		{UserID: "alice", AgentID: "helper"},
	}}, nil, SchedulerConfig{KeyTimeout: time.Second}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Sweep(ctx)

	reflector.mu.Lock()
	defer reflector.mu.Unlock()
	if len(reflector.calls) != 0 {
		t.Fatalf("sweep ran scopes after cancellation: %d", len(reflector.calls))
	}
}
