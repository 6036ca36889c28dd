package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestAccess(t *testing.T, store *Store) *Access {
	t.Helper()
	return NewAccess(store, NewKeyLock(), time.Second, zerolog.Nop())
}

func TestAccess_ListScopedToOwner(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	access := newTestAccess(t, store)
	ctx := context.Background()

	putRecord(t, store, "alice", "helper", KindFact, "The user works in Berlin.", 0.5)
	putRecord(t, store, "bob", "helper", KindFact, "The user works in Tokyo.", 0.5)

	records, err := access.List(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].UserID != "alice" {
		t.Fatalf("list leaked across owners: %+v", records)
	}

	if _, err := access.List(ctx, "", "helper"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAccess_ListForSessionPartitionsKinds(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	access := newTestAccess(t, store)
	ctx := context.Background()

	putRecord(t, store, "alice", "helper", KindFact, "The user works in Berlin.", 0.5)
	putRecord(t, store, "alice", "helper", KindPreference, "The user prefers tea.", 0.6)
	putRecord(t, store, "alice", "helper", KindSummary, "Older preferences, condensed.", 0.7)

	facts, preferences, err := access.ListForSession(ctx, "alice", "helper")
	if err != nil {
		t.Fatalf("ListForSession: %v", err)
	}
	if len(facts) != 1 || facts[0].Kind != KindFact {
		t.Fatalf("unexpected facts: %+v", facts)
	}
	if len(preferences) != 1 || preferences[0].Kind != KindPreference {
		t.Fatalf("unexpected preferences: %+v", preferences)
	}
}

func TestAccess_DeleteOwned(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	access := newTestAccess(t, store)
	ctx := context.Background()

	rec := putRecord(t, store, "alice", "helper", KindFact, "The user works in Berlin.", 0.5)

	// Non-owner and absent record are indistinguishable: false, no error.
	deleted, err := access.DeleteOwned(ctx, rec.ID, "bob")
	if err != nil {
		t.Fatalf("DeleteOwned as non-owner: %v", err)
	}
	if deleted {
		t.Fatal("non-owner must not delete")
	}

	deleted, err = access.DeleteOwned(ctx, "no-such-id", "alice")
	if err != nil {
		t.Fatalf("DeleteOwned absent: %v", err)
	}
	if deleted {
		t.Fatal("absent record must report false")
	}

	deleted, err = access.DeleteOwned(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatalf("DeleteOwned: %v", err)
	}
	if !deleted {
		t.Fatal("owner delete must report true")
	}

	got, err := store.Get(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("record still present after delete: %+v", got)
	}
}

func TestAccess_DeleteOwnedValidatesInput(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	access := newTestAccess(t, store)

	if _, err := access.DeleteOwned(context.Background(), "", "alice"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := access.DeleteOwned(context.Background(), "id", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAccess_DeleteOwnedBusyWhenLockHeld(t *testing.T) {
	store := newTestStore(t, setupTestDB(t))
	locks := NewKeyLock()
	access := NewAccess(store, locks, 20*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	rec := putRecord(t, store, "alice", "helper", KindFact, "The user works in Berlin.", 0.5)

	release, err := locks.Acquire(ctx, Key{UserID: "alice", AgentID: "helper"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = access.DeleteOwned(ctx, rec.ID, "alice")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
