package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Access is the owner-scoped read/delete surface of the engine. Session
// construction uses it to hydrate facts and preferences; user-initiated
// deletion goes through it so ownership is enforced in one place.
type Access struct {
	store    *Store
	locks    *KeyLock
	lockWait time.Duration
	logger   zerolog.Logger
}

// NewAccess returns the access layer over the store.
func NewAccess(store *Store, locks *KeyLock, lockWait time.Duration, logger zerolog.Logger) *Access {
	return &Access{
		store:    store,
		locks:    locks,
		lockWait: lockWait,
		logger:   logger.With().Str("component", "memory_access").Logger(),
	}
}

// List returns all active records for the key, strongest first.
func (a *Access) List(ctx context.Context, userID, agentID string) ([]MemoryRecord, error) {
	if userID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: user id and agent id are required", ErrInvalidInput)
	}
	return a.store.ListActive(ctx, userID, agentID)
}

// ListForSession returns the active fact and preference records used to build
// a SessionMemory snapshot. Summary records are folded into neither
// projection; they surface through List.
func (a *Access) ListForSession(ctx context.Context, userID, agentID string) (facts, preferences []MemoryRecord, err error) {
	records, err := a.List(ctx, userID, agentID)
	if err != nil {
		return nil, nil, err
	}
	facts = lo.Filter(records, func(rec MemoryRecord, _ int) bool { return rec.Kind == KindFact })
	preferences = lo.Filter(records, func(rec MemoryRecord, _ int) bool { return rec.Kind == KindPreference })
	return facts, preferences, nil
}

// DeleteOwned deletes the record if it exists and belongs to userID. Absence
// and ownership mismatch both return false with no error, so non-owners
// cannot probe for a record's existence. The delete is serialized against
// extraction and reflection on the record's key.
func (a *Access) DeleteOwned(ctx context.Context, memoryID, userID string) (bool, error) {
	if memoryID == "" || userID == "" {
		return false, fmt.Errorf("%w: memory id and user id are required", ErrInvalidInput)
	}

	rec, err := a.store.Get(ctx, memoryID, userID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	release, err := a.locks.Acquire(ctx, Key{UserID: rec.UserID, AgentID: rec.AgentID}, a.lockWait)
	if err != nil {
		return false, err
	}
	defer release()

	return a.store.Delete(ctx, memoryID, userID)
}
