package memory

import (
	"context"
	"time"
)

// Engine groups the engine's outward-facing operations behind one value so
// transports and schedulers take a single dependency.
type Engine struct {
	extractor *Extractor
	reflector *Reflector
	access    *Access
	store     *Store
}

// NewEngine assembles the engine facade.
func NewEngine(store *Store, extractor *Extractor, reflector *Reflector, access *Access) *Engine {
	return &Engine{
		extractor: extractor,
		reflector: reflector,
		access:    access,
		store:     store,
	}
}

// Extract runs a synchronous extraction pass for the session.
func (e *Engine) Extract(ctx context.Context, sessionID, agentID, userID string) (ExtractReport, error) {
	return e.extractor.Extract(ctx, sessionID, agentID, userID)
}

// Reflect runs a maintenance pass over the key.
func (e *Engine) Reflect(ctx context.Context, userID, agentID string) (ReflectReport, error) {
	return e.reflector.Reflect(ctx, userID, agentID)
}

// DeleteOwned removes a record for its owner; see Access.DeleteOwned.
func (e *Engine) DeleteOwned(ctx context.Context, memoryID, userID string) (bool, error) {
	return e.access.DeleteOwned(ctx, memoryID, userID)
}

// List returns all active records for the key.
func (e *Engine) List(ctx context.Context, userID, agentID string) ([]MemoryRecord, error) {
	return e.access.List(ctx, userID, agentID)
}

// ListForSession returns the fact/preference projections for session hydration.
func (e *Engine) ListForSession(ctx context.Context, userID, agentID string) (facts, preferences []MemoryRecord, err error) {
	return e.access.ListForSession(ctx, userID, agentID)
}

// Keys enumerates the (userId, agentId) pairs with active records.
func (e *Engine) Keys(ctx context.Context) ([]Key, error) {
	return e.store.Keys(ctx)
}

// PurgeExpiredBefore permanently removes records that expired before cutoff.
func (e *Engine) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return e.store.PurgeExpiredBefore(ctx, cutoff)
}
