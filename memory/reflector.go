package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ReflectorConfig holds the maintenance tunables.
type ReflectorConfig struct {
	// BaseTTL is the base time-to-live for fact and preference records.
	// The effective TTL is baseTTL * (0.5 + salience), so low-salience
	// records expire sooner than high-salience ones.
	BaseTTL time.Duration
	// SummaryBaseTTL is the (longer) base TTL for summary records.
	SummaryBaseTTL time.Duration
	// MergeThreshold is the similarity score at or above which active records
	// are folded into one summary.
	MergeThreshold float64
	// LockWait bounds how long a pass waits for the per-key lock.
	LockWait time.Duration
}

// Reflector is the memory garbage collector: each pass over one
// (userId, agentId) key expires stale records and compacts clusters of
// near-duplicate active records into summary records.
type Reflector struct {
	store     *Store
	locks     *KeyLock
	sim       Similarity
	condenser Condenser // optional, falls back to deterministic joining
	cfg       ReflectorConfig
	logger    zerolog.Logger
	nowFn     func() time.Time
}

// NewReflector wires a reflector over the store and the similarity capability.
func NewReflector(store *Store, locks *KeyLock, sim Similarity, condenser Condenser, cfg ReflectorConfig, logger zerolog.Logger) *Reflector {
	return &Reflector{
		store:     store,
		locks:     locks,
		sim:       sim,
		condenser: condenser,
		cfg:       cfg,
		logger:    logger.With().Str("component", "reflector").Logger(),
		nowFn:     time.Now,
	}
}

// EffectiveTTL returns the salience-scaled TTL for a record.
func (r *Reflector) EffectiveTTL(rec *MemoryRecord) time.Duration {
	base := r.cfg.BaseTTL
	if rec.Kind == KindSummary {
		base = r.cfg.SummaryBaseTTL
	}
	return time.Duration(float64(base) * (0.5 + rec.Salience))
}

// Reflect runs one maintenance pass: expiry first, then compaction until the
// active set reaches a fixed point (no two active records at or above the
// merge threshold). Running it again with no intervening mutation reports
// {0, 0}. If the similarity capability is unavailable, expiry still runs and
// compaction is skipped for this pass, reported via CompactionSkipped.
func (r *Reflector) Reflect(ctx context.Context, userID, agentID string) (ReflectReport, error) {
	var report ReflectReport
	if userID == "" || agentID == "" {
		return report, fmt.Errorf("%w: user id and agent id are required", ErrInvalidInput)
	}

	release, err := r.locks.Acquire(ctx, Key{UserID: userID, AgentID: agentID}, r.cfg.LockWait)
	if err != nil {
		return report, err
	}
	defer release()

	// Phase 1: expiry. Pure timestamp/salience arithmetic, no external
	// dependency, so it proceeds even when the capability is down.
	records, err := r.store.ListActive(ctx, userID, agentID)
	if err != nil {
		return report, err
	}
	now := r.nowFn()
	stale := lo.FilterMap(records, func(rec MemoryRecord, _ int) (string, bool) {
		return rec.ID, now.Sub(rec.LastReinforcedAt) > r.EffectiveTTL(&rec)
	})
	if err := r.store.MarkExpired(ctx, stale, ExpireReasonTTL); err != nil {
		return report, err
	}
	report.Expired += len(stale)

	// Phase 2: compaction, looped so that freshly created summaries are
	// themselves checked against the remaining actives.
	for {
		if err := ctx.Err(); err != nil {
			// Every transition so far was atomic; partial progress is valid.
			return report, err
		}

		active, err := r.store.ListActive(ctx, userID, agentID)
		if err != nil {
			return report, err
		}
		groups, err := r.similarityGroups(ctx, active)
		if err != nil {
			if errors.Is(err, ErrCapabilityUnavailable) {
				report.CompactionSkipped = true
				r.logger.Warn().
					Str("user_id", userID).
					Str("agent_id", agentID).
					Err(err).
					Msg("similarity capability unavailable, compaction skipped")
				break
			}
			return report, err
		}
		if len(groups) == 0 {
			break
		}

		for _, group := range groups {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			summary := r.buildSummary(ctx, userID, agentID, group)
			memberIDs := lo.Map(group, func(rec MemoryRecord, _ int) string { return rec.ID })
			if err := r.store.Compact(ctx, summary, memberIDs); err != nil {
				return report, err
			}
			report.Expired += len(group)
			report.Compacted++
		}
	}

	remaining, err := r.store.CountActive(ctx, userID, agentID)
	if err != nil {
		return report, err
	}
	r.logger.Info().
		Str("user_id", userID).
		Str("agent_id", agentID).
		Int("expired", report.Expired).
		Int("compacted", report.Compacted).
		Int("active", remaining).
		Bool("compaction_skipped", report.CompactionSkipped).
		Msg("reflection pass complete")
	return report, nil
}

// similarityGroups clusters active records transitively: any pair scoring at
// or above the merge threshold lands in the same group. Only groups of two or
// more records are returned.
func (r *Reflector) similarityGroups(ctx context.Context, records []MemoryRecord) ([][]MemoryRecord, error) {
	n := len(records)
	if n < 2 {
		return nil, nil
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			score, err := r.sim.Score(ctx, records[i].Content, records[j].Content)
			if err != nil {
				return nil, capabilityErr("similarity score", err)
			}
			if score >= r.cfg.MergeThreshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]MemoryRecord)
	for i := range records {
		root := find(i)
		byRoot[root] = append(byRoot[root], records[i])
	}

	var groups [][]MemoryRecord
	for _, group := range byRoot {
		if len(group) >= 2 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// buildSummary produces the replacement record for a group: summary kind,
// salience of the strongest member, created now. Condensation prefers the
// external condenser and falls back to deterministic joining on failure.
func (r *Reflector) buildSummary(ctx context.Context, userID, agentID string, group []MemoryRecord) *MemoryRecord {
	contents := lo.Map(group, func(rec MemoryRecord, _ int) string { return rec.Content })

	content := ""
	if r.condenser != nil {
		condensed, err := r.condenser.Condense(ctx, contents)
		if err != nil {
			r.logger.Warn().Err(err).Msg("condenser failed, falling back to joined contents")
		} else {
			content = condensed
		}
	}
	if content == "" {
		content = joinContents(contents)
	}

	maxSalience := lo.MaxBy(group, func(a, b MemoryRecord) bool { return a.Salience > b.Salience }).Salience

	now := r.nowFn()
	return &MemoryRecord{
		ID:               uuid.NewString(),
		UserID:           userID,
		AgentID:          agentID,
		Kind:             KindSummary,
		Content:          content,
		Salience:         maxSalience,
		CreatedAt:        now,
		LastReinforcedAt: now,
	}
}
