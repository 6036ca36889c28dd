package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExtractorConfig holds the extraction tunables.
type ExtractorConfig struct {
	// MergeThreshold is the minimum similarity score at which a candidate is
	// folded into an existing record instead of creating a new one.
	MergeThreshold float64
	// ReinforceDelta is the salience increment applied on merge, capped at 1.0.
	ReinforceDelta float64
	// LockWait bounds how long extraction waits for the per-key lock.
	LockWait time.Duration
}

// Extractor turns a completed session transcript into memory records,
// merging near-duplicate candidates into existing records by reinforcement.
type Extractor struct {
	store       *Store
	locks       *KeyLock
	transcripts TranscriptSource
	generator   CandidateGenerator
	cfg         ExtractorConfig
	logger      zerolog.Logger
	nowFn       func() time.Time
}

// NewExtractor wires an extractor over the store, the transcript source, and
// the external generation capability. generator may be nil when no generation
// backend is configured; Extract then fails with ErrCapabilityUnavailable.
func NewExtractor(store *Store, locks *KeyLock, transcripts TranscriptSource, generator CandidateGenerator, cfg ExtractorConfig, logger zerolog.Logger) *Extractor {
	return &Extractor{
		store:       store,
		locks:       locks,
		transcripts: transcripts,
		generator:   generator,
		cfg:         cfg,
		logger:      logger.With().Str("component", "extractor").Logger(),
		nowFn:       time.Now,
	}
}

// Extract obtains candidate statements from the session transcript and merges
// them into the store. The generation call runs before the key lock is taken,
// so slow model calls never serialize unrelated fast operations; the lock is
// held only for the merge/insert loop.
func (e *Extractor) Extract(ctx context.Context, sessionID, agentID, userID string) (ExtractReport, error) {
	var report ExtractReport
	if sessionID == "" || agentID == "" || userID == "" {
		return report, fmt.Errorf("%w: session id, agent id, and user id are required", ErrInvalidInput)
	}

	transcript, err := e.transcripts.Transcript(ctx, sessionID, userID)
	if err != nil {
		return report, err
	}
	if len(transcript) == 0 {
		return report, nil
	}

	if e.generator == nil {
		return report, fmt.Errorf("%w: no candidate generator configured", ErrCapabilityUnavailable)
	}
	candidates, err := e.generator.GenerateCandidates(ctx, transcript)
	if err != nil {
		return report, capabilityErr("generate candidates", err)
	}
	candidates = sanitizeCandidates(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	release, err := e.locks.Acquire(ctx, Key{UserID: userID, AgentID: agentID}, e.cfg.LockWait)
	if err != nil {
		return report, err
	}
	defer release()

	for _, cand := range candidates {
		existing, err := e.store.FindSimilar(ctx, userID, agentID, cand.Content, e.cfg.MergeThreshold)
		if err != nil {
			return ExtractReport{}, err
		}
		if existing != nil {
			if err := e.store.Reinforce(ctx, existing.ID, e.cfg.ReinforceDelta); err != nil {
				return ExtractReport{}, err
			}
			report.Merged++
			e.logger.Debug().
				Str("record_id", existing.ID).
				Str("session_id", sessionID).
				Msg("candidate merged into existing record")
			continue
		}

		now := e.nowFn()
		sessID := sessionID
		rec := &MemoryRecord{
			ID:               uuid.NewString(),
			UserID:           userID,
			AgentID:          agentID,
			Kind:             cand.Kind,
			Content:          cand.Content,
			Salience:         cand.Salience,
			SourceSessionID:  &sessID,
			CreatedAt:        now,
			LastReinforcedAt: now,
		}
		if err := e.store.Put(ctx, rec); err != nil {
			return ExtractReport{}, err
		}
		report.Created++
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("agent_id", agentID).
		Int("created", report.Created).
		Int("merged", report.Merged).
		Msg("extraction complete")
	return report, nil
}
