package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/agentmem/memd/memory"
)

// ReflectRunner runs one maintenance pass for a single (user, agent) scope.
type ReflectRunner interface {
	Reflect(ctx context.Context, userID, agentID string) (memory.ReflectReport, error)
}

// KeyLister enumerates the (user, agent) scopes that hold active records.
type KeyLister interface {
	Keys(ctx context.Context) ([]memory.Key, error)
}

// Purger permanently removes long-expired records.
type Purger interface {
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SchedulerConfig controls the periodic reflection sweep.
type SchedulerConfig struct {
	// Schedule is a cron spec, e.g. "@every 1h".
	Schedule string
	// KeyTimeout bounds one scope's maintenance pass.
	KeyTimeout time.Duration
	// PurgeAfter is how long expired rows are kept for audit before the sweep
	// physically deletes them. Zero keeps them forever.
	PurgeAfter time.Duration
}

// Scheduler runs reflection over every active scope on a cron schedule. A
// scope whose lock is held when the sweep reaches it is skipped; the next
// sweep picks it up.
type Scheduler struct {
	reflector ReflectRunner
	keys      KeyLister
	purger    Purger // optional
	cfg       SchedulerConfig
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewScheduler creates a reflection sweep scheduler. purger may be nil to
// keep expired rows indefinitely.
func NewScheduler(reflector ReflectRunner, keys KeyLister, purger Purger, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = time.Minute
	}
	return &Scheduler{
		reflector: reflector,
		keys:      keys,
		purger:    purger,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the sweep and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Msg("reflection sweep scheduled")
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Sweep runs one reflection pass over every active scope. Errors on one scope
// are logged and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	keys, err := s.keys.Keys(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list scopes for sweep")
		return
	}

	var expired, compacted int
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		keyCtx, cancel := context.WithTimeout(ctx, s.cfg.KeyTimeout)
		report, err := s.reflector.Reflect(keyCtx, key.UserID, key.AgentID)
		cancel()
		if errors.Is(err, memory.ErrBusy) {
			s.logger.Debug().
				Str("user_id", key.UserID).
				Str("agent_id", key.AgentID).
				Msg("scope busy, skipping until next sweep")
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).
				Str("user_id", key.UserID).
				Str("agent_id", key.AgentID).
				Msg("reflection failed for scope")
			continue
		}
		expired += report.Expired
		compacted += report.Compacted
	}

	if s.purger != nil && s.cfg.PurgeAfter > 0 {
		purged, err := s.purger.PurgeExpiredBefore(ctx, time.Now().Add(-s.cfg.PurgeAfter))
		if err != nil {
			s.logger.Error().Err(err).Msg("purge of expired records failed")
		} else if purged > 0 {
			s.logger.Info().Int64("purged", purged).Msg("expired records purged")
		}
	}

	s.logger.Info().
		Int("scopes", len(keys)).
		Int("expired", expired).
		Int("compacted", compacted).
		Msg("reflection sweep complete")
}
