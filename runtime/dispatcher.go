package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmem/memd/memory"
)

// ExtractRunner runs extraction over one session transcript.
type ExtractRunner interface {
	Extract(ctx context.Context, sessionID, agentID, userID string) (memory.ExtractReport, error)
}

// ExtractJob identifies one extraction request.
type ExtractJob struct {
	SessionID string
	UserID    string
	AgentID   string
}

// Report pairs a finished job with its outcome.
type Report struct {
	Job    ExtractJob
	Report memory.ExtractReport
	Err    error
}

// DispatcherConfig controls the background extraction pool.
type DispatcherConfig struct {
	// Workers is the number of concurrent extraction workers.
	Workers int
	// QueueSize bounds the pending job queue.
	QueueSize int
	// JobTimeout bounds one extraction run.
	JobTimeout time.Duration
}

// Dispatcher runs extraction jobs on a bounded worker pool so request
// handlers never block on model calls. Jobs for the same scope serialize on
// the engine's per-scope lock, not here.
type Dispatcher struct {
	extractor ExtractRunner
	cfg       DispatcherConfig
	logger    zerolog.Logger

	jobs    chan ExtractJob
	reports chan Report
	wg      sync.WaitGroup
}

// NewDispatcher creates an extraction dispatcher.
func NewDispatcher(extractor ExtractRunner, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		jobs:      make(chan ExtractJob, cfg.QueueSize),
		reports:   make(chan Report, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue is closed via Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("extraction workers started")
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	close(d.jobs)
	d.wg.Wait()
	close(d.reports)
}

// Enqueue submits a job without blocking. It returns false when the queue is
// full; the caller can retry on the next session event.
func (d *Dispatcher) Enqueue(job ExtractJob) bool {
	select {
	case d.jobs <- job:
		return true
	default:
		d.logger.Warn().
			Str("session_id", job.SessionID).
			Msg("extraction queue full, dropping job")
		return false
	}
}

// Reports returns the channel of finished job outcomes. Reads are optional;
// outcomes are dropped when nobody is listening.
func (d *Dispatcher) Reports() <-chan Report {
	return d.reports
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job ExtractJob) {
	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()

	report, err := d.extractor.Extract(jobCtx, job.SessionID, job.AgentID, job.UserID)
	if err != nil {
		d.logger.Error().Err(err).
			Str("session_id", job.SessionID).
			Str("user_id", job.UserID).
			Str("agent_id", job.AgentID).
			Msg("extraction job failed")
	} else {
		d.logger.Debug().
			Str("session_id", job.SessionID).
			Int("created", report.Created).
			Int("merged", report.Merged).
			Msg("extraction job complete")
	}

	select {
	case d.reports <- Report{Job: job, Report: report, Err: err}:
	default:
	}
}
