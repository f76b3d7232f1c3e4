// Package pipeline implements the synchronization and aggregation pipeline:
// scheduling, fetch, parse and aggregate stages running as queue workers.
//
// The stages share no in-process state. Fetch admits calls through the
// per-account rate limiter, pulls the provider through the retrying HTTP
// client, and persists one raw capture per window. Parse normalizes
// captures into monthly fact rows with idempotent upserts. Aggregate rolls
// fact rows into project-month summaries via full replace. All three are
// safe under at-least-once delivery and arbitrary worker parallelism.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/observability"
)

// Job kinds dispatched by the worker loop.
const (
	KindFetch     = "fetch"
	KindParse     = "parse"
	KindAggregate = "aggregate"
)

// RetryTiers is the job-level backoff schedule: a failed attempt waits
// 60s, then 120s, then 300s. This budget is distinct from the HTTP-level
// retry budget inside a single attempt.
func RetryTiers(attempt int) time.Duration {
	tiers := []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(tiers) {
		attempt = len(tiers)
	}
	return tiers[attempt-1]
}

// Service routes queue jobs to the pipeline stages.
type Service struct {
	fetcher    *Fetcher
	parser     *Parser
	aggregator *Aggregator
	scheduler  *Scheduler
	queue      *jobq.Q
	cfg        *Config
	logger     *slog.Logger
	events     *observability.EventLogger
	metrics    *observability.MetricsManager
}

// NewService wires the worker service from its stages.
func NewService(fetcher *Fetcher, parser *Parser, aggregator *Aggregator,
	scheduler *Scheduler, queue *jobq.Q, cfg *Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:    fetcher,
		parser:     parser,
		aggregator: aggregator,
		scheduler:  scheduler,
		queue:      queue,
		cfg:        cfg,
		logger:     logger,
	}
}

// Instrument attaches stage event logging and duration metrics to the
// dispatch loop. Either argument may be nil.
func (s *Service) Instrument(events *observability.EventLogger, metrics *observability.MetricsManager) {
	s.events = events
	s.metrics = metrics
}

// HandleJob dispatches one claimed job to its stage by kind.
func (s *Service) HandleJob(ctx context.Context, job *jobq.Job) error {
	start := time.Now()
	err := s.dispatch(ctx, job)
	s.observe(ctx, job, time.Since(start), err)
	return err
}

func (s *Service) dispatch(ctx context.Context, job *jobq.Job) error {
	switch job.Kind {
	case KindFetch:
		return s.fetcher.Handle(ctx, job.Payload)
	case KindParse:
		return s.parser.Handle(ctx, job.Payload)
	case KindAggregate:
		return s.aggregator.Handle(ctx, job.Payload)
	}
	return jobq.Permanent(fmt.Errorf("pipeline: unknown job kind %q", job.Kind))
}

// observe records the dispatch outcome. A ReleaseError is a scheduling
// signal, not a failure, so it is skipped entirely.
func (s *Service) observe(ctx context.Context, job *jobq.Job, elapsed time.Duration, err error) {
	if jobq.IsRelease(err) {
		return
	}
	if s.metrics != nil {
		var name string
		switch job.Kind {
		case KindFetch:
			name = observability.MetricFetchDurationMs
		case KindParse:
			name = observability.MetricParseDurationMs
		case KindAggregate:
			name = observability.MetricAggregateDurationMs
		default:
			return
		}
		s.metrics.Record(observability.Metric{
			Name:  name,
			Value: float64(elapsed.Milliseconds()),
			Unit:  "milliseconds",
		})
	}
	if s.events != nil {
		ev := observability.StageEvent{
			Stage:      job.Kind,
			Action:     "job_completed",
			Success:    err == nil,
			DurationMs: elapsed.Milliseconds(),
			Detail:     fmt.Sprintf(`{"job_id":%q}`, job.ID),
		}
		if err != nil {
			ev.Action = "job_failed"
			ev.Detail = fmt.Sprintf(`{"job_id":%q,"error":%q}`, job.ID, err.Error())
		}
		s.events.Log(ctx, ev)
	}
}

// Run starts the scheduler and the worker pool and blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.scheduler.Run(ctx)
	s.queue.RunBatch(ctx, s.cfg.Worker.Concurrency, s.cfg.Worker.Concurrency, s.HandleJob)
}
