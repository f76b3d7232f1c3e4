package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// maxDuePerTick bounds how many fetch jobs one scheduler tick emits.
const maxDuePerTick = 100

// Scheduler periodically enqueues fetch jobs for due entities and
// aggregate jobs for settled periods.
type Scheduler struct {
	store  *store.Store
	queue  *jobq.Q
	cfg    *Config
	clock  quartz.Clock
	logger *slog.Logger
}

// NewScheduler wires a scheduler. A nil clock uses real time.
func NewScheduler(st *store.Store, queue *jobq.Q, cfg *Config, clock quartz.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: st, queue: queue, cfg: cfg, clock: clock, logger: logger}
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Schedule.CheckInterval, "scheduler")
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: fetches first, then aggregates.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()
	s.enqueueFetches(ctx, now)
	s.enqueueAggregates(ctx, now)
}

func (s *Scheduler) enqueueFetches(ctx context.Context, now time.Time) {
	due, err := s.store.DueEntities(ctx, now.UnixMilli(), maxDuePerTick)
	if err != nil {
		s.logger.Error("scheduler: due entities", "error", err)
		return
	}
	start := now.UTC().AddDate(0, 0, -s.cfg.Schedule.FetchWindowDays)
	job := FetchJob{
		WindowStart: start.Format("2006-01-02"),
		WindowEnd:   now.UTC().Format("2006-01-02"),
	}
	for _, e := range due {
		job.EntityID = e.ID
		payload, err := json.Marshal(job)
		if err != nil {
			s.logger.Error("scheduler: marshal fetch job", "entity", e.ID, "error", err)
			continue
		}
		// One active fetch job per entity; the ID frees up once the
		// previous job acks or is discarded.
		published, err := s.queue.PublishOnce(ctx, "fetch_"+e.ID, KindFetch, payload, 0)
		if err != nil {
			s.logger.Error("scheduler: enqueue fetch", "entity", e.ID, "error", err)
			continue
		}
		if published {
			s.logger.Debug("scheduler: fetch enqueued",
				"entity", e.ID, "source", e.Source,
				"window", job.WindowStart+".."+job.WindowEnd)
		}
	}
}

func (s *Scheduler) enqueueAggregates(ctx context.Context, now time.Time) {
	periods := AggregatablePeriods(now,
		s.cfg.Schedule.AggregateMinAgeDays, s.cfg.Schedule.AggregateLookback)
	if len(periods) == 0 {
		return
	}
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.logger.Error("scheduler: list projects", "error", err)
		return
	}
	for _, p := range projects {
		for _, per := range periods {
			stale, err := s.store.NeedsAggregation(ctx, p.ID, per.Year, per.Month)
			if err != nil {
				s.logger.Error("scheduler: staleness check",
					"project", p.ID, "period", per, "error", err)
				continue
			}
			if !stale {
				continue
			}
			payload, err := json.Marshal(AggregateJob{
				ProjectID: p.ID, Year: per.Year, Month: per.Month,
			})
			if err != nil {
				s.logger.Error("scheduler: marshal aggregate job",
					"project", p.ID, "error", err)
				continue
			}
			// The deterministic ID doubles as the single-active-job lock
			// for the (project, period) key across all workers.
			id := fmt.Sprintf("agg_%s_%04d_%02d", p.ID, per.Year, per.Month)
			published, err := s.queue.PublishOnce(ctx, id, KindAggregate, payload, 0)
			if err != nil {
				s.logger.Error("scheduler: enqueue aggregate",
					"project", p.ID, "period", per, "error", err)
				continue
			}
			if published {
				s.logger.Debug("scheduler: aggregate enqueued",
					"project", p.ID, "period", per)
			}
		}
	}
}
