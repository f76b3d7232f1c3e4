package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

func newSchedulerEnv(t *testing.T) (*Scheduler, *store.Store, *jobq.Q, *quartz.Mock) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.New(db)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 10, 10, 12, 0, 0, 0, time.UTC))

	queue := jobq.New(db, jobq.Options{Queue: "sync", Clock: clock})
	if err := queue.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure jobs table: %v", err)
	}
	cfg := DefaultConfig()
	s := NewScheduler(st, queue, cfg, clock, nil)

	ctx := context.Background()
	if err := st.CreateProject(ctx, &store.Project{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("project: %v", err)
	}
	if err := st.CreateAccount(ctx, &store.Account{ID: "acc1", ProjectID: "p1", Name: "Main"}); err != nil {
		t.Fatalf("account: %v", err)
	}
	return s, st, queue, clock
}

// WHAT: a due entity gets exactly one queued fetch job regardless of how
// many ticks pass before a worker picks it up; the window is derived from
// the configured lookback.
func TestSchedulerEnqueuesDueFetch(t *testing.T) {
	s, st, queue, _ := newSchedulerEnv(t)
	ctx := context.Background()
	if err := st.CreateEntity(ctx, &store.Entity{
		ID: "e1", ProjectID: "p1", AccountID: "acc1",
		Source: store.SourceTraffic, ExternalRef: "ext-e1",
		Enabled: true, FetchInterval: 86400000,
	}); err != nil {
		t.Fatalf("entity: %v", err)
	}

	s.Tick(ctx)
	s.Tick(ctx)

	if n, _ := queue.Len(ctx); n != 1 {
		t.Fatalf("expected 1 fetch job after two ticks, got %d", n)
	}
	job, _ := queue.Claim(ctx)
	if job == nil || job.Kind != KindFetch {
		t.Fatalf("expected fetch job, got %+v", job)
	}
	var fj FetchJob
	json.Unmarshal(job.Payload, &fj)
	if fj.EntityID != "e1" {
		t.Fatalf("wrong entity: %+v", fj)
	}
	// 2025-10-10 minus the default 30-day lookback.
	if fj.WindowStart != "2025-09-10" || fj.WindowEnd != "2025-10-10" {
		t.Fatalf("wrong window: %+v", fj)
	}
}

// WHAT: disabled entities and freshly synced entities are not scheduled.
func TestSchedulerSkipsNotDue(t *testing.T) {
	s, st, queue, _ := newSchedulerEnv(t)
	ctx := context.Background()
	if err := st.CreateEntity(ctx, &store.Entity{
		ID: "off", ProjectID: "p1", AccountID: "acc1",
		Source: store.SourceTraffic, ExternalRef: "ext-off",
		Enabled: false, FetchInterval: 86400000,
	}); err != nil {
		t.Fatalf("entity: %v", err)
	}

	s.Tick(ctx)
	if n, _ := queue.Len(ctx); n != 0 {
		t.Fatalf("disabled entity scheduled: %d jobs", n)
	}
}

// WHAT: a settled month with fact rows gets one aggregate job keyed by
// (project, period); re-ticks do not enqueue a second one, and after facts
// stop changing a completed rollup is not rescheduled.
// WHY: the deterministic job ID is the cross-host single-active-job lock
// for the period, and the staleness gate keeps settled months quiet.
func TestSchedulerAggregateOncePerPeriod(t *testing.T) {
	s, st, queue, _ := newSchedulerEnv(t)
	ctx := context.Background()

	// September 2025 ended well over three days before the mock now.
	if err := st.UpsertTrafficFacts(ctx, []*store.TrafficFact{{
		ProjectID: "p1", EntityID: "e1", Year: 2025, Month: 9,
		Visits: 100, AgeGroups: "{}",
	}}); err != nil {
		t.Fatalf("seed facts: %v", err)
	}

	s.Tick(ctx)
	s.Tick(ctx)
	if n, _ := queue.Len(ctx); n != 1 {
		t.Fatalf("expected 1 aggregate job, got %d", n)
	}

	job, _ := queue.Claim(ctx)
	if job.Kind != KindAggregate || job.ID != "agg_p1_2025_09" {
		t.Fatalf("unexpected job: %+v", job)
	}
	var aj AggregateJob
	json.Unmarshal(job.Payload, &aj)

	// A worker completes the rollup; the period is no longer stale.
	agg := NewAggregator(st, nil)
	if err := agg.Run(ctx, aj.ProjectID, aj.Year, aj.Month); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if err := queue.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	s.Tick(ctx)
	if n, _ := queue.Len(ctx); n != 0 {
		t.Fatalf("settled period rescheduled: %d jobs", n)
	}
}
