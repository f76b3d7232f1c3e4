package jobq

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
	_ "modernc.org/sqlite"
)

func newTestQ(t *testing.T, opts Options) (*Q, *quartz.Mock, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	clock := quartz.NewMock(t)
	opts.Clock = clock
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return q, clock, db
}

func TestPublishClaimAck(t *testing.T) {
	// WHAT: The publish, claim, ack lifecycle empties the queue.
	q, _, _ := newTestQ(t, Options{Queue: "fetch"})
	ctx := context.Background()

	if err := q.Publish(ctx, "job-1", "fetch_entity", []byte(`{"entity":"e1"}`), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("no job claimed")
	}
	if job.Kind != "fetch_entity" {
		t.Errorf("kind: got %q", job.Kind)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", job.Attempts)
	}

	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("len after ack: got %d, want 0", n)
	}
}

func TestDelayedPublishInvisible(t *testing.T) {
	// WHAT: A job published with a delay is not claimable until the delay
	// elapses.
	q, clock, _ := newTestQ(t, Options{Queue: "fetch"})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "fetch_entity", nil, 30*time.Second)

	if job, _ := q.Claim(ctx); job != nil {
		t.Fatal("claimed a delayed job before its visibility time")
	}

	clock.Advance(31 * time.Second)
	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("job not claimable after delay elapsed")
	}
}

func TestPublishOnceDeduplicates(t *testing.T) {
	// WHAT: PublishOnce with the same ID is a no-op while the first job
	// is still pending.
	// WHY: Deterministic IDs give single-active-job discipline per key.
	q, _, _ := newTestQ(t, Options{Queue: "aggregate"})
	ctx := context.Background()

	ins, err := q.PublishOnce(ctx, "agg_p1_2025_9", "aggregate_period", nil, 0)
	if err != nil || !ins {
		t.Fatalf("first publish: inserted=%v err=%v", ins, err)
	}
	ins, err = q.PublishOnce(ctx, "agg_p1_2025_9", "aggregate_period", nil, 0)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if ins {
		t.Error("duplicate publish inserted a second job")
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("len: got %d, want 1", n)
	}
}

func TestReleaseDoesNotConsumeAttempt(t *testing.T) {
	// WHAT: ReleaseJob requeues with a delay and hands back the attempt.
	// WHY: A rate-limit denial is a scheduling signal, not a failure;
	// it must not erode the retry budget.
	q, clock, _ := newTestQ(t, Options{Queue: "fetch"})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "fetch_entity", nil, 0)
	job, _ := q.Claim(ctx)
	if job.Attempts != 1 {
		t.Fatalf("attempts after claim: %d", job.Attempts)
	}

	if err := q.ReleaseJob(ctx, job.ID, 5*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}

	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("released job claimable before its delay")
	}
	clock.Advance(6 * time.Second)

	job, _ = q.Claim(ctx)
	if job == nil {
		t.Fatal("released job not redelivered")
	}
	if job.Attempts != 1 {
		t.Errorf("attempts after release+reclaim: got %d, want 1", job.Attempts)
	}
}

func TestWorkerRetriesWithDelayTiers(t *testing.T) {
	// WHAT: A failing handler is retried on the configured backoff tiers
	// and OnFailure fires exactly once when the budget is exhausted.
	var failures int
	var failedJob *Job
	var lastErr error

	tiers := []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute}
	q, clock, _ := newTestQ(t, Options{
		Queue:       "fetch",
		MaxAttempts: 3,
		RetryDelay: func(attempt int) time.Duration {
			if attempt > len(tiers) {
				attempt = len(tiers)
			}
			return tiers[attempt-1]
		},
		OnFailure: func(_ context.Context, job *Job, err error) {
			failures++
			failedJob = job
			lastErr = err
		},
	})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "fetch_entity", nil, 0)

	handlerErr := errors.New("provider auth rejected")
	handler := func(context.Context, *Job) error { return handlerErr }

	// Attempt 1 and 2: claimed, failed, requeued on tiers.
	for i := 0; i < 2; i++ {
		job, _ := q.Claim(ctx)
		if job == nil {
			t.Fatalf("attempt %d: no job", i+1)
		}
		q.dispatch(ctx, job, handler)
		clock.Advance(tiers[i] + time.Second)
	}

	// Attempt 3: budget exhausted, OnFailure fires, job discarded.
	job, _ := q.Claim(ctx)
	if job == nil {
		t.Fatal("attempt 3: no job")
	}
	q.dispatch(ctx, job, handler)

	if failures != 1 {
		t.Fatalf("OnFailure calls: got %d, want 1", failures)
	}
	if failedJob.ID != "job-1" {
		t.Errorf("failed job: got %q", failedJob.ID)
	}
	if !errors.Is(lastErr, handlerErr) {
		t.Errorf("last error: got %v", lastErr)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("len after exhaustion: got %d, want 0", n)
	}
}

func TestDispatchReleaseError(t *testing.T) {
	// WHAT: A handler returning ReleaseError requeues instead of failing.
	q, clock, _ := newTestQ(t, Options{Queue: "fetch", MaxAttempts: 1})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "fetch_entity", nil, 0)
	job, _ := q.Claim(ctx)

	q.dispatch(ctx, job, func(context.Context, *Job) error {
		return Release(10 * time.Second)
	})

	// MaxAttempts=1 would have discarded the job on a plain error.
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len: got %d, want 1", n)
	}

	clock.Advance(11 * time.Second)
	if j, _ := q.Claim(ctx); j == nil {
		t.Error("released job not redelivered after delay")
	}
}

func TestDispatchPermanentError(t *testing.T) {
	// WHAT: A handler returning PermanentError discards the job on the
	// first attempt and fires OnFailure, even with budget remaining.
	// WHY: rejected credentials never heal through retries; burning the
	// full attempt budget only delays the operator alert.
	var failed error
	q, _, _ := newTestQ(t, Options{
		Queue:       "fetch",
		MaxAttempts: 5,
		OnFailure:   func(_ context.Context, _ *Job, err error) { failed = err },
	})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "fetch_entity", nil, 0)
	job, _ := q.Claim(ctx)

	cause := errors.New("provider rejected credentials")
	q.dispatch(ctx, job, func(context.Context, *Job) error {
		return Permanent(cause)
	})

	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len: got %d, want 0", n)
	}
	if !errors.Is(failed, cause) {
		t.Errorf("OnFailure error: got %v, want %v", failed, cause)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	// WHAT: A claimed-but-never-acked job reappears after the visibility
	// timeout so another worker can take over.
	q, clock, _ := newTestQ(t, Options{Queue: "parse", Visibility: 30 * time.Second})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "parse_response", nil, 0)
	if job, _ := q.Claim(ctx); job == nil {
		t.Fatal("first claim failed")
	}

	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job visible while another holder has it")
	}

	clock.Advance(31 * time.Second)
	job, _ := q.Claim(ctx)
	if job == nil {
		t.Fatal("job not redelivered after visibility timeout")
	}
	if job.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", job.Attempts)
	}
}

func TestNackRecordsLastError(t *testing.T) {
	// WHAT: The handler error is persisted so OnFailure can surface it.
	q, clock, _ := newTestQ(t, Options{Queue: "parse"})
	ctx := context.Background()

	q.Publish(ctx, "job-1", "parse_response", nil, 0)
	job, _ := q.Claim(ctx)
	q.Nack(ctx, job.ID, 0, errors.New("malformed payload"))

	clock.Advance(time.Millisecond)
	job, _ = q.Claim(ctx)
	if job == nil {
		t.Fatal("job not redelivered")
	}
	if job.LastError != "malformed payload" {
		t.Errorf("last_error: got %q", job.LastError)
	}
}

func TestQueuesIsolated(t *testing.T) {
	// WHAT: Jobs in one queue are invisible to consumers of another.
	db := dbopen.OpenMemory(t)
	clock := quartz.NewMock(t)
	ctx := context.Background()

	fetch := New(db, Options{Queue: "fetch", Clock: clock})
	parse := New(db, Options{Queue: "parse", Clock: clock})
	if err := fetch.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	fetch.Publish(ctx, "job-1", "fetch_entity", nil, 0)

	if j, _ := parse.Claim(ctx); j != nil {
		t.Fatal("parse queue claimed a fetch job")
	}
	if j, _ := fetch.Claim(ctx); j == nil {
		t.Fatal("fetch queue could not claim its own job")
	}
}
