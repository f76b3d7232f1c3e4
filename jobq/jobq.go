// Package jobq implements the pipeline's job queue as a visibility-timeout
// queue backed by SQLite.
//
// Rows are invisible to consumers for a configurable duration after being
// claimed. If the holder processes the row successfully it acks (deletes)
// it; if the holder crashes or exceeds the timeout the row reappears and
// another worker, possibly on another host, claims it. Delivery is
// at-least-once, so every handler must be idempotent.
//
// Four outcomes exist for a handled job:
//
//   - nil error          → acked and deleted.
//   - *ReleaseError      → requeued after the given delay WITHOUT consuming
//     an attempt. Used for scheduling signals such as rate-limit denials.
//   - *PermanentError    → discarded immediately, firing OnFailure. Used
//     for failures a retry cannot fix, such as rejected credentials.
//   - any other error    → requeued after RetryDelay(attempt); once the
//     attempt budget is exhausted, OnFailure fires exactly once and the
//     job is discarded. No failure vanishes silently.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS sync_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    kind        TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT NOT NULL DEFAULT ''
//	);
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Kind      string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// ReleaseError instructs the worker to requeue the job after Delay without
// consuming an attempt. It is a scheduling signal, not a failure.
type ReleaseError struct {
	Delay time.Duration
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("jobq: release for %s", e.Delay)
}

// Release returns a ReleaseError with the given delay.
func Release(delay time.Duration) error {
	return &ReleaseError{Delay: delay}
}

// IsRelease reports whether err is (or wraps) a ReleaseError.
func IsRelease(err error) bool {
	var rel *ReleaseError
	return errors.As(err, &rel)
}

// PermanentError marks a failure a retry cannot fix. The worker discards
// the job immediately, firing OnFailure, instead of burning the remaining
// attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues coexist in one table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits handler executions per job before OnFailure fires
	// and the job is discarded. 0 means unlimited. Default: 0.
	MaxAttempts int
	// RetryDelay maps the attempt number (1-indexed) to the requeue delay
	// after a handler error. Default: immediate redelivery.
	RetryDelay func(attempt int) time.Duration
	// OnFailure is invoked once when a job exhausts MaxAttempts, with the
	// last handler error. Optional.
	OnFailure func(ctx context.Context, job *Job, lastErr error)
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Clock overrides the real clock (tests).
	Clock quartz.Clock
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryDelay == nil {
		o.RetryDelay = func(int) time.Duration { return 0 }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Publish
// and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the sync_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sync_jobs_visible ON sync_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job visible after the given delay (0 = immediately).
func (q *Q) Publish(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	now := q.opts.Clock.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, queue, kind, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?,?)`,
		id, q.opts.Queue, kind, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	return err
}

// PublishOnce inserts a job unless one with the same ID already exists.
// With deterministic IDs this gives single-active-job discipline per key:
// a second publish while the first is pending or in flight is a no-op.
// Returns true if the job was inserted.
func (q *Q) PublishOnce(ctx context.Context, id, kind string, payload []byte, delay time.Duration) (bool, error) {
	now := q.opts.Clock.Now()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, queue, kind, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT (id) DO NOTHING`,
		id, q.opts.Queue, kind, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// visibility duration, and increments its attempt counter. Returns nil, nil
// if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := q.opts.Clock.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, kind, payload, visible_at, created_at, attempts, last_error`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// ReleaseJob requeues a job after delay without consuming an attempt.
// Used when a rate-limit denial schedules redelivery rather than retrying.
func (q *Q) ReleaseJob(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := q.opts.Clock.Now().Add(delay).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET visible_at = ?, attempts = max(0, attempts - 1)
		 WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue,
	)
	return err
}

// Nack records the handler error and requeues the job after delay. The
// attempt stays consumed.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration, handlerErr error) error {
	visibleAt := q.opts.Clock.Now().Add(delay).UnixMilli()
	msg := ""
	if handlerErr != nil {
		msg = handlerErr.Error()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_jobs SET visible_at = ?, last_error = ? WHERE id = ? AND queue = ?`,
		visibleAt, msg, id, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Handler processes a claimed job.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("jobq: consumer started",
		"queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.poll(ctx, handler)
		}
	}
}

// poll drains visible jobs one at a time until the queue is empty.
func (q *Q) poll(ctx context.Context, handler Handler) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			q.opts.Logger.Warn("jobq: claim failed", "error", err, "queue", q.opts.Queue)
			return
		}
		if job == nil {
			return
		}
		q.dispatch(ctx, job, handler)
	}
}

// dispatch runs the handler for one claimed job and settles its outcome.
func (q *Q) dispatch(ctx context.Context, job *Job, handler Handler) {
	log := q.opts.Logger

	err := handler(ctx, job)
	if err == nil {
		if aerr := q.Ack(ctx, job.ID); aerr != nil {
			log.Warn("jobq: ack failed", "id", job.ID, "error", aerr)
		}
		return
	}

	var rel *ReleaseError
	if errors.As(err, &rel) {
		log.Debug("jobq: job released",
			"id", job.ID, "kind", job.Kind, "delay", rel.Delay)
		if rerr := q.ReleaseJob(ctx, job.ID, rel.Delay); rerr != nil {
			log.Warn("jobq: release failed", "id", job.ID, "error", rerr)
		}
		return
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		log.Error("jobq: job failed permanently",
			"id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
		if q.opts.OnFailure != nil {
			q.opts.OnFailure(ctx, job, err)
		}
		if aerr := q.Ack(ctx, job.ID); aerr != nil {
			log.Warn("jobq: discard failed", "id", job.ID, "error", aerr)
		}
		return
	}

	if q.opts.MaxAttempts > 0 && job.Attempts >= q.opts.MaxAttempts {
		log.Error("jobq: job failed permanently",
			"id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
		if q.opts.OnFailure != nil {
			q.opts.OnFailure(ctx, job, err)
		}
		if aerr := q.Ack(ctx, job.ID); aerr != nil {
			log.Warn("jobq: discard failed", "id", job.ID, "error", aerr)
		}
		return
	}

	delay := q.opts.RetryDelay(job.Attempts)
	log.Warn("jobq: handler failed, requeueing",
		"id", job.ID, "kind", job.Kind, "attempt", job.Attempts, "delay", delay, "error", err)
	if nerr := q.Nack(ctx, job.ID, delay, err); nerr != nil {
		log.Warn("jobq: nack failed", "id", job.ID, "error", nerr)
	}
}

// RunBatch polls in batches and processes jobs with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("jobq: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: batch consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("jobq: batch consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.batchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("jobq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.ReleaseJob(ctx, job.ID, 0)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					q.dispatch(context.WithoutCancel(ctx), j, handler)
				}(job)
			}
		}
	}
}

// batchClaim atomically claims up to n visible jobs.
func (q *Q) batchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Clock.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE sync_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, kind, payload, visible_at, created_at, attempts, last_error`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var visAt, creAt int64
	err := scan(&j.ID, &j.Queue, &j.Kind, &j.Payload, &visAt, &creAt, &j.Attempts, &j.LastError)
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}
