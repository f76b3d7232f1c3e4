// Package ratelimit enforces a per-account moving-window cap on outgoing
// provider calls with a leaky bucket shared by all workers.
//
// Bucket state lives in a SQLite table visible to every worker process, not
// in per-process memory. Admission is a single conditional UPDATE so two
// workers evaluating the same account concurrently cannot lose an update:
// the statement recomputes the decayed level and admits in one atomic step.
// A denied request leaves the row untouched; decay is derived from
// last_refill_ms on the next observation, so skipping the write loses
// nothing.
//
// On any storage failure the limiter fails open: blocking the whole sync
// because the bucket table is unavailable is worse than briefly exceeding
// the provider quota. Degraded-mode admissions are logged, not errored.
package ratelimit

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"time"

	"github.com/coder/quartz"
)

// Schema creates the bucket table. Applied by the caller at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    account_id      TEXT PRIMARY KEY,
    tokens          REAL NOT NULL DEFAULT 0,
    last_refill_ms  INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
`

// Config configures the limiter.
type Config struct {
	// Limit is the admitted cost budget per Window. Default: 60.
	Limit float64
	// Window is the moving-window length. Default: 60s.
	Window time.Duration
}

func (c *Config) defaults() {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
}

// Limiter is a per-account leaky-bucket admission controller.
type Limiter struct {
	db     *sql.DB
	config Config
	clock  quartz.Clock
	logger *slog.Logger
}

// New creates a Limiter. A nil clock uses the real clock.
func New(db *sql.DB, cfg Config, clock quartz.Clock, logger *slog.Logger) *Limiter {
	cfg.defaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{db: db, config: cfg, clock: clock, logger: logger}
}

// decayPerMs is the continuous leak rate in cost units per millisecond.
func (l *Limiter) decayPerMs() float64 {
	return l.config.Limit / float64(l.config.Window.Milliseconds())
}

// Allow reports whether a request of the given cost is admitted for the
// account, incrementing the bucket if so. Storage failures admit the
// request (fail open) and log a degraded-mode event.
func (l *Limiter) Allow(ctx context.Context, accountID string, cost float64) bool {
	now := l.clock.Now().UnixMilli()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO rate_limit_buckets (account_id, tokens, last_refill_ms, updated_at)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID, now, now)
	if err != nil {
		l.failOpen(accountID, err)
		return true
	}

	// Atomic check-and-update: the decayed level is recomputed inside the
	// statement, so concurrent workers serialize on the row instead of
	// racing a read-then-write sequence.
	res, err := l.db.ExecContext(ctx,
		`UPDATE rate_limit_buckets
		 SET tokens = max(0.0, tokens - (?1 - last_refill_ms) * ?2) + ?3,
		     last_refill_ms = ?1,
		     updated_at = ?1
		 WHERE account_id = ?4
		   AND max(0.0, tokens - (?1 - last_refill_ms) * ?2) + ?3 <= ?5`,
		now, l.decayPerMs(), cost, accountID, l.config.Limit)
	if err != nil {
		l.failOpen(accountID, err)
		return true
	}

	n, err := res.RowsAffected()
	if err != nil {
		l.failOpen(accountID, err)
		return true
	}
	return n > 0
}

// Level returns the current decayed bucket level for the account without
// mutating state. A missing bucket reads as zero.
func (l *Limiter) Level(ctx context.Context, accountID string) (float64, error) {
	now := l.clock.Now().UnixMilli()

	var level float64
	err := l.db.QueryRowContext(ctx,
		`SELECT max(0.0, tokens - (?1 - last_refill_ms) * ?2)
		 FROM rate_limit_buckets WHERE account_id = ?3`,
		now, l.decayPerMs(), accountID).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return level, nil
}

// RetryAfterSeconds computes how long a caller should wait before a request
// of the given cost can be admitted at the given bucket level:
//
//	ceil(((level + cost - limit) * windowSeconds) / limit), floored at 1s.
func (l *Limiter) RetryAfterSeconds(level, cost float64) int {
	windowSec := l.config.Window.Seconds()
	s := math.Ceil((level + cost - l.config.Limit) * windowSec / l.config.Limit)
	if s < 1 {
		s = 1
	}
	return int(s)
}

// RetryAfter reads the account's current level and returns the delay after
// which a request of the given cost should be retried. On storage failure
// it returns the 1-second floor; callers were already denied or degraded.
func (l *Limiter) RetryAfter(ctx context.Context, accountID string, cost float64) time.Duration {
	level, err := l.Level(ctx, accountID)
	if err != nil {
		l.logger.Warn("ratelimit: level read failed", "account_id", accountID, "error", err)
		return time.Second
	}
	return time.Duration(l.RetryAfterSeconds(level, cost)) * time.Second
}

// Reset clears the bucket for an account. Operator action.
func (l *Limiter) Reset(ctx context.Context, accountID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets WHERE account_id = ?`, accountID)
	return err
}

// Sweep deletes buckets idle for longer than twice the window so inactive
// accounts self-clean. Returns the number of buckets removed.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	cutoff := l.clock.Now().UnixMilli() - 2*l.config.Window.Milliseconds()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_buckets WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (l *Limiter) failOpen(accountID string, err error) {
	l.logger.Warn("ratelimit: storage unavailable, failing open",
		"account_id", accountID, "error", err)
}
