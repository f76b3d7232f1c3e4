package store

import (
	"database/sql"
	"time"
)

// Store wraps the pipeline database with typed repository methods.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a Store over db. The schema must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying handle for callers that share the connection,
// such as the job queue and the rate limiter.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }
