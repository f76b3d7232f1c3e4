// Package observability provides SQLite-native monitoring for the sync
// pipeline: stage events, worker heartbeats, buffered metrics and retention
// cleanup.
//
// All writers are non-blocking from the caller's perspective. A failing
// monitoring store logs via slog and never propagates an error into a sync
// stage.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/idgen"
)

// Pipeline stage names as recorded in stage_events.
const (
	StageFetch     = "fetch"
	StageParse     = "parse"
	StageAggregate = "aggregate"
	StageScheduler = "scheduler"
)

// StageEvent is one recorded pipeline outcome.
type StageEvent struct {
	EventID    string    `json:"event_id"`
	Stage      string    `json:"stage"`
	ProjectID  string    `json:"project_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Action     string    `json:"action"` // e.g. "capture_stored", "job_failed"
	Detail     string    `json:"detail,omitempty"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventLogger writes stage events synchronously. Inserts are single-row and
// cheap; errors are logged, not returned.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator overrides the default event ID strategy.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given database. Init must
// have been applied to db.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records a stage event. The event's ID and timestamp are filled when
// absent.
func (l *EventLogger) Log(ctx context.Context, ev StageEvent) {
	if ev.EventID == "" {
		ev.EventID = l.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO stage_events (
			event_id, stage, project_id, entity_id, source,
			action, detail, success, duration_ms, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.EventID, ev.Stage, ev.ProjectID, ev.EntityID, ev.Source,
		ev.Action, ev.Detail, ev.Success, ev.DurationMs, ev.CreatedAt.Unix())
	if err != nil {
		slog.Error("stage event write failed", "error", err, "stage", ev.Stage, "action", ev.Action)
	}
}

// EventFilter narrows RecentEvents results. Zero values mean unfiltered.
type EventFilter struct {
	Stage    string
	EntityID string
	Limit    int // default 100
}

// RecentEvents returns events matching the filter, newest first.
func (l *EventLogger) RecentEvents(ctx context.Context, f EventFilter) ([]StageEvent, error) {
	q := `SELECT event_id, stage, project_id, entity_id, source,
		action, detail, success, duration_ms, created_at
		FROM stage_events WHERE 1=1`
	var args []any
	if f.Stage != "" {
		q += " AND stage = ?"
		args = append(args, f.Stage)
	}
	if f.EntityID != "" {
		q += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var ev StageEvent
		var projectID, entityID, source, detail sql.NullString
		var durationMs sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&ev.EventID, &ev.Stage, &projectID, &entityID, &source,
			&ev.Action, &detail, &ev.Success, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		ev.ProjectID = projectID.String
		ev.EntityID = entityID.String
		ev.Source = source.String
		ev.Detail = detail.String
		ev.DurationMs = durationMs.Int64
		ev.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}
