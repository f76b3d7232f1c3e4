package observability

import "database/sql"

// Schema is the DDL for the monitoring tables. They live in the same SQLite
// file as the pipeline data but are independent of it: nothing here is read
// by the sync stages, only written.
const Schema = `
-- Stage events: one row per fetch, parse or aggregate outcome.
CREATE TABLE IF NOT EXISTS stage_events (
    event_id    TEXT PRIMARY KEY,
    stage       TEXT NOT NULL,
    project_id  TEXT,
    entity_id   TEXT,
    source      TEXT,
    action      TEXT NOT NULL,
    detail      TEXT,
    success     INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_stage_events_stage
    ON stage_events(stage, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_stage_events_entity
    ON stage_events(entity_id, created_at DESC);

-- Worker heartbeats with Go runtime stats.
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name  TEXT NOT NULL,
    hostname     TEXT NOT NULL,
    worker_pid   INTEGER NOT NULL,
    beat_at      INTEGER NOT NULL,
    goroutines   INTEGER,
    heap_mb      REAL,
    sys_mb       REAL,
    gc_count     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker
    ON worker_heartbeats(worker_name, beat_at DESC);

-- Timeseries metric datapoints, flushed in batches.
CREATE TABLE IF NOT EXISTS pipeline_metrics (
    metric_id  TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    name       TEXT NOT NULL,
    recorded_at INTEGER NOT NULL,
    value      REAL NOT NULL,
    labels     TEXT,
    unit       TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name
    ON pipeline_metrics(name, recorded_at DESC);
`

// Init applies the monitoring schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
