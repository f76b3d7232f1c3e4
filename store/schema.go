// Package store persists the pipeline's durable state: accounts and
// entities, append-only raw API responses, per-source monthly fact tables,
// project-level summaries, and encrypted provider tokens.
//
// Every repository method takes a context and returns explicit errors.
// Upserts replace the full measure set for a key rather than accumulating,
// so reprocessing the same input leaves stored state unchanged.
package store

import "database/sql"

// Schema is the complete pipeline schema. All statements are idempotent.
const Schema = `
-- Projects group entities for reporting.
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

-- Provider accounts: one credential set sharing one rate-limit quota.
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

-- Entities: trackable units (analytics counter, ad account) under an account.
CREATE TABLE IF NOT EXISTS entities (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    source           TEXT NOT NULL,
    external_ref     TEXT NOT NULL,
    conversion_goals TEXT NOT NULL DEFAULT '[]',
    fetch_interval   INTEGER NOT NULL DEFAULT 86400000,
    enabled          INTEGER NOT NULL DEFAULT 1,
    last_synced_at   INTEGER,
    last_status      TEXT NOT NULL DEFAULT 'pending',
    last_error       TEXT NOT NULL DEFAULT '',
    fail_count       INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_due ON entities(enabled, last_synced_at);
CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(project_id);

-- Raw API responses: append-only audit trail of exactly what was received.
-- Created by the fetch stage; only processed_at, response_code and
-- error_message are mutated afterwards (by the parse stage). Never deleted.
CREATE TABLE IF NOT EXISTS raw_api_responses (
    id             TEXT PRIMARY KEY,
    project_id     TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    source         TEXT NOT NULL,
    endpoint       TEXT NOT NULL,
    request_params TEXT NOT NULL DEFAULT '{}',
    response_data  TEXT NOT NULL DEFAULT '{}',
    response_code  INTEGER NOT NULL DEFAULT 0,
    processed_at   INTEGER,
    error_message  TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_unprocessed ON raw_api_responses(processed_at, created_at);
CREATE INDEX IF NOT EXISTS idx_raw_entity ON raw_api_responses(entity_id, created_at DESC);

-- Monthly facts, one table per source. Composite key, replace-on-upsert.
CREATE TABLE IF NOT EXISTS traffic_monthly (
    project_id       TEXT NOT NULL,
    entity_id        TEXT NOT NULL,
    year             INTEGER NOT NULL,
    month            INTEGER NOT NULL,
    visits           INTEGER NOT NULL DEFAULT 0,
    users            INTEGER NOT NULL DEFAULT 0,
    bounce_rate      REAL NOT NULL DEFAULT 0,
    avg_duration_sec REAL NOT NULL DEFAULT 0,
    conversions      INTEGER NOT NULL DEFAULT 0,
    age_groups       TEXT NOT NULL DEFAULT '{}',
    updated_at       INTEGER NOT NULL,
    PRIMARY KEY (project_id, entity_id, year, month)
);

CREATE TABLE IF NOT EXISTS ad_monthly (
    project_id   TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    year         INTEGER NOT NULL,
    month        INTEGER NOT NULL,
    impressions  INTEGER NOT NULL DEFAULT 0,
    clicks       INTEGER NOT NULL DEFAULT 0,
    cost         REAL NOT NULL DEFAULT 0,
    conversions  INTEGER NOT NULL DEFAULT 0,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (project_id, entity_id, year, month)
);

-- Search facts key on the (query, url) content pair in addition to the
-- entity: the provider stops reporting a query once it drops out of
-- tracked results, and the parse stage prunes vanished pairs per month.
CREATE TABLE IF NOT EXISTS search_monthly (
    project_id   TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    query        TEXT NOT NULL,
    url          TEXT NOT NULL,
    year         INTEGER NOT NULL,
    month        INTEGER NOT NULL,
    position     REAL NOT NULL DEFAULT 0,
    impressions  INTEGER NOT NULL DEFAULT 0,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (project_id, entity_id, query, url, year, month)
);

-- Project-level summaries, one table per source, rebuilt wholesale per
-- aggregation run (delete-then-insert), never incrementally patched.
CREATE TABLE IF NOT EXISTS traffic_summary (
    project_id       TEXT NOT NULL,
    year             INTEGER NOT NULL,
    month            INTEGER NOT NULL,
    visits           INTEGER NOT NULL DEFAULT 0,
    users            INTEGER NOT NULL DEFAULT 0,
    conversions      INTEGER NOT NULL DEFAULT 0,
    bounce_rate      REAL NOT NULL DEFAULT 0,
    avg_duration_sec REAL NOT NULL DEFAULT 0,
    age_groups       TEXT NOT NULL DEFAULT '{}',
    top_by_visits    TEXT NOT NULL DEFAULT '[]',
    top_by_conversions TEXT NOT NULL DEFAULT '[]',
    top_by_conv_rate TEXT NOT NULL DEFAULT '[]',
    generated_at     INTEGER NOT NULL,
    PRIMARY KEY (project_id, year, month)
);

CREATE TABLE IF NOT EXISTS ad_summary (
    project_id         TEXT NOT NULL,
    year               INTEGER NOT NULL,
    month              INTEGER NOT NULL,
    impressions        INTEGER NOT NULL DEFAULT 0,
    clicks             INTEGER NOT NULL DEFAULT 0,
    cost               REAL NOT NULL DEFAULT 0,
    conversions        INTEGER NOT NULL DEFAULT 0,
    top_by_cost        TEXT NOT NULL DEFAULT '[]',
    top_by_conversions TEXT NOT NULL DEFAULT '[]',
    top_by_efficiency  TEXT NOT NULL DEFAULT '[]',
    generated_at       INTEGER NOT NULL,
    PRIMARY KEY (project_id, year, month)
);

CREATE TABLE IF NOT EXISTS search_summary (
    project_id     TEXT NOT NULL,
    year           INTEGER NOT NULL,
    month          INTEGER NOT NULL,
    query_count    INTEGER NOT NULL DEFAULT 0,
    impressions    INTEGER NOT NULL DEFAULT 0,
    avg_position   REAL NOT NULL DEFAULT 0,
    top_by_impressions TEXT NOT NULL DEFAULT '[]',
    generated_at   INTEGER NOT NULL,
    PRIMARY KEY (project_id, year, month)
);

-- Provider tokens: ciphertext only, encrypted by tokencrypt at the boundary.
CREATE TABLE IF NOT EXISTS provider_tokens (
    account_id        TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
    access_token_enc  TEXT NOT NULL,
    refresh_token_enc TEXT NOT NULL DEFAULT '',
    expires_at        INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL
);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
