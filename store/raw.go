package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const rawCols = `id, project_id, entity_id, source, endpoint, request_params,
	response_data, response_code, processed_at, error_message, created_at`

func scanRaw(row interface{ Scan(...any) error }) (*RawResponse, error) {
	var r RawResponse
	var processed sql.NullInt64
	err := row.Scan(&r.ID, &r.ProjectID, &r.EntityID, &r.Source, &r.Endpoint,
		&r.RequestParams, &r.ResponseData, &r.ResponseCode, &processed,
		&r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ProcessedAt = processed.Int64
	return &r, nil
}

// InsertRaw appends a captured provider response. Raw rows are immutable
// except for the processing outcome fields.
func (s *Store) InsertRaw(ctx context.Context, r *RawResponse) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = s.nowMs()
	}
	if r.RequestParams == "" {
		r.RequestParams = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_api_responses (id, project_id, entity_id, source,
			endpoint, request_params, response_data, response_code,
			processed_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), ?, ?)`,
		r.ID, r.ProjectID, r.EntityID, r.Source, r.Endpoint,
		r.RequestParams, r.ResponseData, r.ResponseCode,
		r.ProcessedAt, r.ErrorMessage, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert raw response: %w", err)
	}
	return nil
}

// GetRaw returns a raw response by ID, or nil when it does not exist.
func (s *Store) GetRaw(ctx context.Context, id string) (*RawResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rawCols+` FROM raw_api_responses WHERE id = ?`, id)
	r, err := scanRaw(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get raw response: %w", err)
	}
	return r, nil
}

// UnprocessedRawFor returns the newest unprocessed capture for the entity,
// endpoint and fetch window, or nil. The window is matched against the
// window_start/window_end recorded in request_params: a pending capture for
// one window must not suppress fetches of a different window. The fetch
// stage checks this before calling the provider so a retried job never
// creates duplicate captures for a window that is still waiting to be
// parsed.
func (s *Store) UnprocessedRawFor(ctx context.Context, entityID, endpoint, windowStart, windowEnd string) (*RawResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rawCols+` FROM raw_api_responses
		WHERE entity_id = ? AND endpoint = ? AND processed_at IS NULL
		ORDER BY created_at DESC`, entityID, endpoint)
	if err != nil {
		return nil, fmt.Errorf("unprocessed raw for entity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("unprocessed raw for entity: %w", err)
		}
		var params struct {
			WindowStart string `json:"window_start"`
			WindowEnd   string `json:"window_end"`
		}
		if err := json.Unmarshal([]byte(r.RequestParams), &params); err != nil {
			continue
		}
		if params.WindowStart == windowStart && params.WindowEnd == windowEnd {
			return r, nil
		}
	}
	return nil, rows.Err()
}

// MarkRawProcessed records a successful parse of a raw response.
func (s *Store) MarkRawProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_api_responses
		SET processed_at = ?, response_code = 200, error_message = ''
		WHERE id = ?`, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("mark raw processed: %w", err)
	}
	return nil
}

// MarkRawFailed records a parse failure. The row stays unprocessed so the
// payload remains available for reprocessing after a parser fix.
func (s *Store) MarkRawFailed(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_api_responses
		SET response_code = 500, error_message = ?
		WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("mark raw failed: %w", err)
	}
	return nil
}

// ListUnprocessedRaw returns unprocessed captures oldest first.
func (s *Store) ListUnprocessedRaw(ctx context.Context, limit int) ([]*RawResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rawCols+` FROM raw_api_responses
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed raw: %w", err)
	}
	defer rows.Close()
	var out []*RawResponse
	for rows.Next() {
		r, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
