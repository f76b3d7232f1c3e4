package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a project by ID, or nil when it does not exist.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CreateAccount inserts a provider account.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, project_id, name, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID, or nil when it does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, created_at FROM accounts WHERE id = ?`, id)
	var a Account
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

const entityCols = `id, project_id, account_id, source, external_ref,
	conversion_goals, fetch_interval, enabled, last_synced_at,
	last_status, last_error, fail_count, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var lastSynced sql.NullInt64
	err := row.Scan(&e.ID, &e.ProjectID, &e.AccountID, &e.Source,
		&e.ExternalRef, &e.ConversionGoals, &e.FetchInterval, &e.Enabled,
		&lastSynced, &e.LastStatus, &e.LastError, &e.FailCount,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.LastSyncedAt = lastSynced.Int64
	return &e, nil
}

// CreateEntity inserts an entity.
func (s *Store) CreateEntity(ctx context.Context, e *Entity) error {
	now := s.nowMs()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.ConversionGoals == "" {
		e.ConversionGoals = "[]"
	}
	if e.LastStatus == "" {
		e.LastStatus = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, project_id, account_id, source, external_ref,
			conversion_goals, fetch_interval, enabled, last_synced_at,
			last_status, last_error, fail_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.AccountID, e.Source, e.ExternalRef,
		e.ConversionGoals, e.FetchInterval, e.Enabled, e.LastSyncedAt,
		e.LastStatus, e.LastError, e.FailCount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// GetEntity returns an entity by ID, or nil when it does not exist.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityCols+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns all entities of a project, optionally filtered by
// source ("" means all sources).
func (s *Store) ListEntities(ctx context.Context, projectID, source string) ([]*Entity, error) {
	q := `SELECT ` + entityCols + ` FROM entities WHERE project_id = ?`
	args := []any{projectID}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DueEntities returns enabled entities whose fetch interval has elapsed
// since the last successful sync. Never-synced entities are always due.
func (s *Store) DueEntities(ctx context.Context, now int64, limit int) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityCols+` FROM entities
		WHERE enabled = 1
		  AND (last_synced_at IS NULL OR last_synced_at + fetch_interval <= ?)
		ORDER BY last_synced_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due entities: %w", err)
	}
	defer rows.Close()
	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordSyncSuccess marks an entity as synced now and clears error state.
func (s *Store) RecordSyncSuccess(ctx context.Context, entityID string) error {
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET last_synced_at = ?, last_status = ?, last_error = '',
		    fail_count = 0, updated_at = ?
		WHERE id = ?`, now, StatusOK, now, entityID)
	if err != nil {
		return fmt.Errorf("record sync success: %w", err)
	}
	return nil
}

// RecordSyncError records a failed sync attempt and bumps the fail count.
// last_synced_at is left untouched so the entity stays due.
func (s *Store) RecordSyncError(ctx context.Context, entityID, msg string) error {
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET last_status = ?, last_error = ?, fail_count = fail_count + 1,
		    updated_at = ?
		WHERE id = ?`, StatusError, msg, now, entityID)
	if err != nil {
		return fmt.Errorf("record sync error: %w", err)
	}
	return nil
}

// SetEntityEnabled flips an entity's enabled flag.
func (s *Store) SetEntityEnabled(ctx context.Context, entityID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, s.nowMs(), entityID)
	if err != nil {
		return fmt.Errorf("set entity enabled: %w", err)
	}
	return nil
}
