package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
)

// ReplaceSearchFacts replaces the full (query, url) set for one
// entity-month in a single transaction. Pairs absent from facts are
// removed: the provider only reports currently tracked results, so a
// vanished pair means the query dropped out of tracking that month.
// Rows of other months and other entities are never touched.
func (s *Store) ReplaceSearchFacts(ctx context.Context, projectID, entityID string, year, month int, facts []*SearchFact) error {
	now := s.nowMs()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM search_monthly
			WHERE project_id = ? AND entity_id = ? AND year = ? AND month = ?`,
			projectID, entityID, year, month)
		if err != nil {
			return fmt.Errorf("prune search facts: %w", err)
		}
		for _, f := range facts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO search_monthly (project_id, entity_id, query, url,
					year, month, position, impressions, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				projectID, entityID, f.Query, f.URL, year, month,
				f.Position, f.Impressions, now)
			if err != nil {
				return fmt.Errorf("insert search fact %q: %w", f.Query, err)
			}
		}
		return nil
	})
}

// SearchFactsForMonth returns all search facts of a project for one month.
func (s *Store) SearchFactsForMonth(ctx context.Context, projectID string, year, month int) ([]*SearchFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, entity_id, query, url, year, month,
		       position, impressions, updated_at
		FROM search_monthly
		WHERE project_id = ? AND year = ? AND month = ?
		ORDER BY query, url`, projectID, year, month)
	if err != nil {
		return nil, fmt.Errorf("search facts for month: %w", err)
	}
	defer rows.Close()
	var out []*SearchFact
	for rows.Next() {
		var f SearchFact
		if err := rows.Scan(&f.ProjectID, &f.EntityID, &f.Query, &f.URL,
			&f.Year, &f.Month, &f.Position, &f.Impressions,
			&f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan search fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
