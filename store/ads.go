package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
)

// UpsertAdFacts replaces the stored measures for each campaign-month.
func (s *Store) UpsertAdFacts(ctx context.Context, facts []*AdFact) error {
	if len(facts) == 0 {
		return nil
	}
	now := s.nowMs()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, f := range facts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ad_monthly (project_id, entity_id, name, year, month,
					impressions, clicks, cost, conversions, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (project_id, entity_id, year, month) DO UPDATE SET
					name = excluded.name,
					impressions = excluded.impressions,
					clicks = excluded.clicks,
					cost = excluded.cost,
					conversions = excluded.conversions,
					updated_at = excluded.updated_at`,
				f.ProjectID, f.EntityID, f.Name, f.Year, f.Month,
				f.Impressions, f.Clicks, f.Cost, f.Conversions, now)
			if err != nil {
				return fmt.Errorf("upsert ad fact %s %d-%02d: %w",
					f.EntityID, f.Year, f.Month, err)
			}
		}
		return nil
	})
}

// AdFactsForMonth returns all campaign facts of a project for one month.
func (s *Store) AdFactsForMonth(ctx context.Context, projectID string, year, month int) ([]*AdFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, entity_id, name, year, month,
		       impressions, clicks, cost, conversions, updated_at
		FROM ad_monthly
		WHERE project_id = ? AND year = ? AND month = ?
		ORDER BY entity_id`, projectID, year, month)
	if err != nil {
		return nil, fmt.Errorf("ad facts for month: %w", err)
	}
	defer rows.Close()
	var out []*AdFact
	for rows.Next() {
		var f AdFact
		if err := rows.Scan(&f.ProjectID, &f.EntityID, &f.Name, &f.Year,
			&f.Month, &f.Impressions, &f.Clicks, &f.Cost, &f.Conversions,
			&f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ad fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
