package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
)

// UpsertTrafficFacts replaces the stored measures for each entity-month in
// facts. Re-parsing the same payload writes identical rows.
func (s *Store) UpsertTrafficFacts(ctx context.Context, facts []*TrafficFact) error {
	if len(facts) == 0 {
		return nil
	}
	now := s.nowMs()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, f := range facts {
			if err := s.upsertTrafficFact(ctx, tx, f, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) upsertTrafficFact(ctx context.Context, tx *sql.Tx, f *TrafficFact, now int64) error {
	_, err := tx.ExecContext(ctx, `
			INSERT INTO traffic_monthly (project_id, entity_id, year, month,
				visits, users, bounce_rate, avg_duration_sec, conversions,
				age_groups, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id, entity_id, year, month) DO UPDATE SET
				visits = excluded.visits,
				users = excluded.users,
				bounce_rate = excluded.bounce_rate,
				avg_duration_sec = excluded.avg_duration_sec,
				conversions = excluded.conversions,
				age_groups = excluded.age_groups,
				updated_at = excluded.updated_at`,
		f.ProjectID, f.EntityID, f.Year, f.Month,
		f.Visits, f.Users, f.BounceRate, f.AvgDurationSec, f.Conversions,
		f.AgeGroups, now)
	if err != nil {
		return fmt.Errorf("upsert traffic fact %s %d-%02d: %w",
			f.EntityID, f.Year, f.Month, err)
	}
	return nil
}

// TrafficFactsForMonth returns all traffic facts of a project for one month.
func (s *Store) TrafficFactsForMonth(ctx context.Context, projectID string, year, month int) ([]*TrafficFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, entity_id, year, month, visits, users,
		       bounce_rate, avg_duration_sec, conversions, age_groups, updated_at
		FROM traffic_monthly
		WHERE project_id = ? AND year = ? AND month = ?
		ORDER BY entity_id`, projectID, year, month)
	if err != nil {
		return nil, fmt.Errorf("traffic facts for month: %w", err)
	}
	defer rows.Close()
	var out []*TrafficFact
	for rows.Next() {
		var f TrafficFact
		if err := rows.Scan(&f.ProjectID, &f.EntityID, &f.Year, &f.Month,
			&f.Visits, &f.Users, &f.BounceRate, &f.AvgDurationSec,
			&f.Conversions, &f.AgeGroups, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan traffic fact: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
