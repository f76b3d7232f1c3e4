package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
)

// NeedsAggregation reports whether the project-month has fact rows newer
// than its summaries. False when no facts exist at all. The scheduler uses
// this so settled periods are re-rolled only after new data lands.
func (s *Store) NeedsAggregation(ctx context.Context, projectID string, year, month int) (bool, error) {
	var factAt, genAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(u), 0) FROM (
			SELECT MAX(updated_at) AS u FROM traffic_monthly
				WHERE project_id = ? AND year = ? AND month = ?
			UNION ALL
			SELECT MAX(updated_at) FROM ad_monthly
				WHERE project_id = ? AND year = ? AND month = ?
			UNION ALL
			SELECT MAX(updated_at) FROM search_monthly
				WHERE project_id = ? AND year = ? AND month = ?
		)`,
		projectID, year, month, projectID, year, month,
		projectID, year, month).Scan(&factAt)
	if err != nil {
		return false, fmt.Errorf("needs aggregation: facts: %w", err)
	}
	if factAt == 0 {
		return false, nil
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(g), 0) FROM (
			SELECT MAX(generated_at) AS g FROM traffic_summary
				WHERE project_id = ? AND year = ? AND month = ?
			UNION ALL
			SELECT MAX(generated_at) FROM ad_summary
				WHERE project_id = ? AND year = ? AND month = ?
			UNION ALL
			SELECT MAX(generated_at) FROM search_summary
				WHERE project_id = ? AND year = ? AND month = ?
		)`,
		projectID, year, month, projectID, year, month,
		projectID, year, month).Scan(&genAt)
	if err != nil {
		return false, fmt.Errorf("needs aggregation: summaries: %w", err)
	}
	return factAt > genAt, nil
}

// ReplaceTrafficSummary deletes and rewrites the project-month traffic
// rollup. Delete-then-insert keeps reruns byte-identical regardless of the
// previous row's contents.
func (s *Store) ReplaceTrafficSummary(ctx context.Context, sum *TrafficSummary) error {
	if sum.GeneratedAt == 0 {
		sum.GeneratedAt = s.nowMs()
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM traffic_summary
			WHERE project_id = ? AND year = ? AND month = ?`,
			sum.ProjectID, sum.Year, sum.Month)
		if err != nil {
			return fmt.Errorf("delete traffic summary: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO traffic_summary (project_id, year, month, visits, users,
				conversions, bounce_rate, avg_duration_sec, age_groups,
				top_by_visits, top_by_conversions, top_by_conv_rate, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.ProjectID, sum.Year, sum.Month, sum.Visits, sum.Users,
			sum.Conversions, sum.BounceRate, sum.AvgDurationSec, sum.AgeGroups,
			sum.TopByVisits, sum.TopByConversions, sum.TopByConvRate,
			sum.GeneratedAt)
		if err != nil {
			return fmt.Errorf("insert traffic summary: %w", err)
		}
		return nil
	})
}

// DeleteTrafficSummary removes the project-month traffic rollup if present.
func (s *Store) DeleteTrafficSummary(ctx context.Context, projectID string, year, month int) error {
	_, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM traffic_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	if err != nil {
		return fmt.Errorf("delete traffic summary: %w", err)
	}
	return nil
}

// GetTrafficSummary returns the project-month traffic rollup, or nil.
func (s *Store) GetTrafficSummary(ctx context.Context, projectID string, year, month int) (*TrafficSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, year, month, visits, users, conversions,
		       bounce_rate, avg_duration_sec, age_groups, top_by_visits,
		       top_by_conversions, top_by_conv_rate, generated_at
		FROM traffic_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	var t TrafficSummary
	err := row.Scan(&t.ProjectID, &t.Year, &t.Month, &t.Visits, &t.Users,
		&t.Conversions, &t.BounceRate, &t.AvgDurationSec, &t.AgeGroups,
		&t.TopByVisits, &t.TopByConversions, &t.TopByConvRate, &t.GeneratedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get traffic summary: %w", err)
	}
	return &t, nil
}

// ReplaceAdSummary deletes and rewrites the project-month ad rollup.
func (s *Store) ReplaceAdSummary(ctx context.Context, sum *AdSummary) error {
	if sum.GeneratedAt == 0 {
		sum.GeneratedAt = s.nowMs()
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM ad_summary
			WHERE project_id = ? AND year = ? AND month = ?`,
			sum.ProjectID, sum.Year, sum.Month)
		if err != nil {
			return fmt.Errorf("delete ad summary: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ad_summary (project_id, year, month, impressions, clicks,
				cost, conversions, top_by_cost, top_by_conversions,
				top_by_efficiency, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.ProjectID, sum.Year, sum.Month, sum.Impressions, sum.Clicks,
			sum.Cost, sum.Conversions, sum.TopByCost, sum.TopByConversions,
			sum.TopByEfficiency, sum.GeneratedAt)
		if err != nil {
			return fmt.Errorf("insert ad summary: %w", err)
		}
		return nil
	})
}

// DeleteAdSummary removes the project-month ad rollup if present.
func (s *Store) DeleteAdSummary(ctx context.Context, projectID string, year, month int) error {
	_, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM ad_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	if err != nil {
		return fmt.Errorf("delete ad summary: %w", err)
	}
	return nil
}

// GetAdSummary returns the project-month ad rollup, or nil.
func (s *Store) GetAdSummary(ctx context.Context, projectID string, year, month int) (*AdSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, year, month, impressions, clicks, cost,
		       conversions, top_by_cost, top_by_conversions,
		       top_by_efficiency, generated_at
		FROM ad_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	var a AdSummary
	err := row.Scan(&a.ProjectID, &a.Year, &a.Month, &a.Impressions,
		&a.Clicks, &a.Cost, &a.Conversions, &a.TopByCost,
		&a.TopByConversions, &a.TopByEfficiency, &a.GeneratedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get ad summary: %w", err)
	}
	return &a, nil
}

// ReplaceSearchSummary deletes and rewrites the project-month search rollup.
func (s *Store) ReplaceSearchSummary(ctx context.Context, sum *SearchSummary) error {
	if sum.GeneratedAt == 0 {
		sum.GeneratedAt = s.nowMs()
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM search_summary
			WHERE project_id = ? AND year = ? AND month = ?`,
			sum.ProjectID, sum.Year, sum.Month)
		if err != nil {
			return fmt.Errorf("delete search summary: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO search_summary (project_id, year, month, query_count,
				impressions, avg_position, top_by_impressions, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.ProjectID, sum.Year, sum.Month, sum.QueryCount,
			sum.Impressions, sum.AvgPosition, sum.TopByImpressions,
			sum.GeneratedAt)
		if err != nil {
			return fmt.Errorf("insert search summary: %w", err)
		}
		return nil
	})
}

// DeleteSearchSummary removes the project-month search rollup if present.
func (s *Store) DeleteSearchSummary(ctx context.Context, projectID string, year, month int) error {
	_, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM search_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	if err != nil {
		return fmt.Errorf("delete search summary: %w", err)
	}
	return nil
}

// GetSearchSummary returns the project-month search rollup, or nil.
func (s *Store) GetSearchSummary(ctx context.Context, projectID string, year, month int) (*SearchSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, year, month, query_count, impressions,
		       avg_position, top_by_impressions, generated_at
		FROM search_summary
		WHERE project_id = ? AND year = ? AND month = ?`,
		projectID, year, month)
	var r SearchSummary
	err := row.Scan(&r.ProjectID, &r.Year, &r.Month, &r.QueryCount,
		&r.Impressions, &r.AvgPosition, &r.TopByImpressions, &r.GeneratedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get search summary: %w", err)
	}
	return &r, nil
}
