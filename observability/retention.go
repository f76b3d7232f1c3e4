package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig sets per-table retention in days. Zero disables cleanup
// for that table.
type RetentionConfig struct {
	StageEventsDays int
	HeartbeatsDays  int
	MetricsDays     int
	// Vacuum reclaims file space after the deletes. Takes a full-database
	// lock; schedule accordingly.
	Vacuum bool
}

// Cleanup deletes monitoring rows older than the configured retention and
// returns the total number removed. Intended to run on a slow timer, not on
// the hot path.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) (int64, error) {
	now := time.Now().Unix()
	targets := []struct {
		table  string
		column string
		days   int
	}{
		{"stage_events", "created_at", cfg.StageEventsDays},
		{"worker_heartbeats", "beat_at", cfg.HeartbeatsDays},
		{"pipeline_metrics", "recorded_at", cfg.MetricsDays},
	}

	var total int64
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days)*86400
		res, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		total += n
	}

	if cfg.Vacuum {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return total, fmt.Errorf("vacuum: %w", err)
		}
	}
	return total, nil
}
