package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
)

// Metric names emitted by the pipeline.
const (
	MetricFetchDurationMs     = "fetch_duration_ms"
	MetricParseDurationMs     = "parse_duration_ms"
	MetricParseRecords        = "parse_records"
	MetricAggregateDurationMs = "aggregate_duration_ms"
	MetricRateLimitDeferrals  = "rate_limit_deferrals"
	MetricProviderStatus      = "provider_status"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name       string            `json:"name"`
	RecordedAt time.Time         `json:"recorded_at"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	Unit       string            `json:"unit,omitempty"` // "milliseconds", "count"
}

// MetricsManager buffers datapoints and flushes them to SQLite in batches.
// Record never blocks on the database.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts the flush loop. bufferSize 100 and a 5s interval
// are reasonable defaults.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a datapoint. A full buffer triggers an inline flush.
func (mm *MetricsManager) Record(m Metric) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Observe is a convenience helper for unlabelled datapoints.
func (mm *MetricsManager) Observe(name string, value float64, unit string) {
	mm.Record(Metric{Name: name, Value: value, Unit: unit})
}

// Query retrieves datapoints for a metric name, newest first. Empty name
// matches all metrics; nil time bounds are unbounded; limit 0 is unlimited.
func (mm *MetricsManager) Query(ctx context.Context, name string, since, until *time.Time, limit int) ([]Metric, error) {
	q := "SELECT name, recorded_at, value, labels, unit FROM pipeline_metrics WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND name = ?"
		args = append(args, name)
	}
	if since != nil {
		q += " AND recorded_at >= ?"
		args = append(args, since.Unix())
	}
	if until != nil {
		q += " AND recorded_at <= ?"
		args = append(args, until.Unix())
	}
	q += " ORDER BY recorded_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var recordedAt int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &recordedAt, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.RecordedAt = time.Unix(recordedAt, 0)
		m.Unit = unit.String
		if labels.Valid {
			var lm map[string]string
			if json.Unmarshal([]byte(labels.String), &lm) == nil {
				m.Labels = lm
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close flushes the remaining buffer and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

// flushLocked writes the buffer in one transaction. Caller holds mm.mu.
func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO pipeline_metrics (name, recorded_at, value, labels, unit) VALUES (?,?,?,?,?)")
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, m := range mm.buffer {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.RecordedAt.Unix(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("metrics flush", "error", err)
		return
	}
	mm.buffer = mm.buffer[:0]
}
