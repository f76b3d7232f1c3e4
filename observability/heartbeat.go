package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// runtimeStats captures Go process health at a point in time.
type runtimeStats struct {
	goroutines int
	heapMB     float64
	sysMB      float64
	gcCount    uint32
}

func collectRuntimeStats() runtimeStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return runtimeStats{
		goroutines: runtime.NumGoroutine(),
		heapMB:     float64(mem.Alloc) / 1024 / 1024,
		sysMB:      float64(mem.Sys) / 1024 / 1024,
		gcCount:    mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
type HeartbeatWriter struct {
	db       *sql.DB
	worker   string
	hostname string
	pid      int
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer for the named worker. A 15s interval
// is a reasonable default.
func NewHeartbeatWriter(db *sql.DB, worker string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		worker:   worker,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. One beat is written immediately,
// then one per interval until Stop or context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Beat writes a single heartbeat row with current runtime stats.
func (hw *HeartbeatWriter) Beat() error {
	s := collectRuntimeStats()
	_, err := hw.db.Exec(`
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, beat_at,
			goroutines, heap_mb, sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.worker, hw.hostname, hw.pid, time.Now().Unix(),
		s.goroutines, s.heapMB, s.sysMB, s.gcCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.Beat(); err != nil {
		slog.Error("heartbeat write failed", "error", err, "worker", hw.worker)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.Beat(); err != nil {
				slog.Error("heartbeat write failed", "error", err, "worker", hw.worker)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a worker with a staleness
// verdict computed against the caller's threshold.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	BeatAt     time.Time `json:"beat_at"`
	Goroutines int       `json:"goroutines"`
	HeapMB     float64   `json:"heap_mb"`
	SysMB      float64   `json:"sys_mb"`
	GCCount    int       `json:"gc_count"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for the worker, or
// nil, nil when none has been recorded. staleAfter is the alive boundary,
// typically three times the writer interval.
func LatestHeartbeat(ctx context.Context, db *sql.DB, worker string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, beat_at,
		       goroutines, heap_mb, sys_mb, gc_count
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY beat_at DESC LIMIT 1`, worker)

	var hs HeartbeatStatus
	var beatAt int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &beatAt,
		&hs.Goroutines, &hs.HeapMB, &hs.SysMB, &hs.GCCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.BeatAt = time.Unix(beatAt, 0)
	hs.Alive = time.Since(hs.BeatAt) <= staleAfter
	return &hs, nil
}
