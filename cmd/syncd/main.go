// Command syncd runs the synchronization and aggregation daemon: the
// scheduler, the queue workers for the fetch, parse and aggregate stages,
// and the ops HTTP API.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
	"github.com/GD-TG/analytics-platform-sub000/httpretry"
	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/observability"
	"github.com/GD-TG/analytics-platform-sub000/pipeline"
	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/ratelimit"
	"github.com/GD-TG/analytics-platform-sub000/store"
	"github.com/GD-TG/analytics-platform-sub000/tokencrypt"
	_ "modernc.org/sqlite"
)

func main() {
	cfgPath := "syncd.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(cfgPath, logger); err != nil {
		logger.Error("syncd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string, logger *slog.Logger) error {
	cfg, err := pipeline.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(ratelimit.Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	queue := jobq.New(db, jobq.Options{
		Queue:        "sync",
		Visibility:   cfg.Worker.Visibility,
		PollInterval: cfg.Worker.PollInterval,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RetryDelay:   pipeline.RetryTiers,
		Logger:       logger,
		OnFailure: func(ctx context.Context, job *jobq.Job, lastErr error) {
			logger.Error("job exhausted", "job_id", job.ID, "kind", job.Kind, "error", lastErr)
		},
	})
	if err := queue.EnsureTable(ctx); err != nil {
		return err
	}

	st := store.New(db)

	crypt, err := tokencrypt.New(key)
	if err != nil {
		return err
	}

	retrying := httpClient(cfg, logger)
	client := provider.NewClient(cfg.Provider.BaseURL, retrying, logger)
	tokens := provider.NewTokenSource(st, crypt, client, cfg.Provider.ClientID, cfg.Provider.ClientSecret)
	limiter := ratelimit.New(db, ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
	}, nil, logger)
	breakers := provider.NewBreakerSet()

	fetcher := pipeline.NewFetcher(st, client, tokens, limiter, breakers, queue, logger)
	parser := pipeline.NewParser(st, logger)
	aggregator := pipeline.NewAggregator(st, logger)
	scheduler := pipeline.NewScheduler(st, queue, cfg, nil, logger)
	svc := pipeline.NewService(fetcher, parser, aggregator, scheduler, queue, cfg, logger)

	events := observability.NewEventLogger(db)
	metrics := observability.NewMetricsManager(db, 100, 5*time.Second)
	defer metrics.Close()
	svc.Instrument(events, metrics)

	heartbeat := observability.NewHeartbeatWriter(db, "syncd", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	go retentionLoop(ctx, db, logger)

	api := &opsAPI{
		store:   st,
		queue:   queue,
		limiter: limiter,
		events:  events,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.router(db)}
	go func() {
		logger.Info("ops API listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops API serve", "error", err)
		}
	}()

	logger.Info("syncd started", "db", cfg.DBPath, "concurrency", cfg.Worker.Concurrency)
	svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// httpClient builds the outbound transport: a plain http.Client wrapped in
// the retrying layer.
func httpClient(cfg *pipeline.Config, logger *slog.Logger) provider.Doer {
	inner := &http.Client{Timeout: cfg.Provider.Timeout}
	return httpretry.New(inner, httpretry.Config{
		MaxRetries:    cfg.Retry.MaxRetries,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		JitterPercent: cfg.Retry.JitterPercent,
	}, nil, logger)
}

// retentionLoop trims the monitoring tables once a day.
func retentionLoop(ctx context.Context, db *sql.DB, logger *slog.Logger) {
	retention := observability.RetentionConfig{
		StageEventsDays: 30,
		HeartbeatsDays:  7,
		MetricsDays:     30,
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := observability.Cleanup(ctx, db, retention)
			if err != nil {
				logger.Error("retention cleanup failed", "error", err)
				continue
			}
			logger.Info("retention cleanup", "deleted", n)
		}
	}
}
