package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/observability"
	"github.com/GD-TG/analytics-platform-sub000/pipeline"
	"github.com/GD-TG/analytics-platform-sub000/ratelimit"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// opsAPI exposes operational endpoints: health, queue status, recent stage
// events and manual triggers. It is not a public surface; deploy it behind
// the internal network boundary.
type opsAPI struct {
	store   *store.Store
	queue   *jobq.Q
	limiter *ratelimit.Limiter
	events  *observability.EventLogger
	metrics *observability.MetricsManager
	cfg     *pipeline.Config
	logger  *slog.Logger
}

func (a *opsAPI) router(db *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth(db))
	r.Get("/status", a.handleStatus)
	r.Get("/events", a.handleEvents)
	r.Get("/metrics/{name}", a.handleMetrics)

	r.Post("/sync/{entityID}", a.handleTriggerFetch)
	r.Post("/aggregate/{projectID}/{year}/{month}", a.handleTriggerAggregate)
	r.Post("/limiter/{accountID}/reset", a.handleLimiterReset)

	return r
}

func (a *opsAPI) handleHealth(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		hb, err := observability.LatestHeartbeat(r.Context(), db, "syncd", 45*time.Second)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "heartbeat": hb})
	}
}

func (a *opsAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queued, err := a.queue.Len(ctx)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	due, err := a.store.DueEntities(ctx, time.Now().UnixMilli(), 1000)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	unprocessed, err := a.store.ListUnprocessedRaw(ctx, 1000)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued_jobs":       queued,
		"due_entities":      len(due),
		"unparsed_raw":      len(unprocessed),
		"concurrency":       a.cfg.Worker.Concurrency,
		"fetch_window_days": a.cfg.Schedule.FetchWindowDays,
	})
}

func (a *opsAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	evs, err := a.events.RecentEvents(r.Context(), observability.EventFilter{
		Stage:    r.URL.Query().Get("stage"),
		EntityID: r.URL.Query().Get("entity_id"),
		Limit:    limit,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *opsAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	points, err := a.metrics.Query(r.Context(), name, nil, nil, 500)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "points": points})
}

// handleTriggerFetch enqueues a fetch for one entity immediately, outside the
// scheduler's due check. The deterministic job ID still collapses the request
// into any fetch already in flight for the entity.
func (a *opsAPI) handleTriggerFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityID := chi.URLParam(r, "entityID")
	entity, err := a.store.GetEntity(ctx, entityID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if entity == nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("entity %s not found", entityID))
		return
	}

	now := time.Now().UTC()
	job := pipeline.FetchJob{
		EntityID:    entityID,
		WindowStart: now.AddDate(0, 0, -a.cfg.Schedule.FetchWindowDays).Format("2006-01-02"),
		WindowEnd:   now.Format("2006-01-02"),
	}
	payload, _ := json.Marshal(job)
	published, err := a.queue.PublishOnce(ctx, "fetch_"+entityID, pipeline.KindFetch, payload, 0)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"published": published, "job_id": "fetch_" + entityID})
}

func (a *opsAPI) handleTriggerAggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("bad year: %w", err))
		return
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil || month < 1 || month > 12 {
		httpError(w, http.StatusBadRequest, fmt.Errorf("bad month"))
		return
	}
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if project == nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("project %s not found", projectID))
		return
	}

	// Manual triggers honor the same age gate as the scheduler; the aggregate
	// stage trusts its input. force=1 overrides for backfill and debugging.
	period := pipeline.Period{Year: year, Month: month}
	if !period.Aggregatable(time.Now(), a.cfg.Schedule.AggregateMinAgeDays) &&
		r.URL.Query().Get("force") != "1" {
		httpError(w, http.StatusConflict,
			fmt.Errorf("period %04d-%02d has not settled yet; pass force=1 to override", year, month))
		return
	}

	job := pipeline.AggregateJob{ProjectID: projectID, Year: year, Month: month}
	payload, _ := json.Marshal(job)
	id := fmt.Sprintf("agg_%s_%04d_%02d", projectID, year, month)
	published, err := a.queue.PublishOnce(ctx, id, pipeline.KindAggregate, payload, 0)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"published": published, "job_id": id})
}

// handleLimiterReset zeroes one account's bucket. Operational escape hatch
// for when the provider lifts a throttle early.
func (a *opsAPI) handleLimiterReset(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := a.limiter.Reset(r.Context(), accountID); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": accountID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
