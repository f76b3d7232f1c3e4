package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/idgen"
	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/ratelimit"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// FetchJob asks the fetch stage to pull one entity's data for a window.
type FetchJob struct {
	EntityID    string `json:"entity_id"`
	WindowStart string `json:"window_start"` // YYYY-MM-DD inclusive
	WindowEnd   string `json:"window_end"`   // YYYY-MM-DD inclusive
}

// metricGroup is one logical provider call within a fetch: traffic,
// demographics and goals for analytics entities, campaigns for ad
// entities, positions for search entities. All groups of one fetch land in
// a single raw capture keyed together.
type metricGroup struct {
	name     string
	endpoint string
	params   func(e *store.Entity, job *FetchJob) url.Values
}

var trafficGroups = []metricGroup{
	{
		name:     "traffic",
		endpoint: provider.EndpointTraffic,
		params: func(e *store.Entity, job *FetchJob) url.Values {
			return url.Values{
				"id":         {e.ExternalRef},
				"date1":      {job.WindowStart},
				"date2":      {job.WindowEnd},
				"dimensions": {"date"},
				"metrics":    {"visits,users,bounceRate,avgVisitDurationSeconds"},
			}
		},
	},
	{
		name:     "demographics",
		endpoint: provider.EndpointDemographics,
		params: func(e *store.Entity, job *FetchJob) url.Values {
			return url.Values{
				"id":         {e.ExternalRef},
				"date1":      {job.WindowStart},
				"date2":      {job.WindowEnd},
				"dimensions": {"date,ageGroup"},
				"metrics":    {"visits"},
			}
		},
	},
	{
		name:     "goals",
		endpoint: provider.EndpointGoals,
		params: func(e *store.Entity, job *FetchJob) url.Values {
			return url.Values{
				"id":         {e.ExternalRef},
				"date1":      {job.WindowStart},
				"date2":      {job.WindowEnd},
				"dimensions": {"date,goal"},
				"metrics":    {"conversions"},
			}
		},
	},
}

var adGroups = []metricGroup{
	{
		name:     "campaigns",
		endpoint: provider.EndpointCampaigns,
		params: func(e *store.Entity, job *FetchJob) url.Values {
			return url.Values{
				"account":   {e.ExternalRef},
				"date_from": {job.WindowStart},
				"date_to":   {job.WindowEnd},
			}
		},
	},
}

var searchGroups = []metricGroup{
	{
		name:     "positions",
		endpoint: provider.EndpointPositions,
		params: func(e *store.Entity, job *FetchJob) url.Values {
			return url.Values{
				"site":      {e.ExternalRef},
				"date_from": {job.WindowStart},
				"date_to":   {job.WindowEnd},
			}
		},
	},
}

func groupsFor(source string) ([]metricGroup, error) {
	switch source {
	case store.SourceTraffic:
		return trafficGroups, nil
	case store.SourceAds:
		return adGroups, nil
	case store.SourceSearch:
		return searchGroups, nil
	}
	return nil, fmt.Errorf("unknown source %q", source)
}

// Fetcher pulls provider data for one entity and window, gated by the
// per-account rate limiter and breaker, and persists one raw capture per
// successful fetch.
type Fetcher struct {
	store    *store.Store
	client   *provider.Client
	tokens   *provider.TokenSource
	limiter  *ratelimit.Limiter
	breakers *provider.BreakerSet
	queue    *jobq.Q
	gen      idgen.Generator
	logger   *slog.Logger

	// breakerDelay is how long a denied-by-breaker job waits before
	// redelivery.
	breakerDelay time.Duration
}

// NewFetcher wires a fetch stage.
func NewFetcher(st *store.Store, client *provider.Client, tokens *provider.TokenSource,
	limiter *ratelimit.Limiter, breakers *provider.BreakerSet, queue *jobq.Q,
	logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:        st,
		client:       client,
		tokens:       tokens,
		limiter:      limiter,
		breakers:     breakers,
		queue:        queue,
		gen:          idgen.Prefixed("raw_", idgen.UUIDv7()),
		logger:       logger,
		breakerDelay: 30 * time.Second,
	}
}

// Handle processes one fetch job. Rate-limit denials release the job with
// the limiter's retry-after delay instead of consuming an attempt; auth
// failures discard it immediately.
func (f *Fetcher) Handle(ctx context.Context, payload []byte) error {
	var job FetchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return jobq.Permanent(fmt.Errorf("fetch: decode job: %w", err))
	}

	entity, err := f.store.GetEntity(ctx, job.EntityID)
	if err != nil {
		return fmt.Errorf("fetch: load entity: %w", err)
	}
	if entity == nil {
		return jobq.Permanent(fmt.Errorf("fetch: entity %s not found", job.EntityID))
	}
	groups, err := groupsFor(entity.Source)
	if err != nil {
		return jobq.Permanent(fmt.Errorf("fetch: %w", err))
	}

	// A capture of this window from an earlier attempt may still be
	// waiting for parse. Re-enqueue its parse job instead of fetching the
	// same window again. Pending captures of other windows do not count:
	// they must never suppress a fetch of a new window.
	primary := groups[0].endpoint
	if pending, err := f.store.UnprocessedRawFor(ctx, entity.ID, primary, job.WindowStart, job.WindowEnd); err != nil {
		return fmt.Errorf("fetch: check pending capture: %w", err)
	} else if pending != nil {
		f.logger.Info("fetch: window capture already pending, re-enqueueing parse",
			"entity", entity.ID, "raw", pending.ID,
			"window", job.WindowStart+".."+job.WindowEnd)
		return f.enqueueParse(ctx, pending.ID)
	}

	breaker := f.breakers.For(entity.AccountID)
	if !breaker.Allow() {
		f.logger.Warn("fetch: breaker open, releasing job",
			"entity", entity.ID, "account", entity.AccountID)
		return jobq.Release(f.breakerDelay)
	}

	token, err := f.tokens.AccessToken(ctx, entity.AccountID)
	if err != nil {
		recErr := f.store.RecordSyncError(ctx, entity.ID, err.Error())
		if recErr != nil {
			f.logger.Warn("fetch: record sync error", "entity", entity.ID, "error", recErr)
		}
		// Missing credentials cannot heal through retries. A failed
		// refresh might, so it keeps the attempt budget.
		if errors.Is(err, provider.ErrNoToken) {
			return jobq.Permanent(fmt.Errorf("fetch: token for %s: %w", entity.AccountID, err))
		}
		return fmt.Errorf("fetch: token for %s: %w", entity.AccountID, err)
	}

	payloads := make(map[string]json.RawMessage, len(groups))
	for _, g := range groups {
		// One admission per outbound call; denial is a scheduling signal.
		if !f.limiter.Allow(ctx, entity.AccountID, 1) {
			delay := f.limiter.RetryAfter(ctx, entity.AccountID, 1)
			f.logger.Info("fetch: rate limited, releasing job",
				"entity", entity.ID, "account", entity.AccountID, "delay", delay)
			return jobq.Release(delay)
		}

		resp, err := f.client.Get(ctx, g.endpoint, g.params(entity, &job), token)
		status := 0
		if resp != nil {
			status = resp.Status
		}
		if err != nil || status != 200 {
			return f.callFailed(ctx, entity, breaker, g.name, status, err)
		}
		payloads[g.name] = json.RawMessage(resp.Body)
	}
	breaker.RecordSuccess()

	body, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("fetch: marshal capture: %w", err)
	}
	params, err := json.Marshal(map[string]string{
		"entity_id":    entity.ID,
		"account_id":   entity.AccountID,
		"external_ref": entity.ExternalRef,
		"window_start": job.WindowStart,
		"window_end":   job.WindowEnd,
	})
	if err != nil {
		return fmt.Errorf("fetch: marshal params: %w", err)
	}

	raw := &store.RawResponse{
		ID:            f.gen(),
		ProjectID:     entity.ProjectID,
		EntityID:      entity.ID,
		Source:        entity.Source,
		Endpoint:      primary,
		RequestParams: string(params),
		ResponseData:  string(body),
		ResponseCode:  200,
	}
	if err := f.store.InsertRaw(ctx, raw); err != nil {
		return fmt.Errorf("fetch: persist capture: %w", err)
	}
	if err := f.enqueueParse(ctx, raw.ID); err != nil {
		return err
	}
	if err := f.store.RecordSyncSuccess(ctx, entity.ID); err != nil {
		f.logger.Warn("fetch: record sync success", "entity", entity.ID, "error", err)
	}
	f.logger.Info("fetch: window captured",
		"entity", entity.ID, "source", entity.Source, "raw", raw.ID,
		"window", job.WindowStart+".."+job.WindowEnd)
	return nil
}

// callFailed classifies a failed provider call and maps it to the job
// outcome: transient errors consume a retry attempt, rate-limit pushback
// releases without consuming one, terminal errors discard the job.
func (f *Fetcher) callFailed(ctx context.Context, entity *store.Entity, breaker *provider.Breaker, group string, status int, err error) error {
	class := provider.Classify(status, err)
	msg := fmt.Sprintf("fetch %s: http %d", group, status)
	if err != nil {
		msg = fmt.Sprintf("fetch %s: %v", group, err)
	}
	if recErr := f.store.RecordSyncError(ctx, entity.ID, msg); recErr != nil {
		f.logger.Warn("fetch: record sync error", "entity", entity.ID, "error", recErr)
	}

	switch class {
	case provider.ClassRateLimited:
		// Provider-side throttling despite local admission: honor it
		// without burning the attempt budget.
		delay := f.limiter.RetryAfter(ctx, entity.AccountID, 1)
		return jobq.Release(delay)
	case provider.ClassAuth, provider.ClassTerminal:
		breaker.RecordFailure()
		return jobq.Permanent(fmt.Errorf("fetch: %s for entity %s: %s", class, entity.ID, msg))
	default:
		breaker.RecordFailure()
		return fmt.Errorf("fetch: %s for entity %s: %s", class, entity.ID, msg)
	}
}

func (f *Fetcher) enqueueParse(ctx context.Context, rawID string) error {
	payload, err := json.Marshal(ParseJob{RawID: rawID})
	if err != nil {
		return fmt.Errorf("fetch: marshal parse job: %w", err)
	}
	// Deterministic ID: re-enqueueing parse for the same capture is a no-op
	// while the first parse job is still queued.
	if _, err := f.queue.PublishOnce(ctx, "parse_"+rawID, KindParse, payload, 0); err != nil {
		return fmt.Errorf("fetch: enqueue parse: %w", err)
	}
	return nil
}
