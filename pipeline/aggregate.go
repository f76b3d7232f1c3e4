package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// topN is how many entries each ranking keeps.
const topN = 5

// AggregateJob asks the aggregate stage to roll up one project-month.
// Schedulers must only enqueue it for periods that pass the age gate
// (Period.Aggregatable); the stage itself trusts its input.
type AggregateJob struct {
	ProjectID string `json:"project_id"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
}

// RankEntry is one row of a summary ranking. ID is an entity or campaign
// ID for entity rankings, the query string for search rankings.
type RankEntry struct {
	ID    string  `json:"id"`
	Label string  `json:"label,omitempty"`
	Value float64 `json:"value"`
}

// Aggregator rolls entity-month facts into project-month summaries. A
// summary is a pure function of the fact rows: totals, weighted averages,
// top-N rankings and the renormalized age distribution all derive from the
// facts alone, so reruns over unchanged facts write identical rows.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger

	// locks serializes runs per (project, year, month). The queue's
	// single-active-job IDs already prevent same-key concurrency across
	// hosts; this guards manual triggers inside one process.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAggregator wires an aggregate stage.
func NewAggregator(st *store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, logger: logger, locks: map[string]*sync.Mutex{}}
}

func (a *Aggregator) lockFor(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[key]
	if !ok {
		m = &sync.Mutex{}
		a.locks[key] = m
	}
	return m
}

// Handle processes one aggregate job.
func (a *Aggregator) Handle(ctx context.Context, payload []byte) error {
	var job AggregateJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return jobq.Permanent(fmt.Errorf("aggregate: decode job: %w", err))
	}
	return a.Run(ctx, job.ProjectID, job.Year, job.Month)
}

// Run rebuilds all three source summaries for one project-month.
func (a *Aggregator) Run(ctx context.Context, projectID string, year, month int) error {
	key := fmt.Sprintf("%s/%04d-%02d", projectID, year, month)
	lock := a.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := a.rollupTraffic(ctx, projectID, year, month); err != nil {
		return fmt.Errorf("aggregate traffic %s: %w", key, err)
	}
	if err := a.rollupAds(ctx, projectID, year, month); err != nil {
		return fmt.Errorf("aggregate ads %s: %w", key, err)
	}
	if err := a.rollupSearch(ctx, projectID, year, month); err != nil {
		return fmt.Errorf("aggregate search %s: %w", key, err)
	}
	a.logger.Info("aggregate: project-month rolled up", "project", projectID,
		"period", fmt.Sprintf("%04d-%02d", year, month))
	return nil
}

func (a *Aggregator) rollupTraffic(ctx context.Context, projectID string, year, month int) error {
	facts, err := a.store.TrafficFactsForMonth(ctx, projectID, year, month)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		// No facts means no summary. A row from an earlier run would keep
		// serving numbers the facts no longer support, so drop it.
		return a.store.DeleteTrafficSummary(ctx, projectID, year, month)
	}

	sum := &store.TrafficSummary{ProjectID: projectID, Year: year, Month: month}
	bounceWeighted, durWeighted := 0.0, 0.0
	ageCounts := map[string]float64{}
	var byVisits, byConversions, byConvRate []RankEntry

	for _, f := range facts {
		sum.Visits += f.Visits
		sum.Users += f.Users
		sum.Conversions += f.Conversions
		// Entity-level visits weight the rate and duration measures, the
		// same rule the parse stage applies to daily records.
		bounceWeighted += f.BounceRate * float64(f.Visits)
		durWeighted += f.AvgDurationSec * float64(f.Visits)

		// Entity shares are percentages of the entity's own visits; scale
		// them back to absolute counts before summing across entities.
		var shares map[string]float64
		if f.AgeGroups != "" {
			if err := json.Unmarshal([]byte(f.AgeGroups), &shares); err != nil {
				return fmt.Errorf("entity %s age groups: %w", f.EntityID, err)
			}
		}
		for bucket, share := range shares {
			ageCounts[bucket] += share / 100 * float64(f.Visits)
		}

		byVisits = append(byVisits, RankEntry{ID: f.EntityID, Value: float64(f.Visits)})
		byConversions = append(byConversions, RankEntry{ID: f.EntityID, Value: float64(f.Conversions)})
		if f.Visits > 0 {
			byConvRate = append(byConvRate, RankEntry{
				ID:    f.EntityID,
				Value: float64(f.Conversions) / float64(f.Visits),
			})
		}
	}

	if sum.Visits > 0 {
		sum.BounceRate = bounceWeighted / float64(sum.Visits)
		sum.AvgDurationSec = durWeighted / float64(sum.Visits)
	}
	ages, err := ageShares(ageCounts)
	if err != nil {
		return err
	}
	sum.AgeGroups = ages
	if sum.TopByVisits, err = rankingJSON(byVisits); err != nil {
		return err
	}
	if sum.TopByConversions, err = rankingJSON(byConversions); err != nil {
		return err
	}
	if sum.TopByConvRate, err = rankingJSON(byConvRate); err != nil {
		return err
	}
	return a.store.ReplaceTrafficSummary(ctx, sum)
}

func (a *Aggregator) rollupAds(ctx context.Context, projectID string, year, month int) error {
	facts, err := a.store.AdFactsForMonth(ctx, projectID, year, month)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return a.store.DeleteAdSummary(ctx, projectID, year, month)
	}

	sum := &store.AdSummary{ProjectID: projectID, Year: year, Month: month}
	var byCost, byConversions, byEfficiency []RankEntry
	for _, f := range facts {
		sum.Impressions += f.Impressions
		sum.Clicks += f.Clicks
		sum.Cost += f.Cost
		sum.Conversions += f.Conversions

		byCost = append(byCost, RankEntry{ID: f.EntityID, Label: f.Name, Value: f.Cost})
		byConversions = append(byConversions, RankEntry{ID: f.EntityID, Label: f.Name, Value: float64(f.Conversions)})
		// Zero-cost campaigns are excluded outright: conversions/cost is
		// undefined there and a division artifact would top the ranking.
		if f.Cost > 0 {
			byEfficiency = append(byEfficiency, RankEntry{
				ID:    f.EntityID,
				Label: f.Name,
				Value: float64(f.Conversions) / f.Cost,
			})
		}
	}

	if sum.TopByCost, err = rankingJSON(byCost); err != nil {
		return err
	}
	if sum.TopByConversions, err = rankingJSON(byConversions); err != nil {
		return err
	}
	if sum.TopByEfficiency, err = rankingJSON(byEfficiency); err != nil {
		return err
	}
	return a.store.ReplaceAdSummary(ctx, sum)
}

func (a *Aggregator) rollupSearch(ctx context.Context, projectID string, year, month int) error {
	facts, err := a.store.SearchFactsForMonth(ctx, projectID, year, month)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		return a.store.DeleteSearchSummary(ctx, projectID, year, month)
	}

	sum := &store.SearchSummary{ProjectID: projectID, Year: year, Month: month}
	posWeighted := 0.0
	var byImpressions []RankEntry
	for _, f := range facts {
		sum.QueryCount++
		sum.Impressions += f.Impressions
		posWeighted += f.Position * float64(f.Impressions)
		byImpressions = append(byImpressions, RankEntry{
			ID:    f.Query,
			Label: f.URL,
			Value: float64(f.Impressions),
		})
	}
	if sum.Impressions > 0 {
		sum.AvgPosition = posWeighted / float64(sum.Impressions)
	}
	if sum.TopByImpressions, err = rankingJSON(byImpressions); err != nil {
		return err
	}
	return a.store.ReplaceSearchSummary(ctx, sum)
}

// rankingJSON sorts entries by value descending, breaking ties by ID so
// the output never depends on fact iteration order, and keeps the top N.
func rankingJSON(entries []RankEntry) (string, error) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		if entries[i].ID != entries[j].ID {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Label < entries[j].Label
	})
	if len(entries) > topN {
		entries = entries[:topN]
	}
	if entries == nil {
		entries = []RankEntry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal ranking: %w", err)
	}
	return string(b), nil
}
