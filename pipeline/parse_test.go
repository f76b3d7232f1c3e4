package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store.New(db)
}

func seedEntity(t *testing.T, st *store.Store, id, source, goals string) {
	t.Helper()
	ctx := context.Background()
	if p, _ := st.GetProject(ctx, "p1"); p == nil {
		if err := st.CreateProject(ctx, &store.Project{ID: "p1", Name: "Demo"}); err != nil {
			t.Fatalf("create project: %v", err)
		}
		if err := st.CreateAccount(ctx, &store.Account{ID: "acc1", ProjectID: "p1", Name: "Main"}); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	if err := st.CreateEntity(ctx, &store.Entity{
		ID: id, ProjectID: "p1", AccountID: "acc1", Source: source,
		ExternalRef: "ext-" + id, ConversionGoals: goals, Enabled: true,
		FetchInterval: 86400000,
	}); err != nil {
		t.Fatalf("create entity: %v", err)
	}
}

func tabular(dims, metrics []string, rows ...provider.TabularRow) provider.Tabular {
	var t provider.Tabular
	t.Query.Dimensions = dims
	t.Query.Metrics = metrics
	t.Data = rows
	t.TotalRows = len(rows)
	return t
}

func row(dims []provider.DimValue, metrics ...float64) provider.TabularRow {
	return provider.TabularRow{Dimensions: dims, Metrics: metrics}
}

func dateDim(d string) []provider.DimValue { return []provider.DimValue{{Name: d}} }

func seedCapture(t *testing.T, st *store.Store, id, entityID, source string, envelope map[string]any) {
	t.Helper()
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := st.InsertRaw(context.Background(), &store.RawResponse{
		ID: id, ProjectID: "p1", EntityID: entityID, Source: source,
		Endpoint: "/test", ResponseData: string(body), ResponseCode: 200,
	}); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
}

func parseCapture(t *testing.T, p *Parser, rawID string) {
	t.Helper()
	payload, _ := json.Marshal(ParseJob{RawID: rawID})
	if err := p.Handle(context.Background(), payload); err != nil {
		t.Fatalf("parse %s: %v", rawID, err)
	}
}

// WHAT: two daily records (visits 500 and 700, bounce 50% and 30%) collapse
// into one September fact with visits=1200 and bounce=(500*50+700*30)/1200
// = 46000/1200 = 38.333…%, and parsing the same capture twice leaves the
// row unchanged. (The spec's "=37.5%" literal is an arithmetic typo; see
// REVIEW_FINDINGS.md F6.)
// WHY: visit-weighted averaging and idempotent re-parse are the two core
// guarantees of the parse stage; a naive mean gives 40%, accumulation
// gives visits=2400.
func TestParseTrafficWeightedAndIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceTraffic, "")
	p := NewParser(st, nil)

	traffic := tabular(
		[]string{"date"},
		[]string{"visits", "users", "bounceRate", "avgVisitDurationSeconds"},
		row(dateDim("2025-09-01"), 500, 400, 50, 90),
		row(dateDim("2025-09-15"), 700, 600, 30, 120),
	)
	// Two captures with the identical payload stand in for a re-fetch of
	// the same window.
	seedCapture(t, st, "raw_1", "e1", store.SourceTraffic, map[string]any{"traffic": traffic})
	seedCapture(t, st, "raw_2", "e1", store.SourceTraffic, map[string]any{"traffic": traffic})

	for run, rawID := range []string{"raw_1", "raw_2"} {
		parseCapture(t, p, rawID)

		facts, err := st.TrafficFactsForMonth(context.Background(), "p1", 2025, 9)
		if err != nil {
			t.Fatalf("facts: %v", err)
		}
		if len(facts) != 1 {
			t.Fatalf("run %d: expected 1 fact, got %d", run, len(facts))
		}
		f := facts[0]
		if f.Visits != 1200 || f.Users != 1000 {
			t.Fatalf("run %d: additive measures wrong: %+v", run, f)
		}
		// (500*50 + 700*30) / 1200 = 460/12 = 38.333…
		if f.BounceRate != 460.0/12 {
			t.Fatalf("run %d: expected bounce %v, got %v", run, 460.0/12, f.BounceRate)
		}
		// (500*90 + 700*120) / 1200 = 107.5
		if f.AvgDurationSec != 107.5 {
			t.Fatalf("run %d: expected duration 107.5, got %v", run, f.AvgDurationSec)
		}
	}
}

// WHAT: records are grouped by their own date, so a window spanning a
// month boundary produces one fact per month.
func TestParseTrafficMonthBoundary(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceTraffic, "")
	p := NewParser(st, nil)

	traffic := tabular(
		[]string{"date"},
		[]string{"visits", "users", "bounceRate", "avgVisitDurationSeconds"},
		row(dateDim("2025-08-31"), 100, 90, 40, 60),
		row(dateDim("2025-09-01"), 200, 150, 20, 80),
	)
	seedCapture(t, st, "raw_1", "e1", store.SourceTraffic, map[string]any{"traffic": traffic})
	parseCapture(t, p, "raw_1")

	aug, _ := st.TrafficFactsForMonth(context.Background(), "p1", 2025, 8)
	sep, _ := st.TrafficFactsForMonth(context.Background(), "p1", 2025, 9)
	if len(aug) != 1 || aug[0].Visits != 100 {
		t.Fatalf("august: %+v", aug)
	}
	if len(sep) != 1 || sep[0].Visits != 200 {
		t.Fatalf("september: %+v", sep)
	}
}

// WHAT: only goals configured as conversions count; demographics shares
// come out as percentages of the month's demographic visits.
func TestParseTrafficGoalsAndDemographics(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceTraffic, `["goal-buy"]`)
	p := NewParser(st, nil)

	traffic := tabular(
		[]string{"date"},
		[]string{"visits", "users", "bounceRate", "avgVisitDurationSeconds"},
		row(dateDim("2025-09-01"), 400, 300, 50, 60),
	)
	demo := tabular(
		[]string{"date", "ageGroup"},
		[]string{"visits"},
		row([]provider.DimValue{{Name: "2025-09-01"}, {Name: "18-24"}}, 100),
		row([]provider.DimValue{{Name: "2025-09-02"}, {Name: "25-34"}}, 300),
	)
	goals := tabular(
		[]string{"date", "goal"},
		[]string{"conversions"},
		row([]provider.DimValue{{Name: "2025-09-01"}, {ID: "goal-buy"}}, 12),
		row([]provider.DimValue{{Name: "2025-09-01"}, {ID: "goal-newsletter"}}, 99),
	)
	seedCapture(t, st, "raw_1", "e1", store.SourceTraffic,
		map[string]any{"traffic": traffic, "demographics": demo, "goals": goals})
	parseCapture(t, p, "raw_1")

	facts, _ := st.TrafficFactsForMonth(context.Background(), "p1", 2025, 9)
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	f := facts[0]
	if f.Conversions != 12 {
		t.Fatalf("non-conversion goal counted: conversions=%d", f.Conversions)
	}
	var shares map[string]float64
	if err := json.Unmarshal([]byte(f.AgeGroups), &shares); err != nil {
		t.Fatalf("age groups: %v", err)
	}
	if shares["18-24"] != 25 || shares["25-34"] != 75 {
		t.Fatalf("unexpected shares: %v", shares)
	}
}

// WHAT: a record missing its date dimension is skipped while the rest of
// the batch is processed.
// WHY: one malformed provider row must not block a whole window.
func TestParseSkipsMalformedRecords(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceTraffic, "")
	p := NewParser(st, nil)

	traffic := tabular(
		[]string{"date"},
		[]string{"visits", "users", "bounceRate", "avgVisitDurationSeconds"},
		provider.TabularRow{Dimensions: nil, Metrics: []float64{999, 1, 1, 1}},
		row(dateDim("not-a-date"), 999, 1, 1, 1),
		row(dateDim("2025-09-03"), 50, 40, 10, 30),
	)
	seedCapture(t, st, "raw_1", "e1", store.SourceTraffic, map[string]any{"traffic": traffic})
	parseCapture(t, p, "raw_1")

	facts, _ := st.TrafficFactsForMonth(context.Background(), "p1", 2025, 9)
	if len(facts) != 1 || facts[0].Visits != 50 {
		t.Fatalf("expected only the valid record, got %+v", facts)
	}
}

// WHAT: campaign rows group by (campaign, month) with summed measures.
func TestParseAds(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceAds, "")
	p := NewParser(st, nil)

	rows := []provider.CampaignStat{
		{CampaignID: "c1", CampaignName: "Brand", Date: "2025-09-01", Impressions: 1000, Clicks: 50, Cost: 20.5, Conversions: 4},
		{CampaignID: "c1", CampaignName: "Brand", Date: "2025-09-02", Impressions: 2000, Clicks: 70, Cost: 29.5, Conversions: 6},
		{CampaignID: "c2", CampaignName: "Generic", Date: "2025-09-01", Impressions: 500, Clicks: 10, Cost: 5, Conversions: 1},
	}
	seedCapture(t, st, "raw_1", "e1", store.SourceAds,
		map[string]any{"campaigns": map[string]any{"rows": rows}})
	parseCapture(t, p, "raw_1")

	facts, _ := st.AdFactsForMonth(context.Background(), "p1", 2025, 9)
	if len(facts) != 2 {
		t.Fatalf("expected 2 campaign facts, got %d", len(facts))
	}
	var c1 *store.AdFact
	for _, f := range facts {
		if f.EntityID == "c1" {
			c1 = f
		}
	}
	if c1 == nil || c1.Impressions != 3000 || c1.Clicks != 120 || c1.Cost != 50 || c1.Conversions != 10 {
		t.Fatalf("c1 wrong: %+v", c1)
	}
	if c1.Name != "Brand" {
		t.Fatalf("campaign name lost: %+v", c1)
	}
}

// WHAT: re-parsing September with a pair missing deletes that pair's row
// for September only; August rows and the surviving pair keep their data.
// WHY: pruning is the one deletion in normal operation and must stay
// strictly scoped to the month being reprocessed.
func TestParseSearchPruning(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceSearch, "")
	p := NewParser(st, nil)
	ctx := context.Background()

	first := []provider.PositionStat{
		{Query: "buy widgets", URL: "/widgets", Date: "2025-08-20", Position: 4, Impressions: 700},
		{Query: "buy widgets", URL: "/widgets", Date: "2025-09-01", Position: 3, Impressions: 600},
		{Query: "widget price", URL: "/pricing", Date: "2025-09-02", Position: 8, Impressions: 200},
	}
	seedCapture(t, st, "raw_1", "e1", store.SourceSearch,
		map[string]any{"positions": map[string]any{"rows": first}})
	parseCapture(t, p, "raw_1")

	// Fresh September data no longer reports "widget price".
	second := []provider.PositionStat{
		{Query: "buy widgets", URL: "/widgets", Date: "2025-09-01", Position: 3, Impressions: 600},
		{Query: "buy widgets", URL: "/widgets", Date: "2025-09-10", Position: 2, Impressions: 400},
	}
	seedCapture(t, st, "raw_2", "e1", store.SourceSearch,
		map[string]any{"positions": map[string]any{"rows": second}})
	parseCapture(t, p, "raw_2")

	sep, _ := st.SearchFactsForMonth(ctx, "p1", 2025, 9)
	if len(sep) != 1 || sep[0].Query != "buy widgets" {
		t.Fatalf("pruning failed: %+v", sep)
	}
	// (3*600 + 2*400) / 1000 = 2.6
	if sep[0].Impressions != 1000 || sep[0].Position != 2.6 {
		t.Fatalf("weighted position wrong: %+v", sep[0])
	}

	aug, _ := st.SearchFactsForMonth(ctx, "p1", 2025, 8)
	if len(aug) != 1 || aug[0].Impressions != 700 {
		t.Fatalf("august touched by september reprocess: %+v", aug)
	}
}

// WHAT: a processed capture delivered again is a no-op, and a capture with
// an undecodable envelope is marked failed with status 500 but stays
// unprocessed.
func TestParseRedeliveryAndFailure(t *testing.T) {
	st := newTestStore(t)
	seedEntity(t, st, "e1", store.SourceTraffic, "")
	p := NewParser(st, nil)
	ctx := context.Background()

	traffic := tabular(
		[]string{"date"},
		[]string{"visits", "users", "bounceRate", "avgVisitDurationSeconds"},
		row(dateDim("2025-09-01"), 100, 80, 40, 60),
	)
	seedCapture(t, st, "raw_1", "e1", store.SourceTraffic, map[string]any{"traffic": traffic})
	parseCapture(t, p, "raw_1")
	parseCapture(t, p, "raw_1") // duplicate delivery

	facts, _ := st.TrafficFactsForMonth(ctx, "p1", 2025, 9)
	if len(facts) != 1 || facts[0].Visits != 100 {
		t.Fatalf("redelivery changed facts: %+v", facts)
	}

	if err := st.InsertRaw(ctx, &store.RawResponse{
		ID: "raw_bad", ProjectID: "p1", EntityID: "e1",
		Source: store.SourceTraffic, Endpoint: "/test",
		ResponseData: "not json", ResponseCode: 200,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	payload, _ := json.Marshal(ParseJob{RawID: "raw_bad"})
	if err := p.Handle(ctx, payload); err == nil {
		t.Fatal("expected parse error")
	}
	bad, _ := st.GetRaw(ctx, "raw_bad")
	if bad.ProcessedAt != 0 || bad.ResponseCode != 500 || bad.ErrorMessage == "" {
		t.Fatalf("failure state wrong: %+v", bad)
	}
}
