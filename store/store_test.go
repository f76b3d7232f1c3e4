package store

import (
	"context"
	"testing"
	"time"

	"github.com/GD-TG/analytics-platform-sub000/dbopen"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db)
}

func seedEntity(t *testing.T, s *Store, id, source string) *Entity {
	t.Helper()
	ctx := context.Background()
	if p, _ := s.GetProject(ctx, "p1"); p == nil {
		if err := s.CreateProject(ctx, &Project{ID: "p1", Name: "Demo"}); err != nil {
			t.Fatalf("create project: %v", err)
		}
		if err := s.CreateAccount(ctx, &Account{ID: "acc1", ProjectID: "p1", Name: "Main"}); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	e := &Entity{
		ID:            id,
		ProjectID:     "p1",
		AccountID:     "acc1",
		Source:        source,
		ExternalRef:   "ext-" + id,
		FetchInterval: int64(24 * time.Hour / time.Millisecond),
		Enabled:       true,
	}
	if err := s.CreateEntity(ctx, e); err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return e
}

// WHAT: never-synced entities are due, freshly synced ones are not, and an
// entity becomes due again once its fetch interval elapses.
// WHY: the scheduler selects work solely through DueEntities; a wrong
// predicate either starves entities or hammers the provider.
func TestDueEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "e1", SourceTraffic)
	seedEntity(t, s, "e2", SourceAds)

	now := time.Now().UnixMilli()
	due, err := s.DueEntities(ctx, now, 10)
	if err != nil {
		t.Fatalf("due entities: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entities, got %d", len(due))
	}

	if err := s.RecordSyncSuccess(ctx, "e1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	due, err = s.DueEntities(ctx, now, 10)
	if err != nil {
		t.Fatalf("due entities: %v", err)
	}
	if len(due) != 1 || due[0].ID != "e2" {
		t.Fatalf("expected only e2 due, got %v", due)
	}

	// A day plus a bit later e1 is due again.
	later := now + int64(25*time.Hour/time.Millisecond)
	due, err = s.DueEntities(ctx, later, 10)
	if err != nil {
		t.Fatalf("due entities: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected both due after interval, got %d", len(due))
	}
}

// WHAT: RecordSyncError keeps last_synced_at untouched and bumps fail_count;
// a later success clears the error state.
// WHY: a failed sync must leave the entity due so it is retried, and stale
// error text must not survive a recovery.
func TestSyncStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "e1", SourceTraffic)

	if err := s.RecordSyncError(ctx, "e1", "boom"); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if err := s.RecordSyncError(ctx, "e1", "boom again"); err != nil {
		t.Fatalf("record error: %v", err)
	}
	e, err := s.GetEntity(ctx, "e1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if e.LastStatus != StatusError || e.FailCount != 2 || e.LastError != "boom again" {
		t.Fatalf("unexpected error state: %+v", e)
	}
	if e.LastSyncedAt != 0 {
		t.Fatalf("error must not move last_synced_at, got %d", e.LastSyncedAt)
	}

	if err := s.RecordSyncSuccess(ctx, "e1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	e, err = s.GetEntity(ctx, "e1")
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if e.LastStatus != StatusOK || e.FailCount != 0 || e.LastError != "" {
		t.Fatalf("success did not clear error state: %+v", e)
	}
	if e.LastSyncedAt == 0 {
		t.Fatal("success must set last_synced_at")
	}
}

// WHAT: raw capture lifecycle: insert, visible as unprocessed, duplicate
// check by (entity, endpoint, window), mark processed, mark failed.
// WHY: the fetch stage relies on UnprocessedRawFor to avoid duplicate
// provider calls for a window, a pending capture of one window must not
// hide other windows, and a failed parse must keep the row reprocessable.
func TestRawResponseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "e1", SourceTraffic)

	raw := &RawResponse{
		ID:            "raw_1",
		ProjectID:     "p1",
		EntityID:      "e1",
		Source:        SourceTraffic,
		Endpoint:      "/stat/v1/data",
		RequestParams: `{"window_start":"2025-09-01","window_end":"2025-09-30"}`,
		ResponseData:  `{"data":[]}`,
		ResponseCode:  200,
	}
	if err := s.InsertRaw(ctx, raw); err != nil {
		t.Fatalf("insert raw: %v", err)
	}

	pending1, err := s.UnprocessedRawFor(ctx, "e1", "/stat/v1/data", "2025-09-01", "2025-09-30")
	if err != nil {
		t.Fatalf("unprocessed for: %v", err)
	}
	if pending1 == nil || pending1.ID != "raw_1" {
		t.Fatalf("expected pending capture for e1, got %+v", pending1)
	}
	other, err := s.UnprocessedRawFor(ctx, "e1", "/stat/v1/other", "2025-09-01", "2025-09-30")
	if err != nil {
		t.Fatalf("unprocessed for: %v", err)
	}
	if other != nil {
		t.Fatal("different endpoint must not count as pending")
	}
	otherWindow, err := s.UnprocessedRawFor(ctx, "e1", "/stat/v1/data", "2025-10-01", "2025-10-31")
	if err != nil {
		t.Fatalf("unprocessed for: %v", err)
	}
	if otherWindow != nil {
		t.Fatal("different window must not count as pending")
	}

	if err := s.MarkRawFailed(ctx, "raw_1", "bad payload"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := s.GetRaw(ctx, "raw_1")
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if got.ProcessedAt != 0 || got.ErrorMessage != "bad payload" || got.ResponseCode != 500 {
		t.Fatalf("failed row must stay unprocessed: %+v", got)
	}

	if err := s.MarkRawProcessed(ctx, "raw_1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	got, err = s.GetRaw(ctx, "raw_1")
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if got.ProcessedAt == 0 || got.ErrorMessage != "" || got.ResponseCode != 200 {
		t.Fatalf("processed row state wrong: %+v", got)
	}

	pending, err := s.ListUnprocessedRaw(ctx, 10)
	if err != nil {
		t.Fatalf("list unprocessed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending rows, got %d", len(pending))
	}
}

// WHAT: upserting a traffic fact twice with different measures leaves only
// the second write's values.
// WHY: reprocessing a corrected payload must replace, never accumulate.
func TestTrafficUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "e1", SourceTraffic)

	first := &TrafficFact{ProjectID: "p1", EntityID: "e1", Year: 2025, Month: 9,
		Visits: 100, Users: 80, BounceRate: 50, AvgDurationSec: 60,
		Conversions: 5, AgeGroups: `{"18-24":100}`}
	if err := s.UpsertTrafficFacts(ctx, []*TrafficFact{first}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := &TrafficFact{ProjectID: "p1", EntityID: "e1", Year: 2025, Month: 9,
		Visits: 120, Users: 90, BounceRate: 40, AvgDurationSec: 70,
		Conversions: 7, AgeGroups: `{"25-34":100}`}
	if err := s.UpsertTrafficFacts(ctx, []*TrafficFact{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	facts, err := s.TrafficFactsForMonth(ctx, "p1", 2025, 9)
	if err != nil {
		t.Fatalf("facts for month: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	f := facts[0]
	if f.Visits != 120 || f.Conversions != 7 || f.AgeGroups != `{"25-34":100}` {
		t.Fatalf("upsert did not replace: %+v", f)
	}
}

// WHAT: ReplaceSearchFacts removes pairs absent from the new set but only
// within the given entity and month.
// WHY: pruning exists so vanished queries disappear, yet it must never
// reach into other months' history or other entities' rows.
func TestSearchReplaceScopedPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "e1", SourceSearch)
	seedEntity(t, s, "e2", SourceSearch)

	sept := []*SearchFact{
		{Query: "buy widgets", URL: "/widgets", Position: 3.2, Impressions: 900},
		{Query: "widget price", URL: "/pricing", Position: 7.1, Impressions: 400},
	}
	if err := s.ReplaceSearchFacts(ctx, "p1", "e1", 2025, 9, sept); err != nil {
		t.Fatalf("replace sept: %v", err)
	}
	aug := []*SearchFact{
		{Query: "buy widgets", URL: "/widgets", Position: 4.0, Impressions: 700},
	}
	if err := s.ReplaceSearchFacts(ctx, "p1", "e1", 2025, 8, aug); err != nil {
		t.Fatalf("replace aug: %v", err)
	}
	other := []*SearchFact{
		{Query: "widget price", URL: "/pricing", Position: 2.0, Impressions: 100},
	}
	if err := s.ReplaceSearchFacts(ctx, "p1", "e2", 2025, 9, other); err != nil {
		t.Fatalf("replace e2: %v", err)
	}

	// "widget price" dropped out of e1's September set.
	septNew := []*SearchFact{
		{Query: "buy widgets", URL: "/widgets", Position: 3.0, Impressions: 950},
	}
	if err := s.ReplaceSearchFacts(ctx, "p1", "e1", 2025, 9, septNew); err != nil {
		t.Fatalf("replace sept again: %v", err)
	}

	got, err := s.SearchFactsForMonth(ctx, "p1", 2025, 9)
	if err != nil {
		t.Fatalf("facts for month: %v", err)
	}
	// e1 keeps one pair, e2's row is untouched.
	if len(got) != 2 {
		t.Fatalf("expected 2 september rows, got %d", len(got))
	}
	for _, f := range got {
		if f.EntityID == "e1" && f.Query != "buy widgets" {
			t.Fatalf("pruned pair survived for e1: %+v", f)
		}
	}

	augGot, err := s.SearchFactsForMonth(ctx, "p1", 2025, 8)
	if err != nil {
		t.Fatalf("august facts: %v", err)
	}
	if len(augGot) != 1 || augGot[0].Impressions != 700 {
		t.Fatalf("august history must be untouched, got %v", augGot)
	}
}

// WHAT: replacing a summary twice yields exactly one row with the second
// run's values.
// WHY: aggregation reruns after late data and must not duplicate rollups.
func TestSummaryReplaceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateProject(ctx, &Project{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	for i, visits := range []int64{1000, 1200} {
		sum := &TrafficSummary{ProjectID: "p1", Year: 2025, Month: 9,
			Visits: visits, BounceRate: 37.5, AgeGroups: "{}",
			TopByVisits: "[]", TopByConversions: "[]", TopByConvRate: "[]"}
		if err := s.ReplaceTrafficSummary(ctx, sum); err != nil {
			t.Fatalf("replace %d: %v", i, err)
		}
	}
	got, err := s.GetTrafficSummary(ctx, "p1", 2025, 9)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got == nil || got.Visits != 1200 {
		t.Fatalf("expected visits=1200, got %+v", got)
	}
}

// WHAT: token save, overwrite and delete roundtrip.
func TestTokenRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateProject(ctx, &Project{ID: "p1", Name: "Demo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := s.CreateAccount(ctx, &Account{ID: "acc1", ProjectID: "p1", Name: "Main"}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	if err := s.SaveToken(ctx, &TokenRecord{AccountID: "acc1", AccessTokenEnc: "ct1"}); err != nil {
		t.Fatalf("save token: %v", err)
	}
	if err := s.SaveToken(ctx, &TokenRecord{AccountID: "acc1", AccessTokenEnc: "ct2", ExpiresAt: 123}); err != nil {
		t.Fatalf("overwrite token: %v", err)
	}
	got, err := s.GetToken(ctx, "acc1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got == nil || got.AccessTokenEnc != "ct2" || got.ExpiresAt != 123 {
		t.Fatalf("unexpected token: %+v", got)
	}

	if err := s.DeleteToken(ctx, "acc1"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	got, err = s.GetToken(ctx, "acc1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}
