package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// pairKey is the content key for search facts: a tracked query landing on
// a specific page.
type pairKey struct {
	query string
	url   string
}

func (p *Parser) parseSearch(ctx context.Context, raw *store.RawResponse, envelope map[string]json.RawMessage) error {
	body, ok := envelope["positions"]
	if !ok {
		return fmt.Errorf("search: capture %s has no positions payload", raw.ID)
	}
	rows, err := provider.DecodePositionStats(body)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	type acc struct {
		posWeighted float64 // position_i * impressions_i
		posSum      float64
		records     int64
		impressions int64
	}
	months := map[Period]map[pairKey]*acc{}
	for _, r := range rows {
		if r.Query == "" {
			p.logger.Debug("search: row without query skipped", "raw", raw.ID)
			continue
		}
		per, err := monthOfDate(r.Date)
		if err != nil {
			p.logger.Debug("search: row with bad date skipped",
				"raw", raw.ID, "query", r.Query, "date", r.Date)
			continue
		}
		pairs, ok := months[per]
		if !ok {
			pairs = map[pairKey]*acc{}
			months[per] = pairs
		}
		k := pairKey{query: r.Query, url: r.URL}
		a, ok := pairs[k]
		if !ok {
			a = &acc{}
			pairs[k] = a
		}
		a.posWeighted += r.Position * float64(r.Impressions)
		a.posSum += r.Position
		a.records++
		a.impressions += r.Impressions
	}

	// Each month present in the capture is replaced wholesale: pairs the
	// provider stopped reporting are pruned for that month only.
	for per, pairs := range months {
		facts := make([]*store.SearchFact, 0, len(pairs))
		for k, a := range pairs {
			pos := 0.0
			if a.impressions > 0 {
				pos = a.posWeighted / float64(a.impressions)
			} else if a.records > 0 {
				pos = a.posSum / float64(a.records)
			}
			facts = append(facts, &store.SearchFact{
				Query:       k.query,
				URL:         k.url,
				Position:    pos,
				Impressions: a.impressions,
			})
		}
		sort.Slice(facts, func(i, j int) bool {
			if facts[i].Query != facts[j].Query {
				return facts[i].Query < facts[j].Query
			}
			return facts[i].URL < facts[j].URL
		})
		if err := p.store.ReplaceSearchFacts(ctx, raw.ProjectID, raw.EntityID,
			per.Year, per.Month, facts); err != nil {
			return fmt.Errorf("search: replace %s: %w", per, err)
		}
	}
	return nil
}
