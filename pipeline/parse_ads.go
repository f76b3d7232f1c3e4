package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// adKey identifies one campaign-month inside a capture.
type adKey struct {
	campaign string
	period   Period
}

func (p *Parser) parseAds(ctx context.Context, raw *store.RawResponse, envelope map[string]json.RawMessage) error {
	body, ok := envelope["campaigns"]
	if !ok {
		return fmt.Errorf("ads: capture %s has no campaigns payload", raw.ID)
	}
	rows, err := provider.DecodeCampaignStats(body)
	if err != nil {
		return fmt.Errorf("ads: %w", err)
	}

	type acc struct {
		name        string
		impressions int64
		clicks      int64
		cost        float64
		conversions int64
	}
	months := map[adKey]*acc{}
	for _, r := range rows {
		if r.CampaignID == "" {
			p.logger.Debug("ads: row without campaign id skipped", "raw", raw.ID)
			continue
		}
		per, err := monthOfDate(r.Date)
		if err != nil {
			p.logger.Debug("ads: row with bad date skipped",
				"raw", raw.ID, "campaign", r.CampaignID, "date", r.Date)
			continue
		}
		k := adKey{campaign: r.CampaignID, period: per}
		a, ok := months[k]
		if !ok {
			a = &acc{}
			months[k] = a
		}
		if r.CampaignName != "" {
			a.name = r.CampaignName
		}
		a.impressions += r.Impressions
		a.clicks += r.Clicks
		a.cost += r.Cost
		a.conversions += r.Conversions
	}

	facts := make([]*store.AdFact, 0, len(months))
	for k, a := range months {
		facts = append(facts, &store.AdFact{
			ProjectID:   raw.ProjectID,
			EntityID:    k.campaign,
			Name:        a.name,
			Year:        k.period.Year,
			Month:       k.period.Month,
			Impressions: a.impressions,
			Clicks:      a.clicks,
			Cost:        a.cost,
			Conversions: a.conversions,
		})
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Year != facts[j].Year {
			return facts[i].Year < facts[j].Year
		}
		if facts[i].Month != facts[j].Month {
			return facts[i].Month < facts[j].Month
		}
		return facts[i].EntityID < facts[j].EntityID
	})
	return p.store.UpsertAdFacts(ctx, facts)
}
