package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/GD-TG/analytics-platform-sub000/provider"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// trafficMonth accumulates one month of analytics records. Rates and
// durations carry visit-weighted sums so the final value is
// Σ(rate·visits) / Σ(visits), never an average of daily averages.
type trafficMonth struct {
	visits         int64
	users          int64
	bounceWeighted float64 // bounceRate_i * visits_i
	durWeighted    float64 // avgDuration_i * visits_i
	conversions    int64
	ageCounts      map[string]float64 // absolute visit counts per bucket
}

func (p *Parser) parseTraffic(ctx context.Context, raw *store.RawResponse, entity *store.Entity, envelope map[string]json.RawMessage) error {
	months := map[Period]*trafficMonth{}
	month := func(per Period) *trafficMonth {
		m, ok := months[per]
		if !ok {
			m = &trafficMonth{ageCounts: map[string]float64{}}
			months[per] = m
		}
		return m
	}

	if body, ok := envelope["traffic"]; ok {
		if err := p.accumTraffic(body, month); err != nil {
			return err
		}
	}
	if body, ok := envelope["demographics"]; ok {
		if err := p.accumDemographics(body, month); err != nil {
			return err
		}
	}
	if body, ok := envelope["goals"]; ok {
		goals, err := conversionGoalSet(entity.ConversionGoals)
		if err != nil {
			return fmt.Errorf("entity %s conversion goals: %w", entity.ID, err)
		}
		if err := p.accumGoals(body, goals, month); err != nil {
			return err
		}
	}

	facts := make([]*store.TrafficFact, 0, len(months))
	for per, m := range months {
		bounce, dur := 0.0, 0.0
		if m.visits > 0 {
			bounce = m.bounceWeighted / float64(m.visits)
			dur = m.durWeighted / float64(m.visits)
		}
		ages, err := ageShares(m.ageCounts)
		if err != nil {
			return err
		}
		facts = append(facts, &store.TrafficFact{
			ProjectID:      raw.ProjectID,
			EntityID:       raw.EntityID,
			Year:           per.Year,
			Month:          per.Month,
			Visits:         m.visits,
			Users:          m.users,
			BounceRate:     bounce,
			AvgDurationSec: dur,
			Conversions:    m.conversions,
			AgeGroups:      ages,
		})
	}
	// Stable write order keeps transaction behavior deterministic.
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Year != facts[j].Year {
			return facts[i].Year < facts[j].Year
		}
		return facts[i].Month < facts[j].Month
	})
	return p.store.UpsertTrafficFacts(ctx, facts)
}

// accumTraffic folds the daily traffic report into per-month accumulators.
// Records with a missing or malformed date are skipped, not fatal: one bad
// row must not block the rest of the window.
func (p *Parser) accumTraffic(body json.RawMessage, month func(Period) *trafficMonth) error {
	tab, err := provider.DecodeTabular(body)
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}
	dateIdx, err := tab.DimensionIndex("date")
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}
	visitsIdx, err := tab.MetricIndex("visits")
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}
	usersIdx, err := tab.MetricIndex("users")
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}
	bounceIdx, err := tab.MetricIndex("bounceRate")
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}
	durIdx, err := tab.MetricIndex("avgVisitDurationSeconds")
	if err != nil {
		return fmt.Errorf("traffic: %w", err)
	}

	for _, row := range tab.Data {
		per, ok := p.rowPeriod(row, dateIdx, "traffic")
		if !ok {
			continue
		}
		visits, err1 := row.Metric(visitsIdx)
		users, err2 := row.Metric(usersIdx)
		bounce, err3 := row.Metric(bounceIdx)
		dur, err4 := row.Metric(durIdx)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			p.logger.Debug("traffic: short row skipped", "period", per)
			continue
		}
		m := month(per)
		m.visits += int64(visits)
		m.users += int64(users)
		m.bounceWeighted += bounce * visits
		m.durWeighted += dur * visits
	}
	return nil
}

// accumDemographics folds the per-age-bucket visit counts into the month
// accumulators as absolute counts; shares are computed once per month.
func (p *Parser) accumDemographics(body json.RawMessage, month func(Period) *trafficMonth) error {
	tab, err := provider.DecodeTabular(body)
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}
	dateIdx, err := tab.DimensionIndex("date")
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}
	ageIdx, err := tab.DimensionIndex("ageGroup")
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}
	visitsIdx, err := tab.MetricIndex("visits")
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}

	for _, row := range tab.Data {
		per, ok := p.rowPeriod(row, dateIdx, "demographics")
		if !ok {
			continue
		}
		age, err1 := row.Dim(ageIdx)
		visits, err2 := row.Metric(visitsIdx)
		if err1 != nil || err2 != nil || age.Name == "" {
			p.logger.Debug("demographics: short row skipped", "period", per)
			continue
		}
		month(per).ageCounts[age.Name] += visits
	}
	return nil
}

// accumGoals folds goal completions into the month accumulators. Only
// goals configured as conversions for the entity count; other goals are
// ignored entirely.
func (p *Parser) accumGoals(body json.RawMessage, goals map[string]bool, month func(Period) *trafficMonth) error {
	tab, err := provider.DecodeTabular(body)
	if err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	dateIdx, err := tab.DimensionIndex("date")
	if err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	goalIdx, err := tab.DimensionIndex("goal")
	if err != nil {
		return fmt.Errorf("goals: %w", err)
	}
	convIdx, err := tab.MetricIndex("conversions")
	if err != nil {
		return fmt.Errorf("goals: %w", err)
	}

	for _, row := range tab.Data {
		per, ok := p.rowPeriod(row, dateIdx, "goals")
		if !ok {
			continue
		}
		goal, err1 := row.Dim(goalIdx)
		conv, err2 := row.Metric(convIdx)
		if err1 != nil || err2 != nil {
			p.logger.Debug("goals: short row skipped", "period", per)
			continue
		}
		id := goal.ID
		if id == "" {
			id = goal.Name
		}
		if goals != nil && !goals[id] {
			continue
		}
		month(per).conversions += int64(conv)
	}
	return nil
}

// rowPeriod extracts the record's month from its date dimension. Grouping
// uses per-record dates, not the request window, because a window may span
// month boundaries.
func (p *Parser) rowPeriod(row provider.TabularRow, dateIdx int, group string) (Period, bool) {
	d, err := row.Dim(dateIdx)
	if err != nil {
		p.logger.Debug("record without date skipped", "group", group)
		return Period{}, false
	}
	per, err := monthOfDate(d.Name)
	if err != nil {
		p.logger.Debug("record with bad date skipped", "group", group, "date", d.Name)
		return Period{}, false
	}
	return per, true
}

// conversionGoalSet parses the entity's configured conversion goal IDs.
// A nil result means every goal counts.
func conversionGoalSet(raw string) (map[string]bool, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ageShares converts absolute per-bucket counts to percentage shares.
// json.Marshal sorts map keys, so equal counts always produce identical
// bytes.
func ageShares(counts map[string]float64) (string, error) {
	total := 0.0
	for _, c := range counts {
		total += c
	}
	shares := make(map[string]float64, len(counts))
	for bucket, c := range counts {
		if total > 0 {
			shares[bucket] = c / total * 100
		}
	}
	b, err := json.Marshal(shares)
	if err != nil {
		return "", fmt.Errorf("marshal age shares: %w", err)
	}
	return string(b), nil
}
