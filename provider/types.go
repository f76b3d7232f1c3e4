// Package provider talks to the external analytics provider: authenticated
// HTTP calls, OAuth token refresh, payload decoding, per-account circuit
// breaking and error classification.
//
// Fetch methods return the verbatim response body so the capture stage can
// persist exactly what the provider sent. Decoding happens later, in the
// parse stage, through the Decode helpers here.
package provider

import (
	"encoding/json"
	"fmt"
)

// Endpoint paths at the provider.
const (
	EndpointTraffic      = "/stat/v1/data"
	EndpointDemographics = "/stat/v1/data/demographics"
	EndpointGoals        = "/stat/v1/data/goals"
	EndpointCampaigns    = "/ads/v2/statistics"
	EndpointPositions    = "/rank/v1/positions"
	EndpointToken        = "/oauth/token"
)

// Tabular is the provider's dimensions-and-metrics report shape, shared by
// the traffic, demographics and goals endpoints. Each row carries one
// dimension value per requested dimension and one number per requested
// metric, in request order.
type Tabular struct {
	Query struct {
		Dimensions []string `json:"dimensions"`
		Metrics    []string `json:"metrics"`
	} `json:"query"`
	Data []TabularRow `json:"data"`
	// TotalRows is the provider-side row count before pagination.
	TotalRows int `json:"total_rows"`
}

// TabularRow is one report row.
type TabularRow struct {
	Dimensions []DimValue `json:"dimensions"`
	Metrics    []float64  `json:"metrics"`
}

// DimValue is one dimension cell. ID is set for enumerable dimensions
// (goal IDs, age buckets), Name for date and free-form dimensions.
type DimValue struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// Metric returns the row's value for the metric at position i in the
// request, guarding against short rows in malformed payloads.
func (r TabularRow) Metric(i int) (float64, error) {
	if i < 0 || i >= len(r.Metrics) {
		return 0, fmt.Errorf("metric index %d out of range (row has %d)", i, len(r.Metrics))
	}
	return r.Metrics[i], nil
}

// Dim returns the row's value for the dimension at position i.
func (r TabularRow) Dim(i int) (DimValue, error) {
	if i < 0 || i >= len(r.Dimensions) {
		return DimValue{}, fmt.Errorf("dimension index %d out of range (row has %d)", i, len(r.Dimensions))
	}
	return r.Dimensions[i], nil
}

// MetricIndex returns the position of name in the response's metric list,
// or an error when the provider did not echo the metric back.
func (t *Tabular) MetricIndex(name string) (int, error) {
	for i, m := range t.Query.Metrics {
		if m == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("metric %q missing from response", name)
}

// DimensionIndex returns the position of name in the response's dimension
// list.
func (t *Tabular) DimensionIndex(name string) (int, error) {
	for i, d := range t.Query.Dimensions {
		if d == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("dimension %q missing from response", name)
}

// CampaignStat is one flat row from the ad statistics endpoint.
type CampaignStat struct {
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Date         string  `json:"date"` // YYYY-MM-DD
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
	Cost         float64 `json:"cost"`
	Conversions  int64   `json:"conversions"`
}

// PositionStat is one flat row from the search positions endpoint.
type PositionStat struct {
	Query       string  `json:"query"`
	URL         string  `json:"url"`
	Date        string  `json:"date"` // YYYY-MM-DD
	Position    float64 `json:"position"`
	Impressions int64   `json:"impressions"`
}

// DecodeTabular parses a dimensions-and-metrics payload.
func DecodeTabular(body []byte) (*Tabular, error) {
	var t Tabular
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode tabular payload: %w", err)
	}
	return &t, nil
}

// DecodeCampaignStats parses the ad statistics payload.
func DecodeCampaignStats(body []byte) ([]CampaignStat, error) {
	var wrapper struct {
		Rows []CampaignStat `json:"rows"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode campaign stats: %w", err)
	}
	return wrapper.Rows, nil
}

// DecodePositionStats parses the search positions payload.
func DecodePositionStats(body []byte) ([]PositionStat, error) {
	var wrapper struct {
		Rows []PositionStat `json:"rows"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode position stats: %w", err)
	}
	return wrapper.Rows, nil
}
