package pipeline

import (
	"fmt"
	"time"
)

// Period is one calendar month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"` // 1-12
}

// String renders the period as "2025-09".
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// End returns the first instant after the period, i.e. midnight UTC on the
// first day of the following month.
func (p Period) End() time.Time {
	return time.Date(p.Year, time.Month(p.Month)+1, 1, 0, 0, 0, 0, time.UTC)
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// Previous returns the period n months before p.
func (p Period) Previous(n int) Period {
	d := time.Date(p.Year, time.Month(p.Month-n), 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: d.Year(), Month: int(d.Month())}
}

// Aggregatable reports whether the period is old enough to roll up: its end
// must be at least minAgeDays in the past so late-arriving fetches for the
// closing days have landed. Aggregation callers must check this before
// scheduling a run; the aggregate stage itself trusts its input.
func (p Period) Aggregatable(now time.Time, minAgeDays int) bool {
	return !now.UTC().Before(p.End().AddDate(0, 0, minAgeDays))
}

// AggregatablePeriods returns the most recent lookback periods that pass
// the age gate, newest first.
func AggregatablePeriods(now time.Time, minAgeDays, lookback int) []Period {
	var out []Period
	p := PeriodOf(now)
	for i := 1; i <= lookback; i++ {
		cand := p.Previous(i)
		if cand.Aggregatable(now, minAgeDays) {
			out = append(out, cand)
		}
	}
	return out
}

// monthOfDate extracts the period from a provider date string (YYYY-MM-DD).
func monthOfDate(date string) (Period, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return Period{}, fmt.Errorf("bad date %q: %w", date, err)
	}
	return Period{Year: t.Year(), Month: int(t.Month())}, nil
}
