// Package analytics aggregates archived cycles into the numbers shown by
// `atp stats`.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/db"
)

// PhaseCount is how many cycles ended in a phase.
type PhaseCount struct {
	Phase cycle.Phase `json:"phase"`
	Count int         `json:"count"`
	Pct   float64     `json:"pct"`
}

// TriggerCount is how many cycles an origin started.
type TriggerCount struct {
	Trigger cycle.Trigger `json:"trigger"`
	Count   int           `json:"count"`
}

// Durations holds duration stats in seconds.
type Durations struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
	Max   float64 `json:"max_seconds"`
}

// CoverageTrend summarizes total coverage movement across cycles.
type CoverageTrend struct {
	Measured       int      `json:"measured"`
	MeanDelta      float64  `json:"mean_delta"`
	WorstDelta     *float64 `json:"worst_delta,omitempty"`
	BestDelta      *float64 `json:"best_delta,omitempty"`
	Latest         *float64 `json:"latest_pct,omitempty"`
	RegressionRuns int      `json:"regression_runs"`
}

// DayCount is per-day throughput.
type DayCount struct {
	Day    string `json:"day"`
	Cycles int    `json:"cycles"`
	Failed int    `json:"failed"`
}

// Stats is the aggregate over a set of cycles.
type Stats struct {
	Total          int            `json:"total"`
	Phases         []PhaseCount   `json:"phases"`
	Triggers       []TriggerCount `json:"triggers"`
	Durations      Durations      `json:"durations"`
	Coverage       CoverageTrend  `json:"coverage"`
	FailingRunPct  float64        `json:"failing_run_pct"`
	GeneratedTests int            `json:"generated_tests"`
	SuggestedFixes int            `json:"suggested_fixes"`
	Daily          []DayCount     `json:"daily"`
}

// Compute aggregates records. Order of records does not matter.
func Compute(records []db.CycleRecord) Stats {
	s := Stats{
		Total:    len(records),
		Phases:   []PhaseCount{},
		Triggers: []TriggerCount{},
		Daily:    []DayCount{},
	}
	if len(records) == 0 {
		return s
	}

	phases := map[cycle.Phase]int{}
	triggers := map[cycle.Trigger]int{}
	days := map[string]*DayCount{}
	var durations, deltas []float64
	var failingRuns int
	var latestAt time.Time

	for _, r := range records {
		phases[r.Phase]++
		triggers[r.Trigger]++
		s.GeneratedTests += r.GeneratedTests
		s.SuggestedFixes += r.SuggestedFixes

		if r.FinishedAt != nil {
			durations = append(durations, float64(r.DurationMs)/1000)
		}
		if r.FailingTests > 0 {
			failingRuns++
		}
		if r.CoverageDelta != nil {
			deltas = append(deltas, *r.CoverageDelta)
			if *r.CoverageDelta < 0 {
				s.Coverage.RegressionRuns++
			}
		}
		if r.CoverageAfter != nil && r.StartedAt.After(latestAt) {
			latestAt = r.StartedAt
			v := *r.CoverageAfter
			s.Coverage.Latest = &v
		}

		day := r.StartedAt.UTC().Format("2006-01-02")
		dc := days[day]
		if dc == nil {
			dc = &DayCount{Day: day}
			days[day] = dc
		}
		dc.Cycles++
		if r.Phase == cycle.PhaseError {
			dc.Failed++
		}
	}

	for p, n := range phases {
		s.Phases = append(s.Phases, PhaseCount{Phase: p, Count: n, Pct: pct(n, s.Total)})
	}
	sort.Slice(s.Phases, func(i, j int) bool { return s.Phases[i].Phase < s.Phases[j].Phase })

	for t, n := range triggers {
		s.Triggers = append(s.Triggers, TriggerCount{Trigger: t, Count: n})
	}
	sort.Slice(s.Triggers, func(i, j int) bool { return s.Triggers[i].Trigger < s.Triggers[j].Trigger })

	for _, dc := range days {
		s.Daily = append(s.Daily, *dc)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Day < s.Daily[j].Day })

	sort.Float64s(durations)
	s.Durations = Durations{
		Count: len(durations),
		Avg:   avg(durations),
		P50:   percentile(durations, 50),
		P95:   percentile(durations, 95),
	}
	if n := len(durations); n > 0 {
		s.Durations.Max = round1(durations[n-1])
	}

	if len(deltas) > 0 {
		sort.Float64s(deltas)
		worst, best := deltas[0], deltas[len(deltas)-1]
		s.Coverage.Measured = len(deltas)
		s.Coverage.MeanDelta = math.Round(mean(deltas)*100) / 100
		s.Coverage.WorstDelta = &worst
		s.Coverage.BestDelta = &best
	}

	s.FailingRunPct = pct(failingRuns, s.Total)
	return s
}

// --- helpers ---

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func avg(values []float64) float64 {
	return round1(mean(values))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return round1(sorted[lower])
	}
	weight := rank - float64(lower)
	return round1(sorted[lower]*(1-weight) + sorted[upper]*weight)
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
