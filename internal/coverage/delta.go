package coverage

import (
	"math"
	"sort"
)

const maxRiskScore = 5.0

// FirstPresent returns the first non-nil value, or nil when all are nil.
// It keeps precedence rules such as "after, then before" explicit.
func FirstPresent[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// ComputeDelta diffs two snapshots file by file. Every path present in
// either snapshot appears exactly once in the result, ordered by path.
// Nil snapshots are treated as empty.
func ComputeDelta(before, after *Snapshot, opts DeltaOptions) DeltaSummary {
	beforeFiles := indexFiles(before)
	afterFiles := indexFiles(after)

	paths := make([]string, 0, len(beforeFiles)+len(afterFiles))
	for p := range beforeFiles {
		paths = append(paths, p)
	}
	for p := range afterFiles {
		if _, ok := beforeFiles[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	summary := DeltaSummary{
		Files:                 make([]FileDelta, 0, len(paths)),
		Regressions:           []FileDelta{},
		Improvements:          []FileDelta{},
		UntestedHighRiskFiles: []FileDelta{},
	}

	for _, path := range paths {
		b, hasBefore := beforeFiles[path]
		a, hasAfter := afterFiles[path]

		fd := FileDelta{Path: path}
		if hasBefore {
			fd.Before = b.Pct
		}
		if hasAfter {
			fd.After = a.Pct
		}
		fd.Delta = diff(fd.Before, fd.After)

		var beforeRisk, afterRisk *float64
		if hasBefore {
			beforeRisk = b.RiskScore
		}
		if hasAfter {
			afterRisk = a.RiskScore
		}
		fd.RiskScore = FirstPresent(afterRisk, beforeRisk)

		if fd.RiskScore != nil {
			normalized := *fd.RiskScore / maxRiskScore
			untested := fd.After == nil || *fd.After == 0
			fd.HighRiskUntested = normalized >= opts.HighRiskThreshold && untested
		}
		if fd.Delta != nil {
			d := *fd.Delta
			fd.Regression = d < 0 && math.Abs(d) >= opts.SignificantRegressionPct
			fd.Improvement = d > 0
		}

		summary.Files = append(summary.Files, fd)
		if fd.Regression {
			summary.Regressions = append(summary.Regressions, fd)
		}
		if fd.Improvement {
			summary.Improvements = append(summary.Improvements, fd)
		}
		if fd.HighRiskUntested {
			summary.UntestedHighRiskFiles = append(summary.UntestedHighRiskFiles, fd)
		}
	}

	if before != nil {
		summary.TotalBefore = before.TotalPct
	}
	if after != nil {
		summary.TotalAfter = after.TotalPct
	}
	summary.TotalDelta = diff(summary.TotalBefore, summary.TotalAfter)

	return summary
}

// RegressionSeverity grades a coverage change. A nil risk score only
// matters for the critical high-risk rule.
func RegressionSeverity(delta float64, risk *float64) Severity {
	abs := math.Abs(delta)
	highRisk := risk != nil && *risk >= 4
	switch {
	case (highRisk && abs > 5) || abs > 10:
		return SeverityCritical
	case abs >= 2:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func indexFiles(s *Snapshot) map[string]FileCoverage {
	m := make(map[string]FileCoverage)
	if s == nil {
		return m
	}
	for _, f := range s.Files {
		m[f.Path] = f
	}
	return m
}

// diff returns after-before rounded to two decimals, or nil if either side is missing.
func diff(before, after *float64) *float64 {
	if before == nil || after == nil {
		return nil
	}
	d := round2(*after - *before)
	return &d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
