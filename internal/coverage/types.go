package coverage

// FileCoverage is the coverage of a single file at one point in time.
type FileCoverage struct {
	Path      string   `json:"path"`
	Pct       *float64 `json:"pct"`
	RiskScore *float64 `json:"risk_score,omitempty"`
}

// Snapshot is point-in-time coverage for a whole project.
// A nil Pct means the measurement service had no data for that file.
type Snapshot struct {
	TotalPct *float64       `json:"total_pct"`
	Files    []FileCoverage `json:"files"`
}

// FileDelta compares one file across two snapshots.
type FileDelta struct {
	Path             string   `json:"path"`
	Before           *float64 `json:"before"`
	After            *float64 `json:"after"`
	Delta            *float64 `json:"delta"`
	RiskScore        *float64 `json:"risk_score,omitempty"`
	Regression       bool     `json:"regression"`
	Improvement      bool     `json:"improvement"`
	HighRiskUntested bool     `json:"high_risk_untested"`
}

// DeltaSummary is the classified diff between two snapshots.
type DeltaSummary struct {
	Files                 []FileDelta `json:"files"`
	Regressions           []FileDelta `json:"regressions"`
	Improvements          []FileDelta `json:"improvements"`
	UntestedHighRiskFiles []FileDelta `json:"untested_high_risk_files"`
	TotalBefore           *float64    `json:"total_before"`
	TotalAfter            *float64    `json:"total_after"`
	TotalDelta            *float64    `json:"total_delta"`
}

// DeltaOptions tunes classification.
type DeltaOptions struct {
	// HighRiskThreshold is compared against riskScore/5.
	HighRiskThreshold float64 `json:"high_risk_threshold" yaml:"high_risk_threshold"`
	// SignificantRegressionPct is the minimum drop, in points, that counts as a regression.
	SignificantRegressionPct float64 `json:"significant_regression_pct" yaml:"significant_regression_pct"`
}

// DefaultDeltaOptions returns the stock thresholds.
func DefaultDeltaOptions() DeltaOptions {
	return DeltaOptions{
		HighRiskThreshold:        0.8,
		SignificantRegressionPct: 2,
	}
}

// Severity grades a coverage regression.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Float returns a pointer to v. Handy for building snapshots in code.
func Float(v float64) *float64 {
	return &v
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Clone returns a copy that shares no pointers with d.
func (d FileDelta) Clone() FileDelta {
	d.Before = clonePtr(d.Before)
	d.After = clonePtr(d.After)
	d.Delta = clonePtr(d.Delta)
	d.RiskScore = clonePtr(d.RiskScore)
	return d
}

func cloneDeltas(in []FileDelta) []FileDelta {
	if in == nil {
		return nil
	}
	out := make([]FileDelta, len(in))
	for i, f := range in {
		out[i] = f.Clone()
	}
	return out
}

// Clone returns a deep copy of s.
func (s DeltaSummary) Clone() DeltaSummary {
	return DeltaSummary{
		Files:                 cloneDeltas(s.Files),
		Regressions:           cloneDeltas(s.Regressions),
		Improvements:          cloneDeltas(s.Improvements),
		UntestedHighRiskFiles: cloneDeltas(s.UntestedHighRiskFiles),
		TotalBefore:           clonePtr(s.TotalBefore),
		TotalAfter:            clonePtr(s.TotalAfter),
		TotalDelta:            clonePtr(s.TotalDelta),
	}
}
