// Package cycle holds the value types shared by the orchestrator, the
// analysis engines, and the bridges.
package cycle

import (
	"maps"
	"slices"
	"time"

	"github.com/lucasnoah/atp/internal/coverage"
)

// Phase is the lifecycle position of a cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseAnalyzing Phase = "analyzing"
	PhaseFinished  Phase = "finished"
	PhaseError     Phase = "error"
	PhaseCanceled  Phase = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseFinished, PhaseError, PhaseCanceled:
		return true
	}
	return false
}

// IsActive reports whether a cycle in this phase is still in flight.
func (p Phase) IsActive() bool {
	switch p {
	case PhaseQueued, PhaseRunning, PhaseAnalyzing:
		return true
	}
	return false
}

// Trigger records what started a cycle.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerSave   Trigger = "save"
	TriggerCommit Trigger = "commit"
	TriggerRun    Trigger = "run"
)

// ParseTrigger maps a user-supplied string to a Trigger.
func ParseTrigger(s string) (Trigger, bool) {
	switch t := Trigger(s); t {
	case TriggerManual, TriggerSave, TriggerCommit, TriggerRun:
		return t, true
	}
	return "", false
}

// Step names a pipeline step.
type Step string

const (
	StepDiscovery       Step = "discovery"
	StepRunTests        Step = "run_tests"
	StepAnalyzeCoverage Step = "analyze_coverage"
	StepGenerateTests   Step = "generate_tests"
	StepAnalyzeFailures Step = "analyze_failures"
)

// Steps lists every pipeline step in execution order.
var Steps = []Step{
	StepDiscovery,
	StepRunTests,
	StepAnalyzeCoverage,
	StepGenerateTests,
	StepAnalyzeFailures,
}

// ParseStep reports whether s names a pipeline step.
func ParseStep(s string) (Step, bool) {
	st := Step(s)
	return st, slices.Contains(Steps, st)
}

// Fatal reports whether a failure in this step aborts the cycle.
func (s Step) Fatal() bool {
	switch s {
	case StepDiscovery, StepRunTests, StepAnalyzeCoverage:
		return true
	}
	return false
}

// Level is a log entry severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LogEntry is one line of a cycle's log stream.
type LogEntry struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Level   Level          `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// TestCounts aggregates a test run.
type TestCounts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// RawFailure is one failing test as reported by the test runner.
type RawFailure struct {
	SuiteID      string `json:"suite_id"`
	SuiteName    string `json:"suite_name"`
	SuiteKind    string `json:"suite_kind"`
	TestName     string `json:"test_name"`
	ErrorMessage string `json:"error_message"`
	Stack        string `json:"stack,omitempty"`
}

// Location points into a source file.
type Location struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
}

// FixStatus tracks a suggested fix. Transitions beyond pending happen
// through enrichment or user action.
type FixStatus string

const (
	FixPending FixStatus = "pending"
	FixReady   FixStatus = "ready"
	FixFailed  FixStatus = "failed"
	FixApplied FixStatus = "applied"
)

// SuggestedFix is the analysis of one failing test.
type SuggestedFix struct {
	ID             string    `json:"id"`
	SuiteID        string    `json:"suite_id"`
	SuiteName      string    `json:"suite_name"`
	SuiteKind      string    `json:"suite_kind"`
	TestName       string    `json:"test_name"`
	ErrorMessage   string    `json:"error_message"`
	Stack          string    `json:"stack,omitempty"`
	TestLocation   *Location `json:"test_location,omitempty"`
	SourceLocation *Location `json:"source_location,omitempty"`
	Reason         string    `json:"reason"`
	Patch          string    `json:"patch,omitempty"`
	Status         FixStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// FailureSummary condenses the failure analysis of one cycle.
type FailureSummary struct {
	TotalFailures     int      `json:"total_failures"`
	FailingSuites     []string `json:"failing_suites"`
	SuggestedFixCount int      `json:"suggested_fix_count"`
}

// GeneratedTestSuggestion is a proposed new test file for an untested file.
type GeneratedTestSuggestion struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	TargetPath  string    `json:"target_path"`
	Framework   string    `json:"framework"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	RiskScore   float64   `json:"risk_score"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnrichmentStats records what the language-model bridge did.
type EnrichmentStats struct {
	Called        bool `json:"called"`
	EnrichedCount int  `json:"enriched_count"`
	FailedCount   int  `json:"failed_count"`
}

// Summary is the compact record of a finished cycle.
type Summary struct {
	ID             string   `json:"id"`
	StartedAt      int64    `json:"started_at"`
	FinishedAt     int64    `json:"finished_at"`
	Origin         Trigger  `json:"origin"`
	Phase          Phase    `json:"phase"`
	CoverageDelta  *float64 `json:"coverage_delta"`
	TotalTests     int      `json:"total_tests"`
	FailingTests   int      `json:"failing_tests"`
	GeneratedTests int      `json:"generated_tests"`
	SuggestedFixes int      `json:"suggested_fixes"`
}

// Metrics accumulates the measurements of one cycle. Pointer and slice
// fields stay nil until the owning step runs.
type Metrics struct {
	DiscoveredFiles []string                  `json:"discovered_files,omitempty"`
	Tests           *TestCounts               `json:"tests,omitempty"`
	CoverageBefore  *float64                  `json:"coverage_before,omitempty"`
	CoverageAfter   *float64                  `json:"coverage_after,omitempty"`
	CoverageDelta   *coverage.DeltaSummary    `json:"coverage_delta,omitempty"`
	Regressions     int                       `json:"regressions"`
	Improvements    int                       `json:"improvements"`
	GeneratedTests  []GeneratedTestSuggestion `json:"generated_tests,omitempty"`
	SuggestedFixes  []SuggestedFix            `json:"suggested_fixes,omitempty"`
	FailureSummary  *FailureSummary           `json:"failure_summary,omitempty"`
	Enrichment      *EnrichmentStats          `json:"enrichment,omitempty"`
	Summary         *Summary                  `json:"summary,omitempty"`
}

// State is one run of the pipeline.
type State struct {
	ID           string            `json:"id"`
	Trigger      Trigger           `json:"trigger"`
	Phase        Phase             `json:"phase"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	CanceledAt   *time.Time        `json:"canceled_at,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Logs         []LogEntry        `json:"logs"`
	Metrics      Metrics           `json:"metrics"`
	Context      map[string]string `json:"context,omitempty"`
}

// Clone returns a deep copy of s. Log meta maps are copied one level;
// their values are scalars.
func (s State) Clone() State {
	c := s
	c.FinishedAt = clonePtr(s.FinishedAt)
	c.CanceledAt = clonePtr(s.CanceledAt)
	c.Context = maps.Clone(s.Context)
	if s.Logs != nil {
		c.Logs = make([]LogEntry, len(s.Logs))
		for i, l := range s.Logs {
			l.Meta = maps.Clone(l.Meta)
			c.Logs[i] = l
		}
	}
	c.Metrics = s.Metrics.Clone()
	return c
}

// Clone returns a deep copy of m.
func (m Metrics) Clone() Metrics {
	c := m
	c.DiscoveredFiles = slices.Clone(m.DiscoveredFiles)
	c.GeneratedTests = slices.Clone(m.GeneratedTests)
	c.Tests = clonePtr(m.Tests)
	c.CoverageBefore = clonePtr(m.CoverageBefore)
	c.CoverageAfter = clonePtr(m.CoverageAfter)
	c.Enrichment = clonePtr(m.Enrichment)
	if m.CoverageDelta != nil {
		d := m.CoverageDelta.Clone()
		c.CoverageDelta = &d
	}
	if m.SuggestedFixes != nil {
		c.SuggestedFixes = make([]SuggestedFix, len(m.SuggestedFixes))
		for i, f := range m.SuggestedFixes {
			f.TestLocation = clonePtr(f.TestLocation)
			f.SourceLocation = clonePtr(f.SourceLocation)
			c.SuggestedFixes[i] = f
		}
	}
	if m.FailureSummary != nil {
		fs := *m.FailureSummary
		fs.FailingSuites = slices.Clone(fs.FailingSuites)
		c.FailureSummary = &fs
	}
	if m.Summary != nil {
		sum := *m.Summary
		sum.CoverageDelta = clonePtr(sum.CoverageDelta)
		c.Summary = &sum
	}
	return c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// StartOptions configures one cycle.
type StartOptions struct {
	Trigger   Trigger           `json:"trigger"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
	SkipSteps []Step            `json:"skip_steps,omitempty"`
	Files     []string          `json:"files,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Skips reports whether step was requested to be skipped.
func (o StartOptions) Skips(step Step) bool {
	return slices.Contains(o.SkipSteps, step)
}
