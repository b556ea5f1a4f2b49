package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/atp/internal/analytics"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/db"
)

func init() {
	color.NoColor = true
}

func sampleCycle() cycle.State {
	started := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return cycle.State{
		ID:         "c-1",
		Trigger:    cycle.TriggerSave,
		Phase:      cycle.PhaseFinished,
		StartedAt:  started,
		DurationMs: 2500,
		Logs: []cycle.LogEntry{
			{TS: started, Level: cycle.LevelInfo, Message: "cycle queued"},
			{TS: started.Add(time.Second), Level: cycle.LevelWarn, Message: "coverage regression in src/pay.ts: -4.00%"},
		},
		Metrics: cycle.Metrics{
			Tests: &cycle.TestCounts{Total: 12, Passed: 11, Failed: 1},
			CoverageDelta: &coverage.DeltaSummary{
				TotalBefore: coverage.Float(80),
				TotalAfter:  coverage.Float(78),
				TotalDelta:  coverage.Float(-2),
				Regressions: []coverage.FileDelta{{Path: "src/pay.ts", Delta: coverage.Float(-4)}},
				UntestedHighRiskFiles: []coverage.FileDelta{
					{Path: "src/auth.ts", RiskScore: coverage.Float(5)},
				},
			},
			GeneratedTests: []cycle.GeneratedTestSuggestion{
				{SourcePath: "src/auth.ts", TargetPath: "tests/auth.test.ts"},
			},
			SuggestedFixes: []cycle.SuggestedFix{{
				TestName:       "charges card",
				SuiteID:        "tests/pay.test.ts",
				Reason:         "TypeError: x is undefined",
				Status:         cycle.FixPending,
				SourceLocation: &cycle.Location{FilePath: "src/pay.ts", Line: 18},
			}},
		},
	}
}

func TestPrintCycle(t *testing.T) {
	var buf bytes.Buffer
	PrintCycle(&buf, sampleCycle(), false)
	out := buf.String()

	assert.Contains(t, out, "Cycle c-1 FINISHED")
	assert.Contains(t, out, "trigger=save duration=2.5s")
	assert.Contains(t, out, "12 total, 11 passed, 1 failed, 0 skipped")
	assert.Contains(t, out, "80.00% -> 78.00% (-2.00)")
	assert.Contains(t, out, "▼ src/pay.ts -4.00")
	assert.Contains(t, out, "! src/auth.ts untested (risk 5)")
	assert.Contains(t, out, "tests/auth.test.ts (for src/auth.ts)")
	assert.Contains(t, out, "[pending] src/pay.ts:18")
	assert.NotContains(t, out, "LOG")
}

func TestPrintCycle_VerboseAndError(t *testing.T) {
	st := sampleCycle()
	st.Phase = cycle.PhaseError
	st.ErrorMessage = "step run_tests: boom"
	var buf bytes.Buffer
	PrintCycle(&buf, st, true)
	out := buf.String()

	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "step run_tests: boom")
	assert.Contains(t, out, "LOG")
	assert.Contains(t, out, "warn  coverage regression in src/pay.ts")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	PrintHistory(&buf, nil)
	assert.Equal(t, "No cycles recorded.\n", buf.String())

	buf.Reset()
	PrintHistory(&buf, []db.CycleRecord{{
		ID: "c-1", Trigger: cycle.TriggerManual, Phase: cycle.PhaseCanceled,
		StartedAt: time.Now(), DurationMs: 1200, FailingTests: 3, CoverageDelta: coverage.Float(1.5),
	}})
	out := buf.String()
	assert.Contains(t, out, "TRIGGER")
	assert.Contains(t, out, "canceled")
	assert.Contains(t, out, "1.2s")
	assert.Contains(t, out, "+1.50")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	PrintStats(&buf, analytics.Stats{})
	assert.Equal(t, "No cycles recorded.\n", buf.String())

	buf.Reset()
	PrintStats(&buf, analytics.Stats{
		Total:     4,
		Phases:    []analytics.PhaseCount{{Phase: cycle.PhaseFinished, Count: 3, Pct: 75}},
		Durations: analytics.Durations{Count: 4, Avg: 2, P50: 2, P95: 3.5, Max: 4},
		Coverage:  analytics.CoverageTrend{Measured: 2, MeanDelta: -0.5, RegressionRuns: 1},
		Daily:     []analytics.DayCount{{Day: "2026-05-04", Cycles: 4, Failed: 1}},
	})
	out := buf.String()
	assert.Contains(t, out, "4 cycles")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "p95 3.5")
	assert.Contains(t, out, "1 of 2 measured cycles regressed")
	assert.Contains(t, out, "2026-05-04")
}

func TestWriteCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	require.NoError(t, WriteCycle(path, sampleCycle()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got cycle.State
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "c-1", got.ID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteAtomic_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, WriteAtomic(path, []byte("one")))
	require.NoError(t, WriteAtomic(path, []byte("two")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
