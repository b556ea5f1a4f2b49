package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
)

// --- Fakes ---

// blockingRunner parks in Run until released or its context ends.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, opts bridge.RunOptions) (*bridge.RunResult, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
		return &bridge.RunResult{Success: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeRunner struct {
	result *bridge.RunResult
	err    error
	calls  atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context, opts bridge.RunOptions) (*bridge.RunResult, error) {
	r.calls.Add(1)
	return r.result, r.err
}

type fakeCoverage struct {
	before, after *coverage.Snapshot
	baseErr       error
	postErr       error
}

func (c *fakeCoverage) CaptureBaseline(ctx context.Context) (*coverage.Snapshot, error) {
	return c.before, c.baseErr
}

func (c *fakeCoverage) CapturePostRun(ctx context.Context) (*coverage.Snapshot, error) {
	return c.after, c.postErr
}

type fakeEnricher struct {
	available bool
	err       error
	calls     atomic.Int32
}

func (e *fakeEnricher) IsAvailable() bool { return e.available }

func (e *fakeEnricher) Enrich(ctx context.Context, fixes []cycle.SuggestedFix) (*bridge.EnrichResult, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([]cycle.SuggestedFix, len(fixes))
	for i, f := range fixes {
		f.Patch = "--- a/x\n+++ b/x\n"
		f.Status = cycle.FixReady
		out[i] = f
	}
	return &bridge.EnrichResult{EnrichedFixes: out, EnrichedCount: len(out), Called: true}, nil
}

type fakeDiscoverer struct {
	files []string
	err   error
}

func (d fakeDiscoverer) Discover(ctx context.Context, opts cycle.StartOptions) ([]string, error) {
	return d.files, d.err
}

// --- Helpers ---

func newTestOrchestrator(t *testing.T, deps Deps, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(deps, opts...)
	t.Cleanup(o.Close)
	return o
}

func waitCycle(t *testing.T, o *Orchestrator, id string) cycle.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.IsActive() }, 5*time.Second, 5*time.Millisecond)
}

func waitStarted(t *testing.T, r *blockingRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner was never called")
	}
}

func hasLog(st cycle.State, level cycle.Level, substr string) bool {
	for _, l := range st.Logs {
		if l.Level == level && strings.Contains(l.Message, substr) {
			return true
		}
	}
	return false
}

func riskyCoverage() *fakeCoverage {
	return &fakeCoverage{
		before: &coverage.Snapshot{
			TotalPct: coverage.Float(80),
			Files: []coverage.FileCoverage{
				{Path: "src/auth/session.ts", Pct: coverage.Float(90), RiskScore: coverage.Float(4)},
				{Path: "src/util/fmt.ts", Pct: coverage.Float(50)},
			},
		},
		after: &coverage.Snapshot{
			TotalPct: coverage.Float(75.5),
			Files: []coverage.FileCoverage{
				{Path: "src/auth/session.ts", Pct: coverage.Float(70), RiskScore: coverage.Float(4)},
				{Path: "src/pay/charge.ts", Pct: coverage.Float(0), RiskScore: coverage.Float(5)},
				{Path: "src/util/fmt.ts", Pct: coverage.Float(60)},
			},
		},
	}
}

func failingRun() *bridge.RunResult {
	return &bridge.RunResult{
		Totals: cycle.TestCounts{Total: 3, Passed: 2, Failed: 1},
		Failures: []cycle.RawFailure{{
			SuiteID:      "tests/auth/session.test.ts",
			SuiteName:    "session.test.ts",
			SuiteKind:    "unit",
			TestName:     "session > refreshes token",
			ErrorMessage: "AssertionError: expected 'a' to be 'b'",
			Stack: "AssertionError: expected 'a' to be 'b'\n" +
				"    at Object.<anonymous> (tests/auth/session.test.ts:12:5)\n" +
				"    at refresh (src/auth/session.ts:40:9)",
		}},
		Success: false,
	}
}

// --- Tests ---

func TestStartCycle_FullPipeline(t *testing.T) {
	enricher := &fakeEnricher{available: true}
	o := newTestOrchestrator(t, Deps{
		Runner:     &fakeRunner{result: failingRun()},
		Coverage:   riskyCoverage(),
		Enricher:   enricher,
		Discoverer: fakeDiscoverer{files: []string{"src/auth/session.ts"}},
	})

	id := o.StartCycle(cycle.StartOptions{Trigger: cycle.TriggerManual, Context: map[string]string{"branch": "main"}})
	require.NotEmpty(t, id)

	st := waitCycle(t, o, id)
	assert.Equal(t, cycle.PhaseFinished, st.Phase)
	assert.Empty(t, st.ErrorMessage)
	assert.Equal(t, "main", st.Context["branch"])
	require.NotNil(t, st.FinishedAt)

	m := st.Metrics
	assert.Equal(t, []string{"src/auth/session.ts"}, m.DiscoveredFiles)
	require.NotNil(t, m.Tests)
	assert.Equal(t, cycle.TestCounts{Total: 3, Passed: 2, Failed: 1}, *m.Tests)

	require.NotNil(t, m.CoverageDelta)
	assert.Equal(t, 80.0, *m.CoverageBefore)
	assert.Equal(t, 75.5, *m.CoverageAfter)
	assert.Equal(t, -4.5, *m.CoverageDelta.TotalDelta)
	assert.Equal(t, 1, m.Regressions)
	assert.Equal(t, 1, m.Improvements)

	require.Len(t, m.GeneratedTests, 1)
	assert.Equal(t, "src/pay/charge.ts", m.GeneratedTests[0].SourcePath)
	assert.Equal(t, "tests/pay/charge.test.ts", m.GeneratedTests[0].TargetPath)

	require.Len(t, m.SuggestedFixes, 1)
	assert.Equal(t, cycle.FixReady, m.SuggestedFixes[0].Status)
	require.NotNil(t, m.FailureSummary)
	assert.Equal(t, 1, m.FailureSummary.TotalFailures)
	require.NotNil(t, m.Enrichment)
	assert.True(t, m.Enrichment.Called)
	assert.Equal(t, 1, m.Enrichment.EnrichedCount)

	require.NotNil(t, m.Summary)
	assert.Equal(t, id, m.Summary.ID)
	assert.Equal(t, 3, m.Summary.TotalTests)
	assert.Equal(t, 1, m.Summary.FailingTests)
	assert.Equal(t, 1, m.Summary.GeneratedTests)
	assert.Equal(t, 1, m.Summary.SuggestedFixes)
	assert.Equal(t, -4.5, *m.Summary.CoverageDelta)

	// -20 points on a risk-4 file is critical.
	assert.True(t, hasLog(st, cycle.LevelError, "coverage regression in src/auth/session.ts"))
	assert.True(t, hasLog(st, cycle.LevelWarn, "high-risk file src/pay/charge.ts"))
	assert.True(t, hasLog(st, cycle.LevelInfo, "cycle finished"))

	waitIdle(t, o)
	snap := o.Snapshot()
	assert.Nil(t, snap.Active)
	require.Len(t, snap.History, 1)
	assert.Equal(t, id, snap.History[0].ID)
	require.NotNil(t, o.LastCycleSummary())
	assert.Equal(t, id, o.LastCycleSummary().ID)
}

func TestStartCycle_SingleFlight(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})

	first := o.StartCycle(cycle.StartOptions{})
	require.NotEmpty(t, first)
	waitStarted(t, runner)

	second, err := o.Start(cycle.StartOptions{Trigger: cycle.TriggerRun})
	assert.Empty(t, second)
	assert.ErrorIs(t, err, ErrCycleActive)
	assert.Empty(t, o.StartCycle(cycle.StartOptions{}))

	snap := o.Snapshot()
	require.NotNil(t, snap.Active)
	assert.Equal(t, first, snap.Active.ID)
	assert.Equal(t, cycle.PhaseRunning, snap.Active.Phase)

	close(runner.release)
	st := waitCycle(t, o, first)
	assert.Equal(t, cycle.PhaseFinished, st.Phase)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestStartCycle_Rejections(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cfg := cycle.DefaultConfig()
		cfg.Enabled = false
		o := newTestOrchestrator(t, Deps{}, WithConfig(cfg))

		id, err := o.Start(cycle.StartOptions{})
		assert.Empty(t, id)
		assert.ErrorIs(t, err, ErrDisabled)
		assert.Equal(t, uint64(0), o.Snapshot().Seq)
	})

	t.Run("trigger disabled", func(t *testing.T) {
		cfg := cycle.DefaultConfig()
		cfg.TriggerOnSave = false
		o := newTestOrchestrator(t, Deps{}, WithConfig(cfg))

		id, err := o.Start(cycle.StartOptions{Trigger: cycle.TriggerSave})
		assert.Empty(t, id)
		assert.ErrorIs(t, err, ErrTriggerDisabled)

		manual := o.StartCycle(cycle.StartOptions{Trigger: cycle.TriggerManual})
		assert.NotEmpty(t, manual)
		waitCycle(t, o, manual)
	})

	t.Run("unknown trigger", func(t *testing.T) {
		o := newTestOrchestrator(t, Deps{})
		_, err := o.Start(cycle.StartOptions{Trigger: "cron"})
		assert.ErrorIs(t, err, ErrUnknownTrigger)
	})

	t.Run("closed", func(t *testing.T) {
		o := New(Deps{})
		o.Close()
		_, err := o.Start(cycle.StartOptions{})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestStartIfIdle(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})

	id := o.StartIfIdle(cycle.StartOptions{Trigger: cycle.TriggerSave})
	require.NotEmpty(t, id)
	waitStarted(t, runner)

	assert.Empty(t, o.StartIfIdle(cycle.StartOptions{Trigger: cycle.TriggerSave}))

	close(runner.release)
	st := waitCycle(t, o, id)
	assert.Equal(t, cycle.TriggerSave, st.Trigger)
}

func TestTimeout(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})

	id := o.StartCycle(cycle.StartOptions{TimeoutMs: 200})
	require.NotEmpty(t, id)
	waitStarted(t, runner)

	st := waitCycle(t, o, id)
	assert.Equal(t, cycle.PhaseError, st.Phase)
	assert.Equal(t, "cycle timed out after 200ms", st.ErrorMessage)
	assert.True(t, hasLog(st, cycle.LevelError, "cycle timed out"))

	// The pipeline unwinds once its context is canceled.
	waitIdle(t, o)

	// A later cycle is not affected by the stale timer.
	next := o.StartCycle(cycle.StartOptions{})
	require.NotEmpty(t, next)
	waitStarted(t, runner)
	time.Sleep(300 * time.Millisecond)
	snap := o.Snapshot()
	require.NotNil(t, snap.Active)
	assert.Equal(t, next, snap.Active.ID)

	close(runner.release)
	assert.Equal(t, cycle.PhaseFinished, waitCycle(t, o, next).Phase)

	history := o.Snapshot().History
	require.Len(t, history, 2)
	assert.Equal(t, cycle.PhaseError, history[1].Phase)
}

func TestCancelActiveCycle(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})

	o.CancelActiveCycle("nothing running")
	assert.Nil(t, o.Snapshot().Active)

	id := o.StartCycle(cycle.StartOptions{})
	waitStarted(t, runner)
	o.CancelActiveCycle("user")

	st := waitCycle(t, o, id)
	assert.Equal(t, cycle.PhaseCanceled, st.Phase)
	assert.Equal(t, "canceled: user", st.ErrorMessage)
	assert.NotNil(t, st.CanceledAt)
	assert.Nil(t, st.Metrics.Tests)

	waitIdle(t, o)
	require.Len(t, o.Snapshot().History, 1)
	assert.Equal(t, cycle.PhaseCanceled, o.LastCycleSummary().Phase)
}

func TestHistoryBound(t *testing.T) {
	cfg := cycle.DefaultConfig()
	cfg.MaxHistorySize = 2
	o := newTestOrchestrator(t, Deps{}, WithConfig(cfg))

	var ids []string
	for range 3 {
		id := o.StartCycle(cycle.StartOptions{})
		require.NotEmpty(t, id)
		waitCycle(t, o, id)
		waitIdle(t, o)
		ids = append(ids, id)
	}

	history := o.Snapshot().History
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)

	_, err := o.Wait(context.Background(), ids[0])
	assert.ErrorIs(t, err, ErrUnknownCycle)
}

func TestClearHistory(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})
	id := o.StartCycle(cycle.StartOptions{})
	waitCycle(t, o, id)
	waitIdle(t, o)

	o.ClearHistory()
	snap := o.Snapshot()
	assert.Empty(t, snap.History)
	require.NotNil(t, snap.LastSummary)
	assert.Equal(t, id, snap.LastSummary.ID)
}

func TestSkipSteps(t *testing.T) {
	runner := &fakeRunner{result: failingRun()}
	o := newTestOrchestrator(t, Deps{Runner: runner, Coverage: riskyCoverage()})

	id := o.StartCycle(cycle.StartOptions{
		SkipSteps: []cycle.Step{cycle.StepRunTests, cycle.StepAnalyzeCoverage},
	})
	st := waitCycle(t, o, id)

	assert.Equal(t, cycle.PhaseFinished, st.Phase)
	assert.Zero(t, runner.calls.Load())
	assert.Nil(t, st.Metrics.Tests)
	assert.Nil(t, st.Metrics.CoverageDelta)
	assert.Empty(t, st.Metrics.GeneratedTests)
	require.NotNil(t, st.Metrics.FailureSummary)
	assert.Zero(t, st.Metrics.FailureSummary.TotalFailures)
}

func TestGenerationDisabled(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Runner: &fakeRunner{result: failingRun()}, Coverage: riskyCoverage()},
		WithGenerator(nil))

	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	assert.Equal(t, cycle.PhaseFinished, st.Phase)
	require.NotNil(t, st.Metrics.CoverageDelta)
	assert.NotEmpty(t, st.Metrics.CoverageDelta.UntestedHighRiskFiles)
	assert.Empty(t, st.Metrics.GeneratedTests)
	assert.True(t, hasLog(st, cycle.LevelDebug, "test generation disabled"))
}

func TestFatalStepFailure(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
		want string
	}{
		{
			name: "discovery",
			deps: Deps{Discoverer: fakeDiscoverer{err: errors.New("not a git repository")}},
			want: "step discovery: discover files: not a git repository",
		},
		{
			name: "test execution",
			deps: Deps{Runner: &fakeRunner{err: errors.New("vitest not found")}},
			want: "step run_tests: execute tests: vitest not found",
		},
		{
			name: "nil run result",
			deps: Deps{Runner: &fakeRunner{}},
			want: "runner returned no result",
		},
		{
			name: "coverage",
			deps: Deps{Coverage: &fakeCoverage{postErr: errors.New("bad json")}},
			want: "step analyze_coverage: capture coverage: bad json",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, tt.deps)
			id := o.StartCycle(cycle.StartOptions{})
			st := waitCycle(t, o, id)

			assert.Equal(t, cycle.PhaseError, st.Phase)
			assert.Contains(t, st.ErrorMessage, tt.want)
			assert.Nil(t, st.Metrics.FailureSummary, "later steps must not run")
		})
	}
}

func TestNonFatalStepFailures(t *testing.T) {
	t.Run("generation", func(t *testing.T) {
		o := newTestOrchestrator(t, Deps{Coverage: riskyCoverage()},
			WithGenerator(&amtg.Generator{Framework: "mocha"}))
		st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

		assert.Equal(t, cycle.PhaseFinished, st.Phase)
		assert.True(t, hasLog(st, cycle.LevelWarn, "non-fatal step failed"))
		assert.Empty(t, st.Metrics.GeneratedTests)
		assert.NotNil(t, st.Metrics.FailureSummary)
	})

	t.Run("enrichment", func(t *testing.T) {
		enricher := &fakeEnricher{available: true, err: errors.New("rate limited")}
		o := newTestOrchestrator(t, Deps{
			Runner:   &fakeRunner{result: failingRun()},
			Enricher: enricher,
		})
		st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

		assert.Equal(t, cycle.PhaseFinished, st.Phase)
		assert.EqualValues(t, 1, enricher.calls.Load())
		require.Len(t, st.Metrics.SuggestedFixes, 1)
		assert.Equal(t, cycle.FixPending, st.Metrics.SuggestedFixes[0].Status)
		assert.False(t, st.Metrics.Enrichment.Called)
	})
}

func TestEnricherUnavailable(t *testing.T) {
	enricher := &fakeEnricher{}
	o := newTestOrchestrator(t, Deps{Runner: &fakeRunner{result: failingRun()}, Enricher: enricher})
	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	assert.Zero(t, enricher.calls.Load())
	require.NotNil(t, st.Metrics.Enrichment)
	assert.Equal(t, cycle.EnrichmentStats{}, *st.Metrics.Enrichment)
}

type orderedCoverage struct {
	fakeCoverage
	runner *fakeRunner
	runsAtBaseline int32
}

func (c *orderedCoverage) CaptureBaseline(ctx context.Context) (*coverage.Snapshot, error) {
	c.runsAtBaseline = c.runner.calls.Load()
	return c.fakeCoverage.CaptureBaseline(ctx)
}

func TestBaselineCapturedBeforeTestsRun(t *testing.T) {
	runner := &fakeRunner{result: failingRun()}
	cov := &orderedCoverage{fakeCoverage: *riskyCoverage(), runner: runner}
	o := newTestOrchestrator(t, Deps{Runner: runner, Coverage: cov})
	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	assert.EqualValues(t, 0, cov.runsAtBaseline)
	assert.EqualValues(t, 1, runner.calls.Load())
	assert.Equal(t, 80.0, *st.Metrics.CoverageBefore)
}

func TestBaselineErrorIsWarning(t *testing.T) {
	cov := riskyCoverage()
	cov.baseErr = errors.New("no baseline")
	o := newTestOrchestrator(t, Deps{Coverage: cov})
	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	assert.Equal(t, cycle.PhaseFinished, st.Phase)
	assert.True(t, hasLog(st, cycle.LevelWarn, "coverage baseline unavailable"))
	assert.Nil(t, st.Metrics.CoverageBefore)
	assert.Nil(t, st.Metrics.CoverageDelta.TotalDelta)
}

func TestUpdateConfig_NotRetroactive(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})

	id := o.StartCycle(cycle.StartOptions{})
	waitStarted(t, runner)

	timeout := int64(10)
	history := 1
	cfg := o.UpdateConfig(cycle.ConfigPatch{DefaultTimeoutMs: &timeout, MaxHistorySize: &history})
	assert.Equal(t, int64(10), cfg.DefaultTimeoutMs)
	assert.True(t, cfg.Enabled)

	time.Sleep(100 * time.Millisecond)
	snap := o.Snapshot()
	require.NotNil(t, snap.Active, "armed timeout keeps its original duration")
	assert.Equal(t, id, snap.Active.ID)
	assert.Equal(t, int64(10), snap.Config.DefaultTimeoutMs)

	close(runner.release)
	assert.Equal(t, cycle.PhaseFinished, waitCycle(t, o, id).Phase)
}

func TestLogTimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := newTestOrchestrator(t, Deps{Runner: &fakeRunner{result: failingRun()}, Coverage: riskyCoverage()},
		WithClock(func() time.Time { return fixed }))
	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	require.Greater(t, len(st.Logs), 3)
	ids := map[string]bool{}
	for i, l := range st.Logs {
		assert.False(t, ids[l.ID], "duplicate log id")
		ids[l.ID] = true
		if i > 0 {
			assert.True(t, l.TS.After(st.Logs[i-1].TS), "log %d not after %d", i, i-1)
		}
	}
}

func TestSubscribe_InitialSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})

	var got []Snapshot
	unsub := o.Subscribe(func(s Snapshot) { got = append(got, s) })
	defer unsub()

	require.Len(t, got, 1, "initial snapshot must arrive before Subscribe returns")
	assert.Nil(t, got[0].Active)
	assert.Empty(t, got[0].History)
	assert.True(t, got[0].Config.Enabled)
}

func TestSubscribe_DeliveredBeforeMutationReturns(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})

	var last atomic.Pointer[Snapshot]
	o.Subscribe(func(s Snapshot) { last.Store(&s) })

	history := 3
	o.UpdateConfig(cycle.ConfigPatch{MaxHistorySize: &history})
	require.NotNil(t, last.Load())
	assert.Equal(t, 3, last.Load().Config.MaxHistorySize)
	assert.Equal(t, o.Snapshot().Seq, last.Load().Seq)

	o.ClearHistory()
	assert.Equal(t, o.Snapshot().Seq, last.Load().Seq)
}

func TestSnapshotIsolatedFromCallers(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Runner: &fakeRunner{result: failingRun()}, Coverage: riskyCoverage()})
	id := o.StartCycle(cycle.StartOptions{})
	waitCycle(t, o, id)

	s := o.Snapshot()
	require.Len(t, s.History, 1)
	h := s.History[0]
	require.NotNil(t, h.Metrics.CoverageDelta)
	require.NotEmpty(t, h.Metrics.CoverageDelta.Regressions)
	require.NotEmpty(t, h.Metrics.SuggestedFixes)
	require.NotNil(t, h.Metrics.SuggestedFixes[0].TestLocation)

	h.Metrics.CoverageDelta.Regressions[0].Path = "changed"
	*h.Metrics.CoverageDelta.TotalDelta = 42
	*h.Metrics.CoverageAfter = 42
	h.Metrics.FailureSummary.FailingSuites[0] = "changed"
	h.Metrics.SuggestedFixes[0].TestLocation.Line = -1
	h.Metrics.Enrichment.Called = true
	*h.FinishedAt = time.Time{}
	h.Logs[0].Meta["trigger"] = "changed"

	again := o.Snapshot().History[0]
	assert.Equal(t, "src/auth/session.ts", again.Metrics.CoverageDelta.Regressions[0].Path)
	assert.InDelta(t, -4.5, *again.Metrics.CoverageDelta.TotalDelta, 1e-9)
	assert.InDelta(t, 75.5, *again.Metrics.CoverageAfter, 1e-9)
	assert.Equal(t, "tests/auth/session.test.ts", again.Metrics.FailureSummary.FailingSuites[0])
	assert.Equal(t, 12, again.Metrics.SuggestedFixes[0].TestLocation.Line)
	assert.False(t, again.Metrics.Enrichment.Called)
	assert.False(t, again.FinishedAt.IsZero())
	assert.Equal(t, string(cycle.TriggerManual), again.Logs[0].Meta["trigger"])
}

func TestFinishedLogHasScalarMeta(t *testing.T) {
	o := newTestOrchestrator(t, Deps{Runner: &fakeRunner{result: failingRun()}, Coverage: riskyCoverage()})
	st := waitCycle(t, o, o.StartCycle(cycle.StartOptions{}))

	last := st.Logs[len(st.Logs)-1]
	require.Equal(t, "cycle finished", last.Message)
	assert.Equal(t, 3, last.Meta["tests_total"])
	assert.Equal(t, 1, last.Meta["tests_failed"])
	assert.InDelta(t, -4.5, last.Meta["coverage_delta"], 1e-9)
	assert.NotContains(t, last.Meta, "metrics")
}

func TestSubscribe_PanicIsolated(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})

	o.Subscribe(func(Snapshot) { panic("boom") })

	var mu sync.Mutex
	var seqs []uint64
	var phases []cycle.Phase
	done := make(chan struct{})
	var once sync.Once
	o.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, s.Seq)
		if s.Active != nil {
			phases = append(phases, s.Active.Phase)
		}
		if s.LastSummary != nil && !s.Running {
			once.Do(func() { close(done) })
		}
	})

	id := o.StartCycle(cycle.StartOptions{})
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never saw the finished cycle")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "snapshots delivered out of order")
	}
	assert.Contains(t, phases, cycle.PhaseQueued)
	assert.Contains(t, phases, cycle.PhaseRunning)
	assert.Equal(t, cycle.PhaseFinished, o.Snapshot().History[0].Phase)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})

	var count atomic.Int32
	first := make(chan struct{})
	unsub := o.Subscribe(func(Snapshot) {
		if count.Add(1) == 1 {
			close(first)
		}
	})
	<-first
	unsub()
	unsub()

	id := o.StartCycle(cycle.StartOptions{})
	waitCycle(t, o, id)
	waitIdle(t, o)
	assert.EqualValues(t, 1, count.Load())
}

func TestSubscriberMayCallBack(t *testing.T) {
	o := newTestOrchestrator(t, Deps{})

	seen := make(chan bool, 64)
	o.Subscribe(func(Snapshot) {
		seen <- o.IsActive()
	})
	id := o.StartCycle(cycle.StartOptions{})
	waitCycle(t, o, id)
	waitIdle(t, o)
	require.Eventually(t, func() bool { return len(seen) >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestWait_ContextCanceled(t *testing.T) {
	runner := newBlockingRunner()
	o := newTestOrchestrator(t, Deps{Runner: runner})
	id := o.StartCycle(cycle.StartOptions{})
	waitStarted(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	o.CancelActiveCycle("")
	st := waitCycle(t, o, id)
	assert.Equal(t, "canceled: canceled by user", st.ErrorMessage)
}

type recordingArchiver struct {
	mu     sync.Mutex
	states []cycle.State
}

func (a *recordingArchiver) Record(ctx context.Context, st cycle.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = append(a.states, st)
	return nil
}

func (a *recordingArchiver) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

func TestArchiverReceivesFinalizedCycles(t *testing.T) {
	arch := &recordingArchiver{}
	o := newTestOrchestrator(t, Deps{}, WithArchiver(arch))

	id := o.StartCycle(cycle.StartOptions{Trigger: cycle.TriggerCommit})
	waitCycle(t, o, id)

	require.Eventually(t, func() bool { return arch.len() == 1 }, 5*time.Second, 5*time.Millisecond)
	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, id, arch.states[0].ID)
	assert.Equal(t, cycle.PhaseFinished, arch.states[0].Phase)
	assert.NotNil(t, arch.states[0].Metrics.Summary)
}

func TestArchiveNotBlockedBySlowSubscriber(t *testing.T) {
	arch := &recordingArchiver{}
	o := newTestOrchestrator(t, Deps{}, WithArchiver(arch))

	release := make(chan struct{})
	var blocked atomic.Bool
	o.Subscribe(func(s Snapshot) {
		if s.LastSummary != nil && blocked.CompareAndSwap(false, true) {
			<-release
		}
	})

	o.StartCycle(cycle.StartOptions{})
	require.Eventually(t, blocked.Load, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return arch.len() == 1 }, 5*time.Second, 5*time.Millisecond)

	close(release)
	waitIdle(t, o)
}
