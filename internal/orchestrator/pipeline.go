package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/failures"
	"github.com/lucasnoah/atp/internal/metrics"
)

// run carries data between the steps of one cycle. It is owned by the
// pipeline goroutine and never shared.
type run struct {
	id       string
	opts     cycle.StartOptions
	baseline *coverage.Snapshot
	files    []string
	failures []cycle.RawFailure
	delta    *coverage.DeltaSummary
}

type stepFunc func(ctx context.Context, r *run) error

func (o *Orchestrator) steps() []struct {
	step cycle.Step
	fn   stepFunc
} {
	return []struct {
		step cycle.Step
		fn   stepFunc
	}{
		{cycle.StepDiscovery, o.discover},
		{cycle.StepRunTests, o.runTests},
		{cycle.StepAnalyzeCoverage, o.analyzeCoverage},
		{cycle.StepGenerateTests, o.generateTests},
		{cycle.StepAnalyzeFailures, o.analyzeFailures},
	}
}

// runPipeline executes the steps in order. Every return from a bridge call
// re-checks that the cycle is still active; if it is not, the goroutine
// exits without touching state.
func (o *Orchestrator) runPipeline(ctx context.Context, id string, opts cycle.StartOptions) {
	defer func() {
		if rec := recover(); rec != nil {
			o.fail(id, fmt.Errorf("pipeline panic: %v", rec))
		}
		o.mu.Lock()
		o.runningPipeline = false
		o.broadcastLocked()
		o.unlock()
	}()

	r := &run{id: id, opts: opts}
	if !o.update(id, func(st *cycle.State) {
		st.Phase = cycle.PhaseRunning
		o.appendLogLocked(st, cycle.LevelInfo, "cycle started", nil)
	}) {
		return
	}

	baseline, err := o.deps.Coverage.CaptureBaseline(ctx)
	if !o.stillActive(id) {
		return
	}
	if err != nil {
		o.logTo(id, cycle.LevelWarn, "coverage baseline unavailable", map[string]any{"error": err.Error()})
	}
	r.baseline = baseline

	for _, s := range o.steps() {
		if opts.Skips(s.step) {
			o.logTo(id, cycle.LevelDebug, "step skipped", map[string]any{"step": string(s.step)})
			continue
		}

		err := s.fn(ctx, r)
		if errors.Is(err, errStale) || !o.stillActive(id) {
			return
		}
		if err == nil {
			continue
		}

		stepErr := &StepError{Step: s.step, Err: err}
		metrics.StepFailures.WithLabelValues(string(s.step), strconv.FormatBool(stepErr.Fatal())).Inc()
		if stepErr.Fatal() {
			o.fail(id, stepErr)
			return
		}
		o.logTo(id, cycle.LevelWarn, "non-fatal step failed", map[string]any{
			"step":  string(s.step),
			"error": err.Error(),
		})
	}

	o.complete(id)
}

func (o *Orchestrator) discover(ctx context.Context, r *run) error {
	files, err := o.deps.Discoverer.Discover(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("discover files: %w", err)
	}
	if files == nil {
		files = []string{}
	}
	r.files = files
	return o.apply(r.id, func(st *cycle.State) {
		st.Metrics.DiscoveredFiles = files
		o.appendLogLocked(st, cycle.LevelInfo, fmt.Sprintf("discovered %d files", len(files)), nil)
	})
}

func (o *Orchestrator) runTests(ctx context.Context, r *run) error {
	res, err := o.deps.Runner.Run(ctx, bridge.RunOptions{
		CycleID: r.id,
		Trigger: r.opts.Trigger,
		Files:   r.files,
	})
	if err != nil {
		return fmt.Errorf("execute tests: %w", err)
	}
	if res == nil {
		return errors.New("execute tests: runner returned no result")
	}
	r.failures = res.Failures

	counts := res.Totals
	return o.apply(r.id, func(st *cycle.State) {
		st.Metrics.Tests = &counts
		level := cycle.LevelInfo
		if !res.Success || counts.Failed > 0 {
			level = cycle.LevelWarn
		}
		o.appendLogLocked(st, level,
			fmt.Sprintf("tests: %d passed, %d failed, %d skipped of %d", counts.Passed, counts.Failed, counts.Skipped, counts.Total),
			map[string]any{"suites": len(res.Suites), "success": res.Success})
	})
}

func (o *Orchestrator) analyzeCoverage(ctx context.Context, r *run) error {
	if err := o.apply(r.id, func(st *cycle.State) {
		st.Phase = cycle.PhaseAnalyzing
		o.appendLogLocked(st, cycle.LevelInfo, "analyzing coverage", nil)
	}); err != nil {
		return err
	}

	after, err := o.deps.Coverage.CapturePostRun(ctx)
	if err != nil {
		return fmt.Errorf("capture coverage: %w", err)
	}

	delta := coverage.ComputeDelta(r.baseline, after, o.deltaOpts)
	r.delta = &delta
	if delta.TotalDelta != nil {
		metrics.CoverageDelta.Set(*delta.TotalDelta)
	}

	return o.apply(r.id, func(st *cycle.State) {
		st.Metrics.CoverageBefore = delta.TotalBefore
		st.Metrics.CoverageAfter = delta.TotalAfter
		st.Metrics.CoverageDelta = &delta
		st.Metrics.Regressions = len(delta.Regressions)
		st.Metrics.Improvements = len(delta.Improvements)

		o.appendLogLocked(st, cycle.LevelInfo, "coverage "+describeTotals(delta), map[string]any{
			"files":        len(delta.Files),
			"regressions":  len(delta.Regressions),
			"improvements": len(delta.Improvements),
		})
		for _, f := range delta.Regressions {
			sev := coverage.RegressionSeverity(*f.Delta, f.RiskScore)
			meta := map[string]any{"path": f.Path, "delta": *f.Delta, "severity": string(sev)}
			if f.RiskScore != nil {
				meta["risk_score"] = *f.RiskScore
			}
			o.appendLogLocked(st, severityLevel(sev),
				fmt.Sprintf("coverage regression in %s: %.2f%%", f.Path, *f.Delta), meta)
		}
		for _, f := range delta.UntestedHighRiskFiles {
			o.appendLogLocked(st, cycle.LevelWarn,
				fmt.Sprintf("high-risk file %s has no coverage", f.Path),
				map[string]any{"path": f.Path, "risk_score": *f.RiskScore})
		}
	})
}

func (o *Orchestrator) generateTests(ctx context.Context, r *run) error {
	if r.delta == nil {
		o.logTo(r.id, cycle.LevelDebug, "no coverage delta; skipping test generation", nil)
		return nil
	}
	if o.generator == nil {
		o.logTo(r.id, cycle.LevelDebug, "test generation disabled", nil)
		return nil
	}

	cands := o.selector.Select(r.delta.UntestedHighRiskFiles)
	suggestions, err := o.generator.Generate(cands, o.now())
	if err != nil {
		return fmt.Errorf("generate tests: %w", err)
	}

	return o.apply(r.id, func(st *cycle.State) {
		st.Metrics.GeneratedTests = suggestions
		o.appendLogLocked(st, cycle.LevelInfo,
			fmt.Sprintf("generated %d test suggestions", len(suggestions)),
			map[string]any{"candidates": len(cands)})
	})
}

func (o *Orchestrator) analyzeFailures(ctx context.Context, r *run) error {
	fixes := failures.Analyze(r.failures, o.now())
	summary := failures.BuildSummary(r.failures, fixes)

	if err := o.apply(r.id, func(st *cycle.State) {
		st.Metrics.SuggestedFixes = fixes
		st.Metrics.FailureSummary = &summary
		st.Metrics.Enrichment = &cycle.EnrichmentStats{}
		o.appendLogLocked(st, cycle.LevelInfo,
			fmt.Sprintf("analyzed %d failures into %d suggested fixes", summary.TotalFailures, len(fixes)),
			map[string]any{"failing_suites": len(summary.FailingSuites)})
	}); err != nil {
		return err
	}

	if len(fixes) == 0 || !o.deps.Enricher.IsAvailable() {
		return nil
	}

	res, err := o.deps.Enricher.Enrich(ctx, fixes)
	if err != nil {
		return fmt.Errorf("enrich fixes: %w", err)
	}
	if res == nil {
		return errors.New("enrich fixes: enricher returned no result")
	}
	return o.apply(r.id, func(st *cycle.State) {
		if res.EnrichedFixes != nil {
			st.Metrics.SuggestedFixes = res.EnrichedFixes
		}
		st.Metrics.Enrichment = &cycle.EnrichmentStats{
			Called:        res.Called,
			EnrichedCount: res.EnrichedCount,
			FailedCount:   res.FailedCount,
		}
		o.appendLogLocked(st, cycle.LevelInfo,
			fmt.Sprintf("enriched %d fixes (%d failed)", res.EnrichedCount, res.FailedCount), nil)
	})
}

// complete marks a cycle finished after all steps ran.
func (o *Orchestrator) complete(id string) {
	o.mu.Lock()
	defer o.unlock()
	st := o.active
	if st == nil || st.ID != id {
		return
	}
	st.Phase = cycle.PhaseFinished
	o.appendLogLocked(st, cycle.LevelInfo, "cycle finished", finishedMeta(st.Metrics))
	o.finishLocked(st)
}

// finishedMeta flattens the headline metrics into scalar log fields.
func finishedMeta(m cycle.Metrics) map[string]any {
	meta := map[string]any{
		"regressions":     m.Regressions,
		"improvements":    m.Improvements,
		"generated_tests": len(m.GeneratedTests),
		"suggested_fixes": len(m.SuggestedFixes),
	}
	if m.Tests != nil {
		meta["tests_total"] = m.Tests.Total
		meta["tests_failed"] = m.Tests.Failed
	}
	if m.CoverageDelta != nil && m.CoverageDelta.TotalDelta != nil {
		meta["coverage_delta"] = *m.CoverageDelta.TotalDelta
	}
	return meta
}

// fail moves a cycle to the error phase.
func (o *Orchestrator) fail(id string, err error) {
	o.mu.Lock()
	defer o.unlock()
	st := o.active
	if st == nil || st.ID != id {
		return
	}
	o.appendLogLocked(st, cycle.LevelError, "cycle failed: "+err.Error(), nil)
	st.Phase = cycle.PhaseError
	st.ErrorMessage = err.Error()
	o.finishLocked(st)
}

// update applies fn to the active cycle if it is still id, then
// broadcasts. It reports whether fn ran.
func (o *Orchestrator) update(id string, fn func(st *cycle.State)) bool {
	o.mu.Lock()
	defer o.unlock()
	st := o.active
	if st == nil || st.ID != id {
		return false
	}
	fn(st)
	o.broadcastLocked()
	return true
}

// apply is update for step functions: a stale cycle becomes errStale.
func (o *Orchestrator) apply(id string, fn func(st *cycle.State)) error {
	if !o.update(id, fn) {
		return errStale
	}
	return nil
}

func (o *Orchestrator) logTo(id string, level cycle.Level, msg string, meta map[string]any) {
	o.update(id, func(st *cycle.State) {
		o.appendLogLocked(st, level, msg, meta)
	})
}

func (o *Orchestrator) stillActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil && o.active.ID == id
}

func severityLevel(s coverage.Severity) cycle.Level {
	switch s {
	case coverage.SeverityCritical:
		return cycle.LevelError
	case coverage.SeverityWarning:
		return cycle.LevelWarn
	}
	return cycle.LevelInfo
}

func describeTotals(d coverage.DeltaSummary) string {
	format := func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return fmt.Sprintf("%.2f%%", *v)
	}
	s := format(d.TotalBefore) + " -> " + format(d.TotalAfter)
	if d.TotalDelta != nil {
		s += fmt.Sprintf(" (%+.2f)", *d.TotalDelta)
	}
	return s
}
