// Package report renders cycles for the terminal and writes cycle reports
// to disk.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/lucasnoah/atp/internal/analytics"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/db"
)

func phaseColor(p cycle.Phase) *color.Color {
	switch p {
	case cycle.PhaseFinished:
		return color.New(color.FgGreen)
	case cycle.PhaseError:
		return color.New(color.FgRed)
	case cycle.PhaseCanceled:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgCyan)
}

func levelColor(l cycle.Level) *color.Color {
	switch l {
	case cycle.LevelError:
		return color.New(color.FgRed)
	case cycle.LevelWarn:
		return color.New(color.FgYellow)
	case cycle.LevelDebug:
		return color.New(color.FgHiBlack)
	}
	return color.New(color.Reset)
}

func fmtPct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func fmtDelta(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%+.2f", *v)
}

// PrintCycle writes a human-readable account of st. Logs are included
// when verbose is set.
func PrintCycle(w io.Writer, st cycle.State, verbose bool) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintf(w, "Cycle %s ", st.ID)
	_, _ = phaseColor(st.Phase).Fprintln(w, strings.ToUpper(string(st.Phase)))
	_, _ = dim.Fprintf(w, "  trigger=%s duration=%s\n", st.Trigger, time.Duration(st.DurationMs)*time.Millisecond)
	if st.ErrorMessage != "" {
		_, _ = color.New(color.FgRed).Fprintf(w, "  %s\n", st.ErrorMessage)
	}
	fmt.Fprintln(w)

	m := st.Metrics
	if t := m.Tests; t != nil {
		_, _ = bold.Fprintln(w, "TESTS")
		fmt.Fprintf(w, "  %d total, %d passed, %d failed, %d skipped\n\n", t.Total, t.Passed, t.Failed, t.Skipped)
	}

	if d := m.CoverageDelta; d != nil {
		_, _ = bold.Fprintln(w, "COVERAGE")
		fmt.Fprintf(w, "  %s -> %s (%s)\n", fmtPct(d.TotalBefore), fmtPct(d.TotalAfter), fmtDelta(d.TotalDelta))
		for _, f := range d.Regressions {
			_, _ = color.New(color.FgRed).Fprintf(w, "  ▼ %s %s\n", f.Path, fmtDelta(f.Delta))
		}
		for _, f := range d.Improvements {
			_, _ = color.New(color.FgGreen).Fprintf(w, "  ▲ %s %s\n", f.Path, fmtDelta(f.Delta))
		}
		for _, f := range d.UntestedHighRiskFiles {
			_, _ = color.New(color.FgYellow).Fprintf(w, "  ! %s untested (risk %.0f)\n", f.Path, *f.RiskScore)
		}
		fmt.Fprintln(w)
	}

	if len(m.GeneratedTests) > 0 {
		_, _ = bold.Fprintln(w, "GENERATED TESTS")
		for _, g := range m.GeneratedTests {
			fmt.Fprintf(w, "  %s ", g.TargetPath)
			_, _ = dim.Fprintf(w, "(for %s)\n", g.SourcePath)
		}
		fmt.Fprintln(w)
	}

	if len(m.SuggestedFixes) > 0 {
		_, _ = bold.Fprintln(w, "SUGGESTED FIXES")
		for _, f := range m.SuggestedFixes {
			loc := f.SuiteID
			if f.SourceLocation != nil {
				loc = fmt.Sprintf("%s:%d", f.SourceLocation.FilePath, f.SourceLocation.Line)
			}
			fmt.Fprintf(w, "  %s ", f.TestName)
			_, _ = dim.Fprintf(w, "[%s] %s\n", f.Status, loc)
			fmt.Fprintf(w, "    %s\n", f.Reason)
		}
		if e := m.Enrichment; e != nil && e.Called {
			_, _ = dim.Fprintf(w, "  enriched %d, failed %d\n", e.EnrichedCount, e.FailedCount)
		}
		fmt.Fprintln(w)
	}

	if verbose {
		_, _ = bold.Fprintln(w, "LOG")
		for _, l := range st.Logs {
			_, _ = dim.Fprintf(w, "  %s ", l.TS.Format("15:04:05.000"))
			_, _ = levelColor(l.Level).Fprintf(w, "%-5s %s\n", l.Level, l.Message)
		}
	}
}

// PrintHistory writes one line per archived cycle.
func PrintHistory(w io.Writer, records []db.CycleRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No cycles recorded.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-8s  %-8s  %-16s  %8s  %7s  %8s\n",
		"ID", "TRIGGER", "PHASE", "STARTED", "DURATION", "FAILING", "COVERAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%-36s  %-8s  ", r.ID, r.Trigger)
		_, _ = phaseColor(r.Phase).Fprintf(w, "%-8s", r.Phase)
		fmt.Fprintf(w, "  %-16s  %8s  %7d  %8s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			(time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond),
			r.FailingTests,
			fmtDelta(r.CoverageDelta))
	}
}

// PrintStats writes the aggregate view of archived cycles.
func PrintStats(w io.Writer, s analytics.Stats) {
	bold := color.New(color.Bold)
	if s.Total == 0 {
		fmt.Fprintln(w, "No cycles recorded.")
		return
	}

	_, _ = bold.Fprintf(w, "%d cycles\n", s.Total)
	for _, p := range s.Phases {
		fmt.Fprint(w, "  ")
		_, _ = phaseColor(p.Phase).Fprintf(w, "%-9s", p.Phase)
		fmt.Fprintf(w, " %4d  %5.1f%%\n", p.Count, p.Pct)
	}
	fmt.Fprintln(w)

	_, _ = bold.Fprintln(w, "DURATION (s)")
	d := s.Durations
	fmt.Fprintf(w, "  avg %.1f  p50 %.1f  p95 %.1f  max %.1f\n\n", d.Avg, d.P50, d.P95, d.Max)

	_, _ = bold.Fprintln(w, "COVERAGE")
	c := s.Coverage
	fmt.Fprintf(w, "  latest %s  mean delta %+.2f  worst %s  best %s\n",
		fmtPct(c.Latest), c.MeanDelta, fmtDelta(c.WorstDelta), fmtDelta(c.BestDelta))
	fmt.Fprintf(w, "  %d of %d measured cycles regressed\n\n", c.RegressionRuns, c.Measured)

	_, _ = bold.Fprintln(w, "OUTPUT")
	fmt.Fprintf(w, "  runs with failures %.1f%%  generated tests %d  suggested fixes %d\n",
		s.FailingRunPct, s.GeneratedTests, s.SuggestedFixes)

	if len(s.Daily) > 0 {
		fmt.Fprintln(w)
		_, _ = bold.Fprintln(w, "DAILY")
		for _, day := range s.Daily {
			fmt.Fprintf(w, "  %s  %3d cycles  %3d failed\n", day.Day, day.Cycles, day.Failed)
		}
	}
}
