package bridge

import (
	"context"
	"slices"

	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
)

// StubRunner reports an empty, successful test run.
type StubRunner struct{}

func (StubRunner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	return &RunResult{Suites: []SuiteResult{}, Failures: []cycle.RawFailure{}, Success: true}, nil
}

// StubCoverage has no coverage data.
type StubCoverage struct{}

func (StubCoverage) CaptureBaseline(ctx context.Context) (*coverage.Snapshot, error) { return nil, nil }
func (StubCoverage) CapturePostRun(ctx context.Context) (*coverage.Snapshot, error)  { return nil, nil }

// StubEnricher is never available.
type StubEnricher struct{}

func (StubEnricher) IsAvailable() bool { return false }

func (StubEnricher) Enrich(ctx context.Context, fixes []cycle.SuggestedFix) (*EnrichResult, error) {
	return &EnrichResult{EnrichedFixes: slices.Clone(fixes)}, nil
}

// StaticDiscoverer returns the files named in the start options.
type StaticDiscoverer struct{}

func (StaticDiscoverer) Discover(ctx context.Context, opts cycle.StartOptions) ([]string, error) {
	return slices.Clone(opts.Files), nil
}
