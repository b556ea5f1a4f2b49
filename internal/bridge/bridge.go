// Package bridge defines the narrow interfaces through which a cycle
// reaches test execution, coverage measurement, discovery, and
// language-model enrichment, together with stub and real adapters.
package bridge

import (
	"context"

	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
)

// RunOptions is passed to a TestRunner for one cycle.
type RunOptions struct {
	CycleID string
	Trigger cycle.Trigger
	Files   []string
}

// SuiteResult is one test file's outcome.
type SuiteResult struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Kind   string           `json:"kind"`
	Status string           `json:"status"`
	Counts cycle.TestCounts `json:"counts"`
}

// RunResult is what a TestRunner reports. Failing tests are data: an
// error from Run means the tests could not be executed at all.
type RunResult struct {
	Suites   []SuiteResult      `json:"suites"`
	Totals   cycle.TestCounts   `json:"totals"`
	Failures []cycle.RawFailure `json:"failures"`
	Success  bool               `json:"success"`
}

// TestRunner executes the project's tests.
type TestRunner interface {
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// CoverageProvider measures coverage. Either capture may return a nil
// snapshot when no data exists yet.
type CoverageProvider interface {
	CaptureBaseline(ctx context.Context) (*coverage.Snapshot, error)
	CapturePostRun(ctx context.Context) (*coverage.Snapshot, error)
}

// EnrichResult reports what an Enricher did with a batch of fixes.
type EnrichResult struct {
	EnrichedFixes []cycle.SuggestedFix `json:"enriched_fixes"`
	EnrichedCount int                  `json:"enriched_count"`
	FailedCount   int                  `json:"failed_count"`
	Called        bool                 `json:"called"`
}

// Enricher improves fix suggestions with a language model. Enrich is only
// called when IsAvailable reports true.
type Enricher interface {
	IsAvailable() bool
	Enrich(ctx context.Context, fixes []cycle.SuggestedFix) (*EnrichResult, error)
}

// Discoverer picks the files a cycle should focus on.
type Discoverer interface {
	Discover(ctx context.Context, opts cycle.StartOptions) ([]string, error)
}
