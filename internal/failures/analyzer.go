package failures

import (
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/atp/internal/cycle"
)

// ToSuggestedFix builds a pending fix suggestion for one failure.
func ToSuggestedFix(f cycle.RawFailure, now time.Time) cycle.SuggestedFix {
	return cycle.SuggestedFix{
		ID:             uuid.NewString(),
		SuiteID:        f.SuiteID,
		SuiteName:      f.SuiteName,
		SuiteKind:      f.SuiteKind,
		TestName:       f.TestName,
		ErrorMessage:   f.ErrorMessage,
		Stack:          f.Stack,
		TestLocation:   ExtractLocation(f.Stack),
		SourceLocation: extractSourceLocation(f.Stack),
		Reason:         SummarizeError(f.ErrorMessage),
		Status:         cycle.FixPending,
		CreatedAt:      now,
	}
}

// Analyze converts failures into suggestions, collapsing duplicates that
// share a suite, test name, and reason.
func Analyze(failures []cycle.RawFailure, now time.Time) []cycle.SuggestedFix {
	type key struct{ suite, test, reason string }

	seen := make(map[key]bool, len(failures))
	fixes := make([]cycle.SuggestedFix, 0, len(failures))
	for _, f := range failures {
		fix := ToSuggestedFix(f, now)
		k := key{f.SuiteID, f.TestName, fix.Reason}
		if seen[k] {
			continue
		}
		seen[k] = true
		fixes = append(fixes, fix)
	}
	return fixes
}

// BuildSummary counts failures, lists the distinct failing suites in
// first-seen order, and records how many fixes were produced.
func BuildSummary(failures []cycle.RawFailure, fixes []cycle.SuggestedFix) cycle.FailureSummary {
	suites := []string{}
	seen := make(map[string]bool)
	for _, f := range failures {
		if f.SuiteID == "" || seen[f.SuiteID] {
			continue
		}
		seen[f.SuiteID] = true
		suites = append(suites, f.SuiteID)
	}
	return cycle.FailureSummary{
		TotalFailures:     len(failures),
		FailingSuites:     suites,
		SuggestedFixCount: len(fixes),
	}
}
