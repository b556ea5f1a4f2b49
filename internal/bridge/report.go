package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/atp/internal/cycle"
)

// ReportParser turns a test command's output into a RunResult. It returns
// an error only when the output carries no usable report.
type ReportParser interface {
	Parse(stdout string, stderr string, exitCode int) (*RunResult, error)
}

var parsers = map[string]ReportParser{
	"vitest":  JSONReportParser{},
	"jest":    JSONReportParser{},
	"generic": ExitCodeParser{},
}

// ParserFor returns the named parser, or the exit-code parser.
func ParserFor(name string) ReportParser {
	if p, ok := parsers[name]; ok {
		return p
	}
	return parsers["generic"]
}

// ErrNoReport is returned when a JSON reporter printed nothing parseable.
var ErrNoReport = errors.New("no JSON test report in output")

// JSONReportParser reads the vitest/jest JSON reporter format.
type JSONReportParser struct{}

type jsonReport struct {
	NumTotalTests   int               `json:"numTotalTests"`
	NumPassedTests  int               `json:"numPassedTests"`
	NumFailedTests  int               `json:"numFailedTests"`
	NumPendingTests int               `json:"numPendingTests"`
	NumTodoTests    int               `json:"numTodoTests"`
	Success         *bool             `json:"success"`
	TestResults     []jsonSuiteResult `json:"testResults"`
}

type jsonSuiteResult struct {
	Name             string                `json:"name"`
	Status           string                `json:"status"`
	Message          string                `json:"message"`
	AssertionResults []jsonAssertionResult `json:"assertionResults"`
}

type jsonAssertionResult struct {
	FullName        string   `json:"fullName"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	FailureMessages []string `json:"failureMessages"`
}

func (JSONReportParser) Parse(stdout string, stderr string, exitCode int) (*RunResult, error) {
	var raw jsonReport
	if err := decodeReport(stdout, &raw); err != nil {
		return nil, err
	}

	result := &RunResult{
		Suites:   make([]SuiteResult, 0, len(raw.TestResults)),
		Failures: []cycle.RawFailure{},
		Totals: cycle.TestCounts{
			Total:   raw.NumTotalTests,
			Passed:  raw.NumPassedTests,
			Failed:  raw.NumFailedTests,
			Skipped: raw.NumPendingTests + raw.NumTodoTests,
		},
	}

	for _, suite := range raw.TestResults {
		sr := SuiteResult{
			ID:     suite.Name,
			Name:   suiteName(suite.Name),
			Kind:   suiteKind(suite.Name),
			Status: suite.Status,
		}
		for _, a := range suite.AssertionResults {
			sr.Counts.Total++
			switch a.Status {
			case "passed":
				sr.Counts.Passed++
			case "failed":
				sr.Counts.Failed++
				result.Failures = append(result.Failures, assertionFailure(suite, sr, a))
			default:
				sr.Counts.Skipped++
			}
		}
		// A suite that failed to load has no assertions but still failed.
		if len(suite.AssertionResults) == 0 && suite.Status == "failed" && suite.Message != "" {
			result.Failures = append(result.Failures, cycle.RawFailure{
				SuiteID:      sr.ID,
				SuiteName:    sr.Name,
				SuiteKind:    sr.Kind,
				TestName:     sr.Name,
				ErrorMessage: firstParagraph(suite.Message),
				Stack:        suite.Message,
			})
		}
		result.Suites = append(result.Suites, sr)
	}

	if raw.Success != nil {
		result.Success = *raw.Success
	} else {
		result.Success = exitCode == 0 && len(result.Failures) == 0
	}
	return result, nil
}

func assertionFailure(suite jsonSuiteResult, sr SuiteResult, a jsonAssertionResult) cycle.RawFailure {
	name := a.FullName
	if name == "" {
		name = a.Title
	}
	msg := strings.Join(a.FailureMessages, "\n")
	return cycle.RawFailure{
		SuiteID:      sr.ID,
		SuiteName:    sr.Name,
		SuiteKind:    sr.Kind,
		TestName:     name,
		ErrorMessage: firstParagraph(msg),
		Stack:        msg,
	}
}

// decodeReport tolerates log lines printed around the JSON object.
func decodeReport(stdout string, v any) error {
	trimmed := strings.TrimSpace(stdout)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return ErrNoReport
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoReport, err)
	}
	return nil
}

// firstParagraph returns the message text before the first stack frame.
func firstParagraph(msg string) string {
	var kept []string
	for _, line := range strings.Split(msg, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "at ") {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func suiteName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func suiteKind(id string) string {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "e2e"):
		return "e2e"
	case strings.Contains(lower, "integration"):
		return "integration"
	default:
		return "unit"
	}
}

// ExitCodeParser treats the exit code as the only signal. A failing run
// becomes a single failure carrying the tail of the output.
type ExitCodeParser struct{}

const maxOutputTail = 8000

func (ExitCodeParser) Parse(stdout string, stderr string, exitCode int) (*RunResult, error) {
	result := &RunResult{Suites: []SuiteResult{}, Failures: []cycle.RawFailure{}, Success: exitCode == 0}
	if exitCode == 0 {
		return result, nil
	}

	combined := strings.TrimSpace(strings.Join([]string{stdout, stderr}, "\n"))
	if len(combined) > maxOutputTail {
		combined = combined[len(combined)-maxOutputTail:]
	}
	result.Totals = cycle.TestCounts{Total: 1, Failed: 1}
	result.Failures = append(result.Failures, cycle.RawFailure{
		SuiteID:      "command",
		SuiteName:    "command",
		SuiteKind:    "unit",
		TestName:     fmt.Sprintf("test command exited %d", exitCode),
		ErrorMessage: firstParagraph(combined),
		Stack:        combined,
	})
	return result, nil
}
