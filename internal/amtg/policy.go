// Package amtg selects high-risk untested files and drafts test files
// for them.
package amtg

import (
	"path"
	"sort"
	"strings"

	"github.com/lucasnoah/atp/internal/coverage"
)

// Policy bounds how many files get generated tests per cycle.
type Policy struct {
	MinRiskScore         float64 `yaml:"min_risk_score" json:"min_risk_score"`
	MaxFilesPerCycle     int     `yaml:"max_files_per_cycle" json:"max_files_per_cycle"`
	RespectExistingTests bool    `yaml:"respect_existing_tests" json:"respect_existing_tests"`
}

// DefaultPolicy returns the stock selection policy.
func DefaultPolicy() Policy {
	return Policy{
		MinRiskScore:         4,
		MaxFilesPerCycle:     3,
		RespectExistingTests: true,
	}
}

// PathPolicy controls where generated tests are placed.
type PathPolicy struct {
	// TestRoot replaces a leading "src" segment. Defaults to "tests".
	TestRoot string `yaml:"test_root" json:"test_root"`
	// Style is "test" (foo.test.ts) or "spec" (foo.spec.ts).
	Style string `yaml:"style" json:"style"`
}

// Candidate is a file chosen for test generation.
type Candidate struct {
	SourcePath string   `json:"source_path"`
	TargetPath string   `json:"target_path"`
	RiskScore  float64  `json:"risk_score"`
	Coverage   *float64 `json:"coverage"`
}

// SelectCandidates filters files by minimum risk, orders them by
// descending risk, and caps the result at MaxFilesPerCycle. Files without
// a risk score are never selected. A non-positive cap means no limit.
func SelectCandidates(files []coverage.FileDelta, p Policy) []coverage.FileDelta {
	out := make([]coverage.FileDelta, 0, len(files))
	for _, f := range files {
		if f.RiskScore != nil && *f.RiskScore >= p.MinRiskScore {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RiskScore > *out[j].RiskScore
	})
	if p.MaxFilesPerCycle > 0 && len(out) > p.MaxFilesPerCycle {
		out = out[:p.MaxFilesPerCycle]
	}
	return out
}

// Selector applies a Policy and maps each selected file to its test path.
type Selector struct {
	Policy Policy
	Paths  PathPolicy
	// Exists reports whether a test file is already present. Consulted
	// only when Policy.RespectExistingTests is set.
	Exists func(path string) bool
}

// Select returns the candidates for this cycle. Files whose test already
// exists are dropped before the cap is applied.
func (s *Selector) Select(files []coverage.FileDelta) []Candidate {
	pool := files
	if s.Policy.RespectExistingTests && s.Exists != nil {
		pool = make([]coverage.FileDelta, 0, len(files))
		for _, f := range files {
			if !s.Exists(TestPathFor(f.Path, s.Paths)) {
				pool = append(pool, f)
			}
		}
	}

	selected := SelectCandidates(pool, s.Policy)
	cands := make([]Candidate, 0, len(selected))
	for _, f := range selected {
		cands = append(cands, Candidate{
			SourcePath: f.Path,
			TargetPath: TestPathFor(f.Path, s.Paths),
			RiskScore:  *f.RiskScore,
			Coverage:   f.After,
		})
	}
	return cands
}

var uiExtensions = map[string]bool{
	".tsx": true,
	".jsx": true,
}

// TestPathFor maps a source path to its conventional test file path.
// "src/lib/math.ts" becomes "tests/lib/math.test.ts" and
// "src/ui/Button.tsx" becomes "tests/ui/Button.test.tsx".
func TestPathFor(source string, p PathPolicy) string {
	clean := strings.TrimLeft(source, "/")

	root := p.TestRoot
	if root == "" {
		root = "tests"
	}
	if clean == "src" {
		clean = root
	} else if rest, ok := strings.CutPrefix(clean, "src/"); ok {
		clean = root + "/" + rest
	}

	style := p.Style
	if style != "spec" {
		style = "test"
	}

	ext := path.Ext(clean)
	suffix := ".ts"
	if uiExtensions[ext] {
		suffix = ".tsx"
	}
	return strings.TrimSuffix(clean, ext) + "." + style + suffix
}

// IsUIComponent reports whether a source file uses a UI-component extension.
func IsUIComponent(source string) bool {
	return uiExtensions[path.Ext(source)]
}
