package amtg

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/atp/internal/cycle"
)

// Supported test frameworks.
const (
	FrameworkVitest = "vitest"
	FrameworkJest   = "jest"
)

// Generator drafts test files for selected candidates.
type Generator struct {
	Framework string
	// Workdir is searched for template overrides. Empty disables overrides.
	Workdir string
}

// Generate renders one suggestion per candidate.
func (g *Generator) Generate(cands []Candidate, now time.Time) ([]cycle.GeneratedTestSuggestion, error) {
	framework := g.Framework
	if framework == "" {
		framework = FrameworkVitest
	}
	if framework != FrameworkVitest && framework != FrameworkJest {
		return nil, fmt.Errorf("unsupported test framework %q", framework)
	}

	tmpl, err := LoadTemplate(framework+".tmpl", g.Workdir)
	if err != nil {
		return nil, fmt.Errorf("load %s template: %w", framework, err)
	}

	out := make([]cycle.GeneratedTestSuggestion, 0, len(cands))
	for _, c := range cands {
		content, err := Render(tmpl, varsFor(c))
		if err != nil {
			return nil, fmt.Errorf("render test for %s: %w", c.SourcePath, err)
		}
		out = append(out, cycle.GeneratedTestSuggestion{
			ID:          uuid.NewString(),
			SourcePath:  c.SourcePath,
			TargetPath:  c.TargetPath,
			Framework:   framework,
			Title:       "Add tests for " + c.SourcePath,
			Description: describe(c),
			Content:     content,
			RiskScore:   c.RiskScore,
			CreatedAt:   now,
		})
	}
	return out, nil
}

func varsFor(c Candidate) Vars {
	v := Vars{
		"source_path": c.SourcePath,
		"target_path": c.TargetPath,
		"import_path": importPath(c.TargetPath, c.SourcePath),
		"module_name": moduleName(c.SourcePath),
		"risk_score":  formatNum(c.RiskScore),
		"coverage":    "",
		"ui":          "",
	}
	if c.Coverage != nil {
		v["coverage"] = formatNum(*c.Coverage)
	}
	if IsUIComponent(c.SourcePath) {
		v["ui"] = "true"
	}
	return v
}

func describe(c Candidate) string {
	cov := "no coverage data"
	if c.Coverage != nil {
		cov = formatNum(*c.Coverage) + "% line coverage"
	}
	return fmt.Sprintf("%s has risk score %s/5 and %s.", c.SourcePath, formatNum(c.RiskScore), cov)
}

// importPath is the extensionless relative import of source from target.
func importPath(target, source string) string {
	src := strings.TrimLeft(source, "/")
	src = strings.TrimSuffix(src, path.Ext(src))

	from := strings.Split(path.Dir(target), "/")
	to := strings.Split(src, "/")
	if path.Dir(target) == "." {
		from = nil
	}

	i := 0
	for i < len(from) && i < len(to)-1 && from[i] == to[i] {
		i++
	}
	parts := make([]string, 0, len(from)-i+len(to)-i)
	for range from[i:] {
		parts = append(parts, "..")
	}
	parts = append(parts, to[i:]...)

	rel := strings.Join(parts, "/")
	if !strings.HasPrefix(rel, "..") {
		rel = "./" + rel
	}
	return rel
}

func moduleName(source string) string {
	base := path.Base(source)
	return strings.TrimSuffix(base, path.Ext(base))
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
