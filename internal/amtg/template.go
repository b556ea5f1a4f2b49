package amtg

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe      = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

const ifClose = "{{/if}}"

// Vars maps placeholder names to values.
type Vars map[string]string

// Render expands {{name}} placeholders and {{#if name}}...{{/if}} blocks.
// A block is kept only when its variable is set and non-empty. Unknown
// placeholders are an error.
func Render(tmpl string, vars Vars) (string, error) {
	out, err := resolveBlocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	out = placeholderRe.ReplaceAllStringFunc(out, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveBlocks repeatedly resolves the innermost conditional: the last
// opening tag and the first closing tag after it.
func resolveBlocks(tmpl string, vars Vars) (string, error) {
	for {
		opens := ifOpenRe.FindAllStringSubmatchIndex(tmpl, -1)
		if len(opens) == 0 {
			break
		}
		open := opens[len(opens)-1]
		closeAt := strings.Index(tmpl[open[1]:], ifClose)
		if closeAt < 0 {
			return "", fmt.Errorf("unclosed conditional block: %s", tmpl[open[0]:open[1]])
		}
		closeAt += open[1]

		name := tmpl[open[2]:open[3]]
		body := ""
		if vars[name] != "" {
			body = tmpl[open[1]:closeAt]
		}
		tmpl = tmpl[:open[0]] + body + tmpl[closeAt+len(ifClose):]
	}
	if strings.Contains(tmpl, ifClose) {
		return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
	}
	return tmpl, nil
}

// OverrideDir is where a project may place its own test templates,
// relative to the working directory.
const OverrideDir = ".atp/templates"

// LoadTemplate returns the project override for name if one exists under
// workdir, else the built-in template.
func LoadTemplate(name, workdir string) (string, error) {
	if workdir != "" {
		base, err := filepath.Abs(filepath.Join(workdir, OverrideDir))
		if err == nil {
			candidate := filepath.Join(base, name)
			if !strings.HasPrefix(candidate, base+string(filepath.Separator)) {
				return "", fmt.Errorf("template name %q escapes %s", name, OverrideDir)
			}
			if data, err := os.ReadFile(candidate); err == nil {
				return string(data), nil
			}
		}
	}

	if tmpl, ok := builtinTemplates[name]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}
