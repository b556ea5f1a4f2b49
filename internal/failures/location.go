// Package failures turns raw test failures into located, summarized fix
// suggestions.
package failures

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/atp/internal/cycle"
)

// Stack frame patterns, tried in order against each line. The first
// match wins.
var locationPatterns = []*regexp.Regexp{
	// at Object.<anonymous> (src/foo.ts:42:7)
	regexp.MustCompile(`at\s+[^()]+?\s+\((?:file://)?([^()\s]+):(\d+):(\d+)\)`),
	// at src/foo.ts:42:7
	regexp.MustCompile(`at\s+(?:file://)?([^()\s]+):(\d+):(\d+)\s*$`),
	// (src/foo.ts:42) or (src/foo.ts:42:7)
	regexp.MustCompile(`\((?:file://)?([^()\s]+\.(?:ts|tsx|js|jsx|mjs|cjs|mts|cts|vue|svelte)):(\d+)(?::(\d+))?\)`),
	// src/foo.ts:42 or src/foo.ts:42:7
	regexp.MustCompile(`(?:file://)?([^()\s]+\.(?:ts|tsx|js|jsx|mjs|cjs|mts|cts|vue|svelte)):(\d+)(?::(\d+))?`),
}

var vendorMarkers = []string{"node_modules/", "vendor/"}

// Node runtime frames: node:internal/..., node:events, internal/timers.js.
var runtimePrefixes = []string{"node:", "internal/"}

var testPathMarkers = []string{".test.", ".spec.", "__tests__/", "/test/", "/tests/"}

// ExtractLocation returns the first stack location outside vendored
// dependencies and the Node runtime, or nil when no line matches.
func ExtractLocation(stack string) *cycle.Location {
	for _, line := range strings.Split(stack, "\n") {
		if isVendorLine(line) {
			continue
		}
		if loc := matchLine(line); loc != nil && !isRuntimePath(loc.FilePath) {
			return loc
		}
	}
	return nil
}

// extractSourceLocation is ExtractLocation restricted to frames that are
// not inside test files.
func extractSourceLocation(stack string) *cycle.Location {
	for _, line := range strings.Split(stack, "\n") {
		if isVendorLine(line) {
			continue
		}
		loc := matchLine(line)
		if loc == nil || isRuntimePath(loc.FilePath) || isTestPath(loc.FilePath) {
			continue
		}
		return loc
	}
	return nil
}

func matchLine(line string) *cycle.Location {
	for _, re := range locationPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ln, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		loc := &cycle.Location{FilePath: m[1], Line: ln}
		if len(m) > 3 && m[3] != "" {
			loc.Column, _ = strconv.Atoi(m[3])
		}
		return loc
	}
	return nil
}

func isVendorLine(line string) bool {
	for _, marker := range vendorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func isRuntimePath(p string) bool {
	for _, prefix := range runtimePrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func isTestPath(p string) bool {
	if strings.HasPrefix(p, "test/") || strings.HasPrefix(p, "tests/") {
		return true
	}
	for _, marker := range testPathMarkers {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}
