package failures

import (
	"regexp"
	"strings"
)

const (
	maxReasonLen   = 100
	fallbackCutLen = 97
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][012B]`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// Domain patterns, most specific first.
var reasonPatterns = []*regexp.Regexp{
	// null/undefined property access
	regexp.MustCompile(`(?:TypeError:\s*)?Cannot read propert(?:y|ies) of (?:undefined|null)[^\n]*`),
	// a line led by an error class keeps its class even if it mentions "expected"
	regexp.MustCompile(`(?m)^\s*(?:TypeError|ReferenceError|RangeError):[^\n]*`),
	// expect(x).toBe(y) mismatches: "expected 2 to be 3", "Expected: 3\nReceived: 2"
	regexp.MustCompile(`(?i)(?:AssertionError:\s*)?\bexpected:?\s+[^\n]+(?:\n\s*received:?\s+[^\n]+)?`),
	regexp.MustCompile(`TypeError:[^\n]*`),
	regexp.MustCompile(`ReferenceError:[^\n]*`),
	regexp.MustCompile(`AssertionError[^\n]*`),
}

// SummarizeError reduces a test failure message to a short reason line.
func SummarizeError(msg string) string {
	clean := strings.TrimSpace(ansiRe.ReplaceAllString(msg, ""))
	if clean == "" {
		return ""
	}

	for _, re := range reasonPatterns {
		span := re.FindString(clean)
		if span == "" {
			continue
		}
		span = strings.TrimSpace(whitespaceRe.ReplaceAllString(span, " "))
		if r := []rune(span); len(r) > maxReasonLen {
			return string(r[:maxReasonLen]) + "..."
		}
		return span
	}

	first := clean
	if i := strings.IndexByte(clean, '\n'); i >= 0 {
		first = strings.TrimSpace(clean[:i])
	}
	if r := []rune(first); len(r) > maxReasonLen {
		return string(r[:fallbackCutLen]) + "..."
	}
	return first
}
