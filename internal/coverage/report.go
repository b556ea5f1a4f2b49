package coverage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// istanbulMetric is one metric block of coverage-summary.json. Istanbul
// writes pct as the string "Unknown" when a file has no measurable lines.
type istanbulMetric struct {
	Total   int             `json:"total"`
	Covered int             `json:"covered"`
	Pct     json.RawMessage `json:"pct"`
}

type istanbulEntry struct {
	Lines      istanbulMetric `json:"lines"`
	Statements istanbulMetric `json:"statements"`
}

// ReadIstanbulSummary parses an Istanbul json-summary report
// (coverage/coverage-summary.json) using line coverage.
func ReadIstanbulSummary(r io.Reader) (*Snapshot, error) {
	var raw map[string]istanbulEntry
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode istanbul summary: %w", err)
	}

	snap := &Snapshot{Files: []FileCoverage{}}
	for key, entry := range raw {
		pct := metricPct(entry.Lines)
		if key == "total" {
			snap.TotalPct = pct
			continue
		}
		snap.Files = append(snap.Files, FileCoverage{Path: key, Pct: pct})
	}
	sortFiles(snap)
	return snap, nil
}

func metricPct(m istanbulMetric) *float64 {
	if len(m.Pct) > 0 {
		if v, err := strconv.ParseFloat(string(m.Pct), 64); err == nil {
			return &v
		}
	}
	if m.Total > 0 {
		v := round2(float64(m.Covered) / float64(m.Total) * 100)
		return &v
	}
	return nil
}

// ReadLCOV parses an lcov.info tracefile. Files with no instrumented
// lines get a nil Pct.
func ReadLCOV(r io.Reader) (*Snapshot, error) {
	snap := &Snapshot{Files: []FileCoverage{}}
	var (
		current              string
		found, hit           int
		totalFound, totalHit int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "SF:"):
			current = strings.TrimPrefix(line, "SF:")
			found, hit = 0, 0
		case strings.HasPrefix(line, "LF:"):
			found, _ = strconv.Atoi(strings.TrimPrefix(line, "LF:"))
		case strings.HasPrefix(line, "LH:"):
			hit, _ = strconv.Atoi(strings.TrimPrefix(line, "LH:"))
		case line == "end_of_record":
			if current == "" {
				continue
			}
			fc := FileCoverage{Path: current}
			if found > 0 {
				v := round2(float64(hit) / float64(found) * 100)
				fc.Pct = &v
			}
			snap.Files = append(snap.Files, fc)
			totalFound += found
			totalHit += hit
			current = ""
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lcov: %w", err)
	}

	if totalFound > 0 {
		v := round2(float64(totalHit) / float64(totalFound) * 100)
		snap.TotalPct = &v
	}
	sortFiles(snap)
	return snap, nil
}

// Relativize rewrites absolute file paths to be relative to root, using
// forward slashes. Paths outside root are left alone.
func (s *Snapshot) Relativize(root string) {
	if s == nil || root == "" {
		return
	}
	for i, f := range s.Files {
		if !filepath.IsAbs(f.Path) {
			continue
		}
		rel, err := filepath.Rel(root, f.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		s.Files[i].Path = filepath.ToSlash(rel)
	}
}

// RiskRule assigns a risk score to files matching Pattern. A pattern
// ending in "/**" matches everything under that directory; anything else
// is a path.Match glob tried against the full path and the base name.
type RiskRule struct {
	Pattern string  `yaml:"pattern" json:"pattern"`
	Score   float64 `yaml:"score" json:"score"`
}

// RiskMap is an ordered list of rules; the first match wins.
type RiskMap []RiskRule

// ScoreFor returns the risk score for p, or nil if no rule matches.
func (m RiskMap) ScoreFor(p string) *float64 {
	for _, rule := range m {
		if matchRule(rule.Pattern, p) {
			v := rule.Score
			return &v
		}
	}
	return nil
}

// Apply fills in RiskScore for files that do not already carry one.
func (m RiskMap) Apply(s *Snapshot) {
	if s == nil || len(m) == 0 {
		return
	}
	for i, f := range s.Files {
		if f.RiskScore != nil {
			continue
		}
		s.Files[i].RiskScore = m.ScoreFor(f.Path)
	}
}

func matchRule(pattern, p string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	}
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	ok, _ := path.Match(pattern, path.Base(p))
	return ok
}

func sortFiles(s *Snapshot) {
	sort.Slice(s.Files, func(i, j int) bool {
		return s.Files[i].Path < s.Files[j].Path
	})
}
