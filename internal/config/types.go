package config

import (
	"time"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
)

// Config is the top-level configuration parsed from atp.yaml.
type Config struct {
	Orchestrator cycle.Config     `yaml:"orchestrator"`
	Runner       RunnerConfig     `yaml:"runner"`
	Coverage     CoverageConfig   `yaml:"coverage"`
	AMTG         AMTGConfig       `yaml:"amtg"`
	Enrichment   EnrichmentConfig `yaml:"enrichment"`
	Watch        WatchConfig      `yaml:"watch"`
	Archive      ArchiveConfig    `yaml:"archive"`
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`

	// Source is the file the config was loaded from, empty for defaults.
	Source string `yaml:"-"`
}

// RunnerConfig describes the project's test command.
type RunnerConfig struct {
	Command     string `yaml:"command"`
	Parser      string `yaml:"parser"`
	Timeout     string `yaml:"timeout"`
	Workdir     string `yaml:"workdir"`
	AppendFiles bool   `yaml:"append_files"`
}

// CoverageConfig locates the coverage report and classifies deltas.
type CoverageConfig struct {
	Format                   string           `yaml:"format"`
	Path                     string           `yaml:"path"`
	Risk                     coverage.RiskMap `yaml:"risk"`
	HighRiskThreshold        float64          `yaml:"high_risk_threshold"`
	SignificantRegressionPct float64          `yaml:"significant_regression_pct"`
}

// AMTGConfig controls missing-test generation.
type AMTGConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Framework            string  `yaml:"framework"`
	MinRiskScore         float64 `yaml:"min_risk_score"`
	MaxFilesPerCycle     int     `yaml:"max_files_per_cycle"`
	RespectExistingTests bool    `yaml:"respect_existing_tests"`
	TestRoot             string  `yaml:"test_root"`
	Style                string  `yaml:"style"`
}

// EnrichmentConfig selects the language model used to enrich fixes.
type EnrichmentConfig struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxFixes          int    `yaml:"max_fixes"`
}

// WatchConfig scopes the file watcher behind save-triggered cycles.
type WatchConfig struct {
	Paths      []string `yaml:"paths"`
	Extensions []string `yaml:"extensions"`
	Ignore     []string `yaml:"ignore"`
}

// ArchiveConfig selects where finished cycles are stored.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the HTTP dashboard API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// RunnerTimeout returns the parsed runner timeout, or zero when unset or
// invalid (Validate reports the latter).
func (c *Config) RunnerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// DeltaOptions returns the coverage classification thresholds.
func (c *Config) DeltaOptions() coverage.DeltaOptions {
	return coverage.DeltaOptions{
		HighRiskThreshold:        c.Coverage.HighRiskThreshold,
		SignificantRegressionPct: c.Coverage.SignificantRegressionPct,
	}
}

// Policy returns the candidate selection policy.
func (c *Config) Policy() amtg.Policy {
	return amtg.Policy{
		MinRiskScore:         c.AMTG.MinRiskScore,
		MaxFilesPerCycle:     c.AMTG.MaxFilesPerCycle,
		RespectExistingTests: c.AMTG.RespectExistingTests,
	}
}

// PathPolicy returns where generated tests are placed.
func (c *Config) PathPolicy() amtg.PathPolicy {
	return amtg.PathPolicy{TestRoot: c.AMTG.TestRoot, Style: c.AMTG.Style}
}
