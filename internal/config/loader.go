package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
)

// DefaultFile is the project-local config file name.
const DefaultFile = "atp.yaml"

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	delta := coverage.DefaultDeltaOptions()
	policy := amtg.DefaultPolicy()
	return &Config{
		Orchestrator: cycle.DefaultConfig(),
		Runner: RunnerConfig{
			Command: "npx vitest run --reporter=json --coverage --coverage.reporter=json-summary",
			Parser:  "vitest",
			Timeout: "5m",
			Workdir: ".",
		},
		Coverage: CoverageConfig{
			Format:                   bridge.FormatIstanbul,
			Path:                     "coverage/coverage-summary.json",
			HighRiskThreshold:        delta.HighRiskThreshold,
			SignificantRegressionPct: delta.SignificantRegressionPct,
		},
		AMTG: AMTGConfig{
			Enabled:              true,
			Framework:            amtg.FrameworkVitest,
			MinRiskScore:         policy.MinRiskScore,
			MaxFilesPerCycle:     policy.MaxFilesPerCycle,
			RespectExistingTests: policy.RespectExistingTests,
			TestRoot:             "tests",
			Style:                "test",
		},
		Enrichment: EnrichmentConfig{
			Provider:          "openai",
			RequestsPerMinute: 20,
			MaxFixes:          5,
		},
		Watch: WatchConfig{
			Paths:      []string{"src"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx"},
			Ignore:     []string{"node_modules", "coverage", "dist", ".git"},
		},
		Archive: ArchiveConfig{
			Driver: "sqlite",
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.Source = path

	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	return cfg, nil
}

// LoadDefault loads the first config found in ./atp.yaml or
// ~/.atp/config.yaml. With neither present it returns the defaults.
func LoadDefault() (*Config, error) {
	candidates := []string{DefaultFile}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".atp", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := Default()
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// applyDefaults fills values a file may have blanked out explicitly.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Runner.Parser == "" {
		cfg.Runner.Parser = def.Runner.Parser
	}
	if cfg.Runner.Workdir == "" {
		cfg.Runner.Workdir = def.Runner.Workdir
	}
	if cfg.Coverage.Format == "" {
		cfg.Coverage.Format = def.Coverage.Format
	}
	if cfg.Coverage.Path == "" {
		cfg.Coverage.Path = def.Coverage.Path
	}
	if cfg.AMTG.Framework == "" {
		cfg.AMTG.Framework = def.AMTG.Framework
	}
	if cfg.Enrichment.Provider == "" {
		cfg.Enrichment.Provider = "none"
	}
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = def.Archive.Driver
	}
	if cfg.Archive.Driver == "sqlite" && cfg.Archive.DSN == "" {
		cfg.Archive.DSN = DefaultSQLitePath()
	}
	for i, ext := range cfg.Watch.Extensions {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			cfg.Watch.Extensions[i] = "." + ext
		}
	}
}

// DefaultSQLitePath is the archive location when none is configured.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".atp", "atp.db")
	}
	return filepath.Join(home, ".atp", "atp.db")
}

// applyEnv overlays ATP_* variables and the conventional OPENAI_API_KEY
// and DATABASE_URL.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("ATP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orchestrator.Enabled = b
		}
	}
	if v := getenv("ATP_RUNNER_COMMAND"); v != "" {
		cfg.Runner.Command = v
	}
	if v := getenv("ATP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("ATP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := getenv("ATP_ARCHIVE_DRIVER"); v != "" {
		cfg.Archive.Driver = v
	}
	if v := getenv("ATP_ARCHIVE_DSN"); v != "" {
		cfg.Archive.DSN = v
	} else if v := getenv("DATABASE_URL"); v != "" && cfg.Archive.Driver == "postgres" {
		cfg.Archive.DSN = v
	}
	if cfg.Enrichment.APIKey == "" {
		cfg.Enrichment.APIKey = getenv("OPENAI_API_KEY")
	}
}
