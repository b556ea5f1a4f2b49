package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/logging"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedParsers = map[string]bool{
	"vitest":  true,
	"jest":    true,
	"generic": true,
}

var recognizedDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"none":     true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	o := cfg.Orchestrator
	if o.DefaultTimeoutMs < 0 {
		add("orchestrator.default_timeout_ms", "must not be negative")
	}
	if o.MaxHistorySize < 0 {
		add("orchestrator.max_history_size", "must not be negative")
	}
	if o.SaveDebounceMs < 0 {
		add("orchestrator.save_debounce_ms", "must not be negative")
	}

	if cfg.Runner.Command == "" {
		add("runner.command", "is required")
	}
	if !recognizedParsers[cfg.Runner.Parser] {
		add("runner.parser", "unrecognized parser %q", cfg.Runner.Parser)
	}
	if cfg.Runner.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Runner.Timeout); err != nil {
			add("runner.timeout", "invalid duration %q", cfg.Runner.Timeout)
		} else if d <= 0 {
			add("runner.timeout", "must be positive")
		}
	}

	c := cfg.Coverage
	if c.Format != bridge.FormatIstanbul && c.Format != bridge.FormatLCOV {
		add("coverage.format", "must be %q or %q, got %q", bridge.FormatIstanbul, bridge.FormatLCOV, c.Format)
	}
	if c.HighRiskThreshold < 0 || c.HighRiskThreshold > 1 {
		add("coverage.high_risk_threshold", "must be between 0 and 1")
	}
	if c.SignificantRegressionPct < 0 {
		add("coverage.significant_regression_pct", "must not be negative")
	}
	for i, rule := range c.Risk {
		if rule.Pattern == "" {
			add(fmt.Sprintf("coverage.risk[%d].pattern", i), "is required")
		}
		if rule.Score < 0 || rule.Score > 5 {
			add(fmt.Sprintf("coverage.risk[%d].score", i), "must be between 0 and 5")
		}
	}

	a := cfg.AMTG
	if a.Framework != amtg.FrameworkVitest && a.Framework != amtg.FrameworkJest {
		add("amtg.framework", "unsupported framework %q", a.Framework)
	}
	if a.Style != "" && a.Style != "test" && a.Style != "spec" {
		add("amtg.style", "must be \"test\" or \"spec\"")
	}
	if a.MinRiskScore < 0 || a.MinRiskScore > 5 {
		add("amtg.min_risk_score", "must be between 0 and 5")
	}

	e := cfg.Enrichment
	switch e.Provider {
	case "openai", "none":
	default:
		add("enrichment.provider", "unrecognized provider %q", e.Provider)
	}
	if e.RequestsPerMinute < 0 {
		add("enrichment.requests_per_minute", "must not be negative")
	}
	if e.MaxFixes < 0 {
		add("enrichment.max_fixes", "must not be negative")
	}

	if !recognizedDrivers[cfg.Archive.Driver] {
		add("archive.driver", "unrecognized driver %q", cfg.Archive.Driver)
	}
	if cfg.Archive.Driver == "postgres" && cfg.Archive.DSN == "" {
		add("archive.dsn", "is required for postgres (or set DATABASE_URL)")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535")
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	return errs
}
