package cycle

// Config holds the orchestrator's runtime tunables.
type Config struct {
	Enabled          bool  `json:"enabled" yaml:"enabled"`
	TriggerOnSave    bool  `json:"trigger_on_save" yaml:"trigger_on_save"`
	TriggerOnCommit  bool  `json:"trigger_on_commit" yaml:"trigger_on_commit"`
	TriggerOnRun     bool  `json:"trigger_on_run" yaml:"trigger_on_run"`
	DefaultTimeoutMs int64 `json:"default_timeout_ms" yaml:"default_timeout_ms"`
	MaxHistorySize   int   `json:"max_history_size" yaml:"max_history_size"`
	SaveDebounceMs   int64 `json:"save_debounce_ms" yaml:"save_debounce_ms"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		TriggerOnSave:    true,
		TriggerOnCommit:  true,
		TriggerOnRun:     true,
		DefaultTimeoutMs: 60000,
		MaxHistorySize:   10,
		SaveDebounceMs:   2000,
	}
}

// Allows reports whether the config permits a cycle for trigger t.
// Manual cycles are gated only by Enabled.
func (c Config) Allows(t Trigger) bool {
	if !c.Enabled {
		return false
	}
	switch t {
	case TriggerSave:
		return c.TriggerOnSave
	case TriggerCommit:
		return c.TriggerOnCommit
	case TriggerRun:
		return c.TriggerOnRun
	}
	return true
}

// ConfigPatch is a partial update; nil fields are left unchanged.
type ConfigPatch struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	TriggerOnSave    *bool  `json:"trigger_on_save,omitempty"`
	TriggerOnCommit  *bool  `json:"trigger_on_commit,omitempty"`
	TriggerOnRun     *bool  `json:"trigger_on_run,omitempty"`
	DefaultTimeoutMs *int64 `json:"default_timeout_ms,omitempty"`
	MaxHistorySize   *int   `json:"max_history_size,omitempty"`
	SaveDebounceMs   *int64 `json:"save_debounce_ms,omitempty"`
}

// Apply returns c with the patch merged in.
func (p ConfigPatch) Apply(c Config) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.TriggerOnSave != nil {
		c.TriggerOnSave = *p.TriggerOnSave
	}
	if p.TriggerOnCommit != nil {
		c.TriggerOnCommit = *p.TriggerOnCommit
	}
	if p.TriggerOnRun != nil {
		c.TriggerOnRun = *p.TriggerOnRun
	}
	if p.DefaultTimeoutMs != nil {
		c.DefaultTimeoutMs = *p.DefaultTimeoutMs
	}
	if p.MaxHistorySize != nil {
		c.MaxHistorySize = *p.MaxHistorySize
	}
	if p.SaveDebounceMs != nil {
		c.SaveDebounceMs = *p.SaveDebounceMs
	}
	return c
}
