// Package config loads and validates the warden configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "30s", "2h").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "30s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Config holds the supervisor configuration.
type Config struct {
	// Data directory for the sqlite database and task state (~/.warden)
	DataDir string `yaml:"data_dir"`

	// Supervisor settings
	MaxCrashes          int      `yaml:"max_crashes"`           // consecutive crashes before escalation
	NormalSleepInterval Duration `yaml:"normal_sleep_interval"` // pause after a successful task
	CrashSleepInterval  Duration `yaml:"crash_sleep_interval"`  // pause after a crash, must exceed normal
	BackoffPolicy       string   `yaml:"backoff_policy"`        // "fixed", "linear", or "exponential"

	// Context hygiene settings
	CompactInterval        int      `yaml:"compact_interval"`          // iterations between compactions
	MaxContextAge          Duration `yaml:"max_context_age"`           // wall-clock age before compaction
	MaxTokensBeforeCompact int64    `yaml:"max_tokens_before_compact"` // in+out token budget
	ResetTimeout           Duration `yaml:"reset_timeout"`             // bound on a context reset attempt
	HygieneSchedule        string   `yaml:"hygiene_schedule"`          // optional cron spec, "" disables

	// Crash history settings
	CrashHistoryWindow   int `yaml:"crash_history_window"`    // records retained in memory
	CrashRateWindowMins  int `yaml:"crash_rate_window_mins"`  // trailing window for crash-rate reporting
	CategorySampleWindow int `yaml:"category_sample_window"`  // records sampled for the dominant category

	// Compatibility: clear the crash streak after a successful context reset.
	// Historical behavior; conflates mitigation with success, off by default.
	ResetClearsCrashStreak bool `yaml:"reset_clears_crash_streak"`

	// Task source
	TaskFile string `yaml:"task_file"` // yaml task list consumed by the file source

	// Provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Escalation sinks
	Notify NotifyConfig `yaml:"notify"`
}

// ProviderConfig selects and configures the conversation backend.
type ProviderConfig struct {
	Type         string `yaml:"type"`                    // "anthropic" or "openai"
	APIKey       string `yaml:"api_key,omitempty"`       // falls back to the provider's env var
	Model        string `yaml:"model,omitempty"`         // model identifier
	MaxTokens    int64  `yaml:"max_tokens,omitempty"`    // per-response cap
	SystemPrompt string `yaml:"system_prompt,omitempty"` // prepended to every task
}

// NotifyConfig configures escalation delivery.
type NotifyConfig struct {
	Desktop    bool   `yaml:"desktop"`     // native OS notification
	WebhookURL string `yaml:"webhook_url"` // JSON POST target, "" disables
}

// Default returns a config with the documented defaults.
func Default() *Config {
	return &Config{
		DataDir:                DefaultDataDir(),
		MaxCrashes:             3,
		NormalSleepInterval:    Duration{30 * time.Second},
		CrashSleepInterval:     Duration{60 * time.Second},
		BackoffPolicy:          "fixed",
		CompactInterval:        10,
		MaxContextAge:          Duration{120 * time.Minute},
		MaxTokensBeforeCompact: 100000,
		ResetTimeout:           Duration{30 * time.Second},
		CrashHistoryWindow:     1000,
		CrashRateWindowMins:    60,
		CategorySampleWindow:   10,
		TaskFile:               "tasks.yaml",
		Provider: ProviderConfig{
			Type: "anthropic",
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
	}
}

// DefaultDataDir returns the default data directory (~/.warden).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// Load loads config from ~/.warden/config.yaml, falling back to defaults
// when the file does not exist.
func Load() (*Config, error) {
	cfg := Default()

	path := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	return parse(cfg, data)
}

// LoadFrom loads config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(Default(), data)
}

func parse(cfg *Config, data []byte) (*Config, error) {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
	cfg.TaskFile = os.ExpandEnv(cfg.TaskFile)
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	cfg.Notify.WebhookURL = os.ExpandEnv(cfg.Notify.WebhookURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for construction-time errors.
// This is the only point where bad settings may surface as errors;
// everything downstream treats the config as trusted.
func (c *Config) Validate() error {
	if c.MaxCrashes < 1 {
		return fmt.Errorf("max_crashes must be >= 1, got %d", c.MaxCrashes)
	}
	if c.NormalSleepInterval.Duration < 0 || c.CrashSleepInterval.Duration < 0 {
		return fmt.Errorf("sleep intervals must be non-negative")
	}
	if c.CrashSleepInterval.Duration <= c.NormalSleepInterval.Duration {
		return fmt.Errorf("crash_sleep_interval (%s) must exceed normal_sleep_interval (%s)",
			c.CrashSleepInterval, c.NormalSleepInterval)
	}
	switch c.BackoffPolicy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("unknown backoff_policy %q", c.BackoffPolicy)
	}
	if c.CompactInterval < 1 {
		return fmt.Errorf("compact_interval must be >= 1, got %d", c.CompactInterval)
	}
	if c.MaxTokensBeforeCompact < 1 {
		return fmt.Errorf("max_tokens_before_compact must be >= 1, got %d", c.MaxTokensBeforeCompact)
	}
	if c.MaxContextAge.Duration <= 0 {
		return fmt.Errorf("max_context_age must be positive, got %s", c.MaxContextAge)
	}
	if c.ResetTimeout.Duration <= 0 {
		return fmt.Errorf("reset_timeout must be positive, got %s", c.ResetTimeout)
	}
	if c.CrashHistoryWindow < 1 {
		return fmt.Errorf("crash_history_window must be >= 1, got %d", c.CrashHistoryWindow)
	}
	if c.CrashRateWindowMins < 1 {
		return fmt.Errorf("crash_rate_window_mins must be >= 1, got %d", c.CrashRateWindowMins)
	}
	if c.CategorySampleWindow < 1 {
		return fmt.Errorf("category_sample_window must be >= 1, got %d", c.CategorySampleWindow)
	}
	switch c.Provider.Type {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	return nil
}

// Save writes the config to ~/.warden/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0600)
}

// DBPath returns the sqlite database path inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "warden.db")
}
