package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all hive client configuration.
type Config struct {
	// API is the remote marketplace API.
	API APIConfig `yaml:"api"`

	// Polling intervals for the synchronizer.
	Polling PollingConfig `yaml:"polling"`

	// Trial limits mirrored from the backend for display.
	Trial TrialConfig `yaml:"trial"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// UI settings for the interactive pages
	UI UIConfig `yaml:"ui"`

	// StateDir holds credentials, logs and the usage ledger.
	StateDir string `yaml:"state_dir"`
}

// APIConfig configures the marketplace HTTP client.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
	// Token is only populated from HIVE_TOKEN; the credentials file is the
	// normal source.
	Token string `yaml:"-"`
}

// PollingConfig holds poll intervals as duration strings.
type PollingConfig struct {
	Messages      string `yaml:"messages"`
	Tasks         string `yaml:"tasks"`
	Mission       string `yaml:"mission"`
	Feed          string `yaml:"feed"`
	ActivityPulse string `yaml:"activity_pulse"`
}

// TrialConfig configures trial display limits.
type TrialConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// UIConfig configures the TUI.
type UIConfig struct {
	Theme string `yaml:"theme"` // light, dark, auto
}

// PollKind names one of the polled resources.
type PollKind string

const (
	PollMessages PollKind = "messages"
	PollTasks    PollKind = "tasks"
	PollMission  PollKind = "mission"
	PollFeed     PollKind = "feed"
)

var defaultIntervals = map[PollKind]time.Duration{
	PollMessages: 5 * time.Second,
	PollTasks:    10 * time.Second,
	PollMission:  10 * time.Second,
	PollFeed:     15 * time.Second,
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: "30s",
		},
		Polling: PollingConfig{
			Messages:      "5s",
			Tasks:         "10s",
			Mission:       "10s",
			Feed:          "15s",
			ActivityPulse: "2s",
		},
		Trial: TrialConfig{
			MaxMessages: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			Theme: "auto",
		},
		StateDir: DefaultStateDir(),
	}
}

// DefaultStateDir returns ~/.hive, falling back to ./.hive.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return filepath.Join(home, ".hive")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load loads configuration from a YAML file, then a .env file in the
// working directory, then the process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env is optional; existing environment variables win over it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HIVE_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("HIVE_API_TIMEOUT"); v != "" {
		c.API.Timeout = v
	}
	if v := os.Getenv("HIVE_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("HIVE_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	switch strings.ToLower(os.Getenv("HIVE_DEBUG")) {
	case "1", "true", "yes":
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// GetAPITimeout returns the HTTP timeout as a duration.
func (c *Config) GetAPITimeout() time.Duration {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetPollInterval returns the configured interval for kind, or its default.
func (c *Config) GetPollInterval(kind PollKind) time.Duration {
	var raw string
	switch kind {
	case PollMessages:
		raw = c.Polling.Messages
	case PollTasks:
		raw = c.Polling.Tasks
	case PollMission:
		raw = c.Polling.Mission
	case PollFeed:
		raw = c.Polling.Feed
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultIntervals[kind]
	}
	return d
}

// GetActivityPulse returns how long the "new activity" highlight lasts.
func (c *Config) GetActivityPulse() time.Duration {
	d, err := time.ParseDuration(c.Polling.ActivityPulse)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// CredentialsPath returns the path of the token file.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.StateDir, "credentials.yaml")
}

// LogsDir returns the log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// UsagePath returns the token usage ledger path.
func (c *Config) UsagePath() string {
	return filepath.Join(c.StateDir, "usage.json")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url not configured (set HIVE_API_URL)")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api.base_url: %q", c.API.BaseURL)
	}
	if c.Trial.MaxMessages <= 0 {
		return fmt.Errorf("trial.max_messages must be > 0")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	return nil
}
