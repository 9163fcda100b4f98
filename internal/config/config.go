// Package config loads the operator CLI configuration.
//
// Values come from a YAML file, by default ~/.config/pgtag/config.yaml or the
// path in PGTAG_CONFIG, and are then overridden by PGTAG_* environment
// variables. A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServer            = "http://localhost:8080"
	defaultSessionTimeout    = "30s"
	defaultConfirmTimeout    = "2m"
	defaultReconcileSchedule = "@every 1m"
	defaultLogLevel          = "info"
)

// Config is the CLI configuration.
type Config struct {
	// Server is the backend base URL.
	Server string `yaml:"server"`

	// Token is the bearer token saved by login.
	Token string `yaml:"token,omitempty"`

	// Journal is the path of the pending-confirmation journal.
	Journal string `yaml:"journal"`

	// SessionTimeout bounds every NFC session.
	SessionTimeout string `yaml:"session_timeout"`

	// ConfirmTimeout bounds confirm-lock retries after provisioning.
	ConfirmTimeout string `yaml:"confirm_timeout"`

	// ReconcileSchedule is the cron schedule for reconcile -watch.
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	// ReadProtect makes provisioned tags password protected for reads too.
	ReadProtect bool `yaml:"read_protect"`

	LogLevel string `yaml:"log_level"`

	path string
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := configDir()
	return &Config{
		Server:            defaultServer,
		Journal:           filepath.Join(dir, "journal.db"),
		SessionTimeout:    defaultSessionTimeout,
		ConfirmTimeout:    defaultConfirmTimeout,
		ReconcileSchedule: defaultReconcileSchedule,
		LogLevel:          defaultLogLevel,
		path:              filepath.Join(dir, "config.yaml"),
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pgtag")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pgtag")
}

// Path returns the file the configuration was loaded from and is saved to.
func (c *Config) Path() string {
	return c.path
}

// Load reads the configuration file and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if p := os.Getenv("PGTAG_CONFIG"); p != "" {
		cfg.path = p
	}
	return load(cfg)
}

// LoadFile is Load with an explicit file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path
	return load(cfg)
}

func load(cfg *Config) (*Config, error) {
	data, err := os.ReadFile(cfg.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", cfg.path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PGTAG_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("PGTAG_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("PGTAG_JOURNAL"); v != "" {
		c.Journal = v
	}
	if v := os.Getenv("PGTAG_SESSION_TIMEOUT"); v != "" {
		c.SessionTimeout = v
	}
	if v := os.Getenv("PGTAG_CONFIRM_TIMEOUT"); v != "" {
		c.ConfirmTimeout = v
	}
	if v := os.Getenv("PGTAG_RECONCILE_SCHEDULE"); v != "" {
		c.ReconcileSchedule = v
	}
	if v := os.Getenv("PGTAG_READ_PROTECT"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PGTAG_READ_PROTECT: %w", err)
		}
		c.ReadProtect = on
	}
	if v := os.Getenv("PGTAG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks that durations parse and required values are set.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("config: server is required")
	}
	if _, err := c.Session(); err != nil {
		return err
	}
	if _, err := c.Confirm(); err != nil {
		return err
	}
	return nil
}

// Session returns SessionTimeout as a duration.
func (c *Config) Session() (time.Duration, error) {
	return parseDuration("session_timeout", c.SessionTimeout)
}

// Confirm returns ConfirmTimeout as a duration.
func (c *Config) Confirm() (time.Duration, error) {
	return parseDuration("confirm_timeout", c.ConfirmTimeout)
}

func parseDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", name, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
}

// Save writes the configuration back to its file, creating the directory.
// The file holds a token, so it is only readable by the owner.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
