// Package config loads and watches the quotaswitch configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RotationConfig controls the quota-based rotation engine.
type RotationConfig struct {
	// ThresholdPercent is the used-percent at or above which the active
	// account is rotated away from. Range 0-100.
	ThresholdPercent int `yaml:"threshold-percent"`
	// CheckInterval is how often the automatic rotation check runs.
	CheckInterval time.Duration `yaml:"check-interval"`
}

// QuotaConfig controls the periodic usage sweep.
type QuotaConfig struct {
	// RefreshInterval is how often all accounts' quota is refetched.
	RefreshInterval time.Duration `yaml:"refresh-interval"`
	// UsageURL overrides the provider usage endpoint. Empty uses the stock
	// endpoint.
	UsageURL string `yaml:"usage-url,omitempty"`
	// SweepConcurrency bounds how many usage fetches run at once during a
	// refresh-all sweep.
	SweepConcurrency int `yaml:"sweep-concurrency"`
}

// OAuthConfig overrides the provider OAuth endpoints for testing or
// alternate deployments. Empty fields use the stock values.
type OAuthConfig struct {
	ClientID    string `yaml:"client-id,omitempty"`
	AuthURL     string `yaml:"auth-url,omitempty"`
	TokenURL    string `yaml:"token-url,omitempty"`
	RedirectURI string `yaml:"redirect-uri,omitempty"`
	Scope       string `yaml:"scope,omitempty"`
	Audience    string `yaml:"audience,omitempty"`
	// CallbackPort is the fixed local port the callback listener binds.
	CallbackPort int `yaml:"callback-port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File enables rotating file output when set; empty logs to stderr.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// APIConfig controls the local daemon HTTP API.
type APIConfig struct {
	ListenAddr string `yaml:"listen-addr"`
}

// Config is the root configuration.
type Config struct {
	// AccountsFile is the path of the persisted account collection.
	AccountsFile string         `yaml:"accounts-file"`
	Rotation     RotationConfig `yaml:"rotation"`
	Quota        QuotaConfig    `yaml:"quota"`
	OAuth        OAuthConfig    `yaml:"oauth"`
	Logging      LoggingConfig  `yaml:"logging"`
	API          APIConfig      `yaml:"api"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		AccountsFile: filepath.Join(home, ".quotaswitch", "accounts.json"),
		Rotation: RotationConfig{
			ThresholdPercent: 90,
			CheckInterval:    5 * time.Minute,
		},
		Quota: QuotaConfig{
			RefreshInterval:  10 * time.Minute,
			SweepConcurrency: 4,
		},
		OAuth: OAuthConfig{
			CallbackPort: 1455,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:7787",
		},
	}
}

// Load reads the configuration file, layering it over the defaults. A
// missing file is not an error. A .env file next to the config is loaded
// first so the YAML may reference a pre-populated environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !os.IsNotExist(err) {
		log.Debugf("no .env loaded: %v", err)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail far from their
// source.
func (c *Config) Validate() error {
	if c.Rotation.ThresholdPercent < 0 || c.Rotation.ThresholdPercent > 100 {
		return fmt.Errorf("rotation.threshold-percent must be within [0,100], got %d", c.Rotation.ThresholdPercent)
	}
	if c.Rotation.CheckInterval < 0 {
		return fmt.Errorf("rotation.check-interval must not be negative")
	}
	if c.Quota.RefreshInterval < 0 {
		return fmt.Errorf("quota.refresh-interval must not be negative")
	}
	if c.Quota.SweepConcurrency <= 0 {
		c.Quota.SweepConcurrency = 1
	}
	if c.OAuth.CallbackPort <= 0 || c.OAuth.CallbackPort > 65535 {
		return fmt.Errorf("oauth.callback-port must be a valid port, got %d", c.OAuth.CallbackPort)
	}
	return nil
}
