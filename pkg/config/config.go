// Package config handles crater configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/poltergeist/crater/pkg/types"
	"gopkg.in/yaml.v3"
)

// LockfileReuse controls whether a generated lock file is shared between
// the two toolchains of an experiment
type LockfileReuse string

const (
	// LockfileReuseShared copies the first toolchain's lock to the second,
	// unless the second is flag-aware
	LockfileReuseShared LockfileReuse = "shared"

	// LockfileReusePerToolchain generates a lock for every toolchain
	LockfileReusePerToolchain LockfileReuse = "per-toolchain"
)

// DemoCrates is the curated list used by the demo corpus selection
type DemoCrates struct {
	Crates      []string `json:"crates" yaml:"crates"`
	GithubRepos []string `json:"github-repos" yaml:"github-repos"`
}

// CrateConfig holds per-package overrides
type CrateConfig struct {
	UpdateLockfile bool `json:"update-lockfile" yaml:"update-lockfile"`
}

// LockfileConfig holds the lock generation policy
type LockfileConfig struct {
	Reuse LockfileReuse `json:"reuse" yaml:"reuse"`
}

// RunnerConfig holds execution settings
type RunnerConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string         `json:"file" yaml:"file"`
	Level types.LogLevel `json:"level" yaml:"level"`
}

// Config is the crater configuration file
type Config struct {
	DemoCrates    DemoCrates             `json:"demo-crates" yaml:"demo-crates"`
	Crates        map[string]CrateConfig `json:"crates,omitempty" yaml:"crates,omitempty"`
	GithubRepos   map[string]CrateConfig `json:"github-repos,omitempty" yaml:"github-repos,omitempty"`
	Lockfile      LockfileConfig         `json:"lockfile" yaml:"lockfile"`
	Runner        RunnerConfig           `json:"runner" yaml:"runner"`
	Notifications *NotificationConfig    `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig         `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// ShouldUpdateLockfile reports whether an existing lock file of the package
// must be regenerated
func (c *Config) ShouldUpdateLockfile(pkg types.Package) bool {
	switch p := pkg.(type) {
	case types.RegistryPackage:
		return c.Crates[p.Name].UpdateLockfile
	case types.RepoPackage:
		return c.GithubRepos[p.Slug()].UpdateLockfile
	default:
		return false
	}
}

// ReuseLockfiles reports whether locks are shared between toolchains
func (c *Config) ReuseLockfiles() bool {
	return c.Lockfile.Reuse != LockfileReusePerToolchain
}

// NotificationsEnabled reports whether desktop notifications are on
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications != nil && c.Notifications.Enabled != nil && *c.Notifications.Enabled
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads configuration from a file
func (m *Manager) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := m.GetDefaultConfig()

	// Try JSON first
	if err := json.Unmarshal(data, cfg); err == nil {
		return m.validateConfig(cfg)
	}

	// YAML goes through JSON so the json tags stay authoritative
	var yamlData map[string]interface{}
	if err := yaml.Unmarshal(data, &yamlData); err == nil {
		jsonData, err := json.Marshal(yamlData)
		if err == nil {
			cfg = m.GetDefaultConfig()
			if err := json.Unmarshal(jsonData, cfg); err == nil {
				return m.validateConfig(cfg)
			}
		}
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *Config) error {
	switch cfg.Lockfile.Reuse {
	case "", LockfileReuseShared, LockfileReusePerToolchain:
	default:
		return fmt.Errorf("invalid lockfile reuse policy: %s", cfg.Lockfile.Reuse)
	}

	if cfg.Runner.Workers < 0 {
		return fmt.Errorf("runner workers must not be negative: %d", cfg.Runner.Workers)
	}

	seen := make(map[string]bool)
	for _, name := range cfg.DemoCrates.Crates {
		if seen[name] {
			return fmt.Errorf("duplicate demo crate: %s", name)
		}
		seen[name] = true
	}

	return nil
}

// GetDefaultConfig returns the configuration used when no file is given
func (m *Manager) GetDefaultConfig() *Config {
	return &Config{
		Crates:      map[string]CrateConfig{},
		GithubRepos: map[string]CrateConfig{},
		Lockfile: LockfileConfig{
			Reuse: LockfileReuseShared,
		},
	}
}

// Private methods

func (m *Manager) validateConfig(cfg *Config) (*Config, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
