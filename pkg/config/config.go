// Package config loads and validates the conversator.yaml configuration:
// the workspace root, the builder registry, timing policy, and fan-out
// limits. Environment variables are expanded before parsing; built-in
// defaults are merged under user-supplied values.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
)

// Config is the umbrella configuration object returned by Initialize.
type Config struct {
	configDir string

	// WorkspaceRoot anchors the on-disk layout: state/, prompts/, inbox/, cache/.
	WorkspaceRoot string `yaml:"workspace_root"`
	// HTTPAddr is the listen address of the fan-out service.
	HTTPAddr string `yaml:"http_addr"`
	// AllowedWSOrigins lists origins accepted on /ws/events; empty means
	// same-host only.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	Builders  map[string]*BuilderConfig `yaml:"builders"`
	Timeouts  TimeoutsConfig            `yaml:"timeouts"`
	Limits    LimitsConfig              `yaml:"limits"`
	Retention RetentionConfig           `yaml:"retention"`
	Notifier  NotifierConfig            `yaml:"notifier"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// StateDir returns <root>/state (the durable event log).
func (c *Config) StateDir() string {
	return filepath.Join(c.WorkspaceRoot, "state")
}

// PromptsDir returns <root>/prompts (per-topic directories).
func (c *Config) PromptsDir() string {
	return filepath.Join(c.WorkspaceRoot, "prompts")
}

// CacheDir returns <root>/cache (non-authoritative, safe to delete).
func (c *Config) CacheDir() string {
	return filepath.Join(c.WorkspaceRoot, "cache")
}

// Builder retrieves one builder declaration by name.
func (c *Config) Builder(name string) (*BuilderConfig, error) {
	b, ok := c.Builders[name]
	if !ok {
		return nil, fmt.Errorf("builder %q is not configured", name)
	}
	return b, nil
}

// BuilderNames returns the configured builder names, sorted.
func (c *Config) BuilderNames() []string {
	names := make([]string, 0, len(c.Builders))
	for name := range c.Builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
