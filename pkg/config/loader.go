package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected file inside the config directory.
const ConfigFileName = "conversator.yaml"

// defaults returns the built-in configuration merged under user values.
func defaults() *Config {
	return &Config{
		WorkspaceRoot: "./workspace",
		HTTPAddr:      ":8420",
		Timeouts: TimeoutsConfig{
			SessionCreate: Duration(30 * time.Second),
			SendMessage:   Duration(15 * time.Second),
			StreamIdle:    Duration(90 * time.Second),
			AbortConfirm:  Duration(10 * time.Second),
			GateReminder:  Duration(5 * time.Minute),
		},
		Limits: LimitsConfig{
			MaxLiveSessions:       4,
			StreamReconnectCap:    5,
			StreamReconnectWindow: Duration(2 * time.Minute),
			WSSendTimeout:         Duration(5 * time.Second),
			WSQueueDepth:          256,
			TranscriptDepth:       500,
		},
		Retention: RetentionConfig{
			SessionGrace:  Duration(1 * time.Hour),
			CommandTTL:    Duration(24 * time.Hour),
			InboxTTL:      Duration(7 * 24 * time.Hour),
			SweepInterval: Duration(10 * time.Minute),
		},
		Notifier: NotifierConfig{
			CoalesceWindow: Duration(30 * time.Second),
		},
	}
}

// Initialize loads, merges, and validates configuration from configDir.
//
// Steps performed:
//  1. Read conversator.yaml
//  2. Expand ${VAR} / $VAR environment references
//  3. Parse YAML
//  4. Merge built-in defaults under user values
//  5. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	path := filepath.Join(configDir, ConfigFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Shell-style env expansion; missing variables expand to empty string
	// and are caught by validation when the field is required.
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.configDir = configDir

	if err := mergo.Merge(cfg, defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	for name, b := range cfg.Builders {
		b.Name = name
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"workspace_root", cfg.WorkspaceRoot,
		"builders", len(cfg.Builders))
	return cfg, nil
}

// validate aggregates every configuration error so the operator sees them
// all at once.
func validate(cfg *Config) error {
	var errs []error

	if cfg.WorkspaceRoot == "" {
		errs = append(errs, errors.New("workspace_root is required"))
	}
	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if len(cfg.Builders) == 0 {
		errs = append(errs, errors.New("at least one builder must be configured"))
	}
	for name, b := range cfg.Builders {
		switch b.Kind {
		case BuilderKindHTTP:
		case "":
			errs = append(errs, fmt.Errorf("builder %q: kind is required", name))
		default:
			errs = append(errs, fmt.Errorf("builder %q: unknown kind %q", name, b.Kind))
		}
		if b.Endpoint == "" {
			errs = append(errs, fmt.Errorf("builder %q: endpoint is required", name))
		}
	}
	if cfg.Limits.MaxLiveSessions <= 0 {
		errs = append(errs, errors.New("limits.max_live_sessions must be positive"))
	}
	if cfg.Limits.WSQueueDepth <= 0 {
		errs = append(errs, errors.New("limits.ws_queue_depth must be positive"))
	}

	return errors.Join(errs...)
}
