// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads the config path
// from.
const EnvVar = "CLUSTERIO_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the controller configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Paths         PathsConfig         `yaml:"paths"`
	Listen        ListenConfig        `yaml:"listen"`
	Link          LinkConfig          `yaml:"link"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Datastore     DatastoreConfig     `yaml:"datastore"`
	Log           LogConfig           `yaml:"log"`

	// Per-environment sections. The section matching Environment is
	// decoded over the base values after the file is loaded, so it
	// only needs the keys it changes.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Data holds the store files and the directory lock.
	Data string `yaml:"data"`
}

// ListenConfig configures the controller's HTTP listener.
type ListenConfig struct {
	// Address is the host:port to listen on. Default: :8080
	Address string `yaml:"address"`

	// Path is the websocket endpoint agents connect to. Default: /api/socket
	Path string `yaml:"path"`

	// MetricsPath serves Prometheus metrics. Empty disables it.
	// Default: /metrics
	MetricsPath string `yaml:"metrics_path"`
}

// LinkConfig configures every link the controller accepts.
type LinkConfig struct {
	// QueueSize bounds queued plus unacknowledged frames per link.
	// A link that exceeds it is disconnected. Peers ack every 32
	// frames without waiting for ack_delay, so a burst from a healthy
	// peer needs a value well above 32. Default: 1024
	QueueSize int `yaml:"queue_size"`

	// AckDelay is how long a receiver waits before sending a
	// standalone acknowledgement. Default: 50ms
	AckDelay time.Duration `yaml:"ack_delay"`

	// RequestTimeout bounds requests without their own deadline.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ResumeTimeout is how long a dropped link waits for its peer to
	// reconnect before it is closed. Default: 2m
	ResumeTimeout time.Duration `yaml:"resume_timeout"`

	// Compression is the frame compression algorithm: none, lz4, or
	// zstd. Default: lz4
	Compression string `yaml:"compression"`

	// CompressionThreshold is the smallest frame, in bytes, that is
	// considered for compression. Default: 1024
	CompressionThreshold int `yaml:"compression_threshold"`
}

// SubscriptionsConfig configures the subscription broker.
type SubscriptionsConfig struct {
	// ReplayTimeout bounds each replay handler. Default: 10s
	ReplayTimeout time.Duration `yaml:"replay_timeout"`

	// Permissions maps an event name to the principals allowed to
	// subscribe to it. Events not listed, or listed with no
	// principals, are open to everyone.
	Permissions map[string][]string `yaml:"permissions"`
}

// DatastoreConfig configures the controller's persistent stores.
type DatastoreConfig struct {
	// AutosaveInterval is the period between saves of dirty stores.
	// Default: 1m
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	// ProviderTimeout bounds each load or save. Default: 30s
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`

	// Format is auto, text, or json. Default: auto
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist to give every field a sensible value, not as a fallback:
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Data: filepath.Join(homeDir, ".local", "share", "clusterio"),
		},
		Listen: ListenConfig{
			Address:     ":8080",
			Path:        "/api/socket",
			MetricsPath: "/metrics",
		},
		Link: LinkConfig{
			QueueSize:            1024,
			AckDelay:             50 * time.Millisecond,
			RequestTimeout:       30 * time.Second,
			ResumeTimeout:        2 * time.Minute,
			Compression:          "lz4",
			CompressionThreshold: 1024,
		},
		Subscriptions: SubscriptionsConfig{
			ReplayTimeout: 10 * time.Second,
		},
		Datastore: DatastoreConfig{
			AutosaveInterval: time.Minute,
			ProviderTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the path in CLUSTERIO_CONFIG.
//
// There are no fallbacks: if CLUSTERIO_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your controller config file, or use --config flag", EnvVar)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${VAR} and ${VAR:-default} in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides decodes the section for the configured
// environment over the base values. In production the log format
// defaults to JSON when no section chooses one.
func (c *Config) applyEnvironmentOverrides() error {
	var overrides *yaml.Node

	switch c.Environment {
	case Development:
		overrides = &c.Development
	case Staging:
		overrides = &c.Staging
	case Production:
		overrides = &c.Production
		if c.Log.Format == "auto" {
			c.Log.Format = "json"
		}
	}

	if overrides == nil || overrides.Kind == 0 {
		return nil
	}
	if overrides.Kind != yaml.MappingNode {
		return fmt.Errorf("%s section must be a mapping", c.Environment)
	}

	environment := c.Environment
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("applying %s section: %w", environment, err)
	}
	// A section cannot switch environments.
	c.Environment = environment
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.Data = expandVars(c.Paths.Data, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var compressionValues = []string{"none", "lz4", "zstd"}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Data == "" {
		errs = append(errs, fmt.Errorf("paths.data is required"))
	}

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	if c.Listen.Path == "" || c.Listen.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("listen.path must start with /, got %q", c.Listen.Path))
	}
	if c.Listen.MetricsPath != "" && c.Listen.MetricsPath[0] != '/' {
		errs = append(errs, fmt.Errorf("listen.metrics_path must start with /, got %q", c.Listen.MetricsPath))
	}
	if c.Listen.MetricsPath != "" && c.Listen.MetricsPath == c.Listen.Path {
		errs = append(errs, fmt.Errorf("listen.metrics_path and listen.path must differ"))
	}

	if c.Link.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("link.queue_size must be positive, got %d", c.Link.QueueSize))
	}
	if c.Link.AckDelay <= 0 {
		errs = append(errs, fmt.Errorf("link.ack_delay must be positive, got %s", c.Link.AckDelay))
	}
	if c.Link.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("link.request_timeout must be positive, got %s", c.Link.RequestTimeout))
	}
	if c.Link.ResumeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("link.resume_timeout must be positive, got %s", c.Link.ResumeTimeout))
	}
	if !slices.Contains(compressionValues, c.Link.Compression) {
		errs = append(errs, fmt.Errorf("link.compression must be one of: %v", compressionValues))
	}
	if c.Link.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("link.compression_threshold must not be negative"))
	}

	if c.Subscriptions.ReplayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("subscriptions.replay_timeout must be positive, got %s", c.Subscriptions.ReplayTimeout))
	}

	if c.Datastore.AutosaveInterval <= 0 {
		errs = append(errs, fmt.Errorf("datastore.autosave_interval must be positive, got %s", c.Datastore.AutosaveInterval))
	}
	if c.Datastore.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("datastore.provider_timeout must be positive, got %s", c.Datastore.ProviderTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Allowed reports whether principal may subscribe to event under the
// configured permissions.
func (s SubscriptionsConfig) Allowed(event, principal string) bool {
	allowed := s.Permissions[event]
	return len(allowed) == 0 || slices.Contains(allowed, principal)
}

// EnsurePaths creates the data directory if it doesn't exist.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.Data, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Data, err)
	}
	return nil
}
