// Package config loads, validates and persists the daemon's global configuration.
//
// Configuration lives at <root>/config.json. Loading proceeds in stages — defaults,
// then file contents, then environment overrides — mirroring how the daemon's other
// JSON documents (registry, queue snapshot, rate-limit ledger) are staged through
// internal/statestore.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// SchedulingStrategy identifies a dispatch policy understood by internal/scheduler.
type SchedulingStrategy string

const (
	StrategyRoundRobin         SchedulingStrategy = "round-robin"
	StrategyPriority           SchedulingStrategy = "priority"
	StrategyWeighted           SchedulingStrategy = "weighted"
	StrategyWeightedRoundRobin SchedulingStrategy = "weighted-round-robin"
	StrategyDeadlineAware      SchedulingStrategy = "deadline-aware"
)

func (s SchedulingStrategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyPriority, StrategyWeighted, StrategyWeightedRoundRobin, StrategyDeadlineAware:
		return true
	}
	return false
}

// DaemonConfig holds the daemon.* config keys.
type DaemonConfig struct {
	Enabled            bool               `json:"enabled"`
	Port               int                `json:"port"`
	SocketPath         string             `json:"socketPath,omitempty"`
	MaxProcesses       int                `json:"maxProcesses"`
	SchedulingStrategy SchedulingStrategy `json:"schedulingStrategy"`
}

// ResourcesConfig holds the resources.* config keys.
type ResourcesConfig struct {
	MaxMemoryMB   int `json:"maxMemoryMB"`
	MaxCPUPercent int `json:"maxCpuPercent"`
}

// DefaultsConfig holds the defaults.* config keys applied to newly-registered projects.
type DefaultsConfig struct {
	PollingIntervalMS int    `json:"pollingInterval"`
	TimeoutMS         int    `json:"timeout"`
	RetryAttempts     int    `json:"retryAttempts"`
	RetryDelayMS      int    `json:"retryDelay"`
	Language          string `json:"language"`
}

// RegistryConfig holds the registry.* config keys.
type RegistryConfig struct {
	MaxProjects    int      `json:"maxProjects"`
	AutoDiscovery  bool     `json:"autoDiscovery"`
	DiscoveryPaths []string `json:"discoveryPaths"`
}

// LoggingConfig holds the logging.* config keys.
type LoggingConfig struct {
	Level     string `json:"level"`
	Directory string `json:"directory"`
	MaxFiles  int    `json:"maxFiles"`
	MaxSize   string `json:"maxSize"`
}

// Config is the daemon's global configuration document, persisted at config.json.
type Config struct {
	Version   string          `json:"version"`
	Daemon    DaemonConfig    `json:"daemon"`
	Resources ResourcesConfig `json:"resources"`
	Defaults  DefaultsConfig  `json:"defaults"`
	Registry  RegistryConfig  `json:"registry"`
	Logging   LoggingConfig   `json:"logging"`
}

// Default returns the configuration document with every spec-mandated default applied.
func Default() *Config {
	return &Config{
		Version: "1",
		Daemon: DaemonConfig{
			Enabled:            true,
			Port:               3003,
			MaxProcesses:       2,
			SchedulingStrategy: StrategyWeightedRoundRobin,
		},
		Resources: ResourcesConfig{
			MaxMemoryMB:   4096,
			MaxCPUPercent: 80,
		},
		Defaults: DefaultsConfig{
			PollingIntervalMS: 300_000,
			TimeoutMS:         600_000,
			RetryAttempts:     3,
			RetryDelayMS:      5_000,
			Language:          "en",
		},
		Registry: RegistryConfig{
			MaxProjects:   20,
			AutoDiscovery: false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxFiles:  30,
			MaxSize:   "10M",
		},
	}
}

// Root returns the configuration root directory, honoring the POPPO_CONFIG_DIR
// override before falling back to <home>/.poppobuilder.
func Root() (string, error) {
	if dir := os.Getenv("POPPO_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryFileSystem, "resolve home directory").Build()
	}
	return filepath.Join(home, ".poppobuilder"), nil
}

// Path returns the path to config.json under root.
func Path(root string) string {
	return filepath.Join(root, "config.json")
}

// Load builds a Config by staging defaults, then the on-disk document (if any), then
// environment overrides. A missing file is not an error — Default() is used instead.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(root))
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, ferrors.WrapError(jerr, ferrors.CategoryConfig, "parse config.json").
				WithContext("path", Path(root)).Build()
		}
	case os.IsNotExist(err):
		// fall through with defaults
	default:
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "read config.json").Build()
	}

	applyEnvOverrides(cfg)
	normalize(cfg)

	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if lang := os.Getenv("POPPOBUILDER_LANG"); lang != "" {
		cfg.Defaults.Language = lang
	}
	if p := os.Getenv("POPPO_DAEMON_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Daemon.Port = n
		}
	}
}

// Validate checks every numeric range and enum named in the schema.
func (c *Config) Validate() error {
	var issues []string

	if !c.Daemon.SchedulingStrategy.Valid() {
		issues = append(issues, fmt.Sprintf("daemon.schedulingStrategy %q is not a recognized policy", c.Daemon.SchedulingStrategy))
	}
	if c.Daemon.MaxProcesses < 1 {
		issues = append(issues, "daemon.maxProcesses must be >= 1")
	}
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		issues = append(issues, "daemon.port out of range")
	}
	if c.Resources.MaxMemoryMB < 1 {
		issues = append(issues, "resources.maxMemoryMB must be >= 1")
	}
	if c.Resources.MaxCPUPercent < 1 || c.Resources.MaxCPUPercent > 100 {
		issues = append(issues, "resources.maxCpuPercent must be within (0,100]")
	}
	if c.Defaults.PollingIntervalMS < 60_000 {
		issues = append(issues, "defaults.pollingInterval must be >= 60000ms")
	}
	if c.Defaults.RetryAttempts < 0 {
		issues = append(issues, "defaults.retryAttempts must be >= 0")
	}
	if c.Registry.MaxProjects < 1 {
		issues = append(issues, "registry.maxProjects must be >= 1")
	}

	if len(issues) > 0 {
		return ferrors.ValidationError("invalid configuration").
			WithContext("issues", strings.Join(issues, "; ")).Build()
	}
	return nil
}

// Save atomically persists the config to <root>/config.json (temp file + rename).
func Save(root string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create config root").Build()
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConfig, "marshal config").Build()
	}

	final := Path(root)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write config temp file").Build()
	}
	if err := os.Rename(tmp, final); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "rename config temp file").Build()
	}
	return nil
}

// SocketPath resolves the IPC listen address: explicit socketPath, else a default
// unix socket path under root. No platform check is made.
func SocketPath(root string, cfg *Config) string {
	if cfg.Daemon.SocketPath != "" {
		return cfg.Daemon.SocketPath
	}
	return filepath.Join(root, "poppod.sock")
}
