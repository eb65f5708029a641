// Package config handles configuration loading and management for Drover.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Drover.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Registry RegistryConfig `mapstructure:"registry"`
	Bus      BusConfig      `mapstructure:"bus"`
	Intake   IntakeConfig   `mapstructure:"intake"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	TUI      TUIConfig      `mapstructure:"tui"`
}

// DatabaseConfig holds the durable store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. "${VAR}" references are expanded.
	Path string `mapstructure:"path"`
}

// DaemonConfig holds orchestrator loop settings.
type DaemonConfig struct {
	// PollInterval is how often the loop looks for claimable work.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxInFlight bounds concurrent task dispatches.
	MaxInFlight int `mapstructure:"max_in_flight"`
	// MaxRetries is how many attempts a task gets before it fails terminally.
	MaxRetries int `mapstructure:"max_retries"`
	// ReviewTypes lists task types whose results are held for review
	// instead of completing directly.
	ReviewTypes []string `mapstructure:"review_types"`
}

// RegistryConfig holds worker registry settings.
type RegistryConfig struct {
	// LivenessWindow is how long a worker may go without a heartbeat
	// before it is considered lost.
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	// TaskTypes is the closed set of task types workers may advertise.
	// Empty means any capability string is accepted.
	TaskTypes []string `mapstructure:"task_types"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	// BufferSize is the per-subscriber channel buffer.
	BufferSize int `mapstructure:"buffer_size"`
}

// IntakeConfig holds spool directory settings.
type IntakeConfig struct {
	// SpoolDir is watched for dropped task files. Empty disables intake.
	SpoolDir string `mapstructure:"spool_dir"`
}

// DispatchConfig holds worker dispatch settings.
type DispatchConfig struct {
	// Timeout bounds a single task execution.
	Timeout time.Duration `mapstructure:"timeout"`
	// Commands maps a task type to the command that executes it.
	Commands map[string]string `mapstructure:"commands"`
}

// TUIConfig holds monitor display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DROVER_DB_PATH)
// 2. Project config (.drover.yaml in current directory or parent)
// 3. User config (~/.config/drover/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("database.path", "DROVER_DB_PATH")
	v.BindEnv("intake.spool_dir", "DROVER_SPOOL_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Intake.SpoolDir = expandEnv(cfg.Intake.SpoolDir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Intake.SpoolDir = expandEnv(cfg.Intake.SpoolDir)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("database.path", cfg.Database.Path)
	v.Set("daemon.poll_interval", cfg.Daemon.PollInterval.String())
	v.Set("daemon.max_in_flight", cfg.Daemon.MaxInFlight)
	v.Set("daemon.max_retries", cfg.Daemon.MaxRetries)
	v.Set("daemon.review_types", cfg.Daemon.ReviewTypes)
	v.Set("registry.liveness_window", cfg.Registry.LivenessWindow.String())
	v.Set("registry.task_types", cfg.Registry.TaskTypes)
	v.Set("bus.buffer_size", cfg.Bus.BufferSize)
	v.Set("intake.spool_dir", cfg.Intake.SpoolDir)
	v.Set("dispatch.timeout", cfg.Dispatch.Timeout.String())
	v.Set("dispatch.commands", cfg.Dispatch.Commands)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDBPath())

	v.SetDefault("daemon.poll_interval", "500ms")
	v.SetDefault("daemon.max_in_flight", 4)
	v.SetDefault("daemon.max_retries", 3)
	v.SetDefault("daemon.review_types", []string{})

	v.SetDefault("registry.liveness_window", "30s")
	v.SetDefault("registry.task_types", []string{})

	v.SetDefault("bus.buffer_size", 64)

	v.SetDefault("intake.spool_dir", "")

	v.SetDefault("dispatch.timeout", "15m")

	v.SetDefault("tui.refresh_rate", "500ms")
}

// getUserConfigDir returns the XDG config directory for Drover.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drover")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "drover")
	}
	return filepath.Join(home, ".config", "drover")
}

// defaultDBPath returns the XDG data path for the task database.
func defaultDBPath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "drover", "drover.db")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "drover.db")
	}
	return filepath.Join(home, ".local", "share", "drover", "drover.db")
}

// findProjectConfig searches for .drover.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".drover.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: defaultDBPath(),
		},
		Daemon: DaemonConfig{
			PollInterval: 500 * time.Millisecond,
			MaxInFlight:  4,
			MaxRetries:   3,
		},
		Registry: RegistryConfig{
			LivenessWindow: 30 * time.Second,
		},
		Bus: BusConfig{
			BufferSize: 64,
		},
		Dispatch: DispatchConfig{
			Timeout: 15 * time.Minute,
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}
