package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/drover/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Drover configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/drover/config.yaml
Project-specific overrides can be placed in .drover.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("database.path: %s\n", cfg.Database.Path)
	fmt.Printf("daemon.poll_interval: %s\n", cfg.Daemon.PollInterval)
	fmt.Printf("daemon.max_in_flight: %d\n", cfg.Daemon.MaxInFlight)
	fmt.Printf("daemon.max_retries: %d\n", cfg.Daemon.MaxRetries)
	fmt.Printf("daemon.review_types: %s\n", strings.Join(cfg.Daemon.ReviewTypes, ","))
	fmt.Printf("registry.liveness_window: %s\n", cfg.Registry.LivenessWindow)
	fmt.Printf("registry.task_types: %s\n", strings.Join(cfg.Registry.TaskTypes, ","))
	fmt.Printf("bus.buffer_size: %d\n", cfg.Bus.BufferSize)
	fmt.Printf("intake.spool_dir: %s\n", cfg.Intake.SpoolDir)
	fmt.Printf("dispatch.timeout: %s\n", cfg.Dispatch.Timeout)
	fmt.Printf("tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "database.path":
		return cfg.Database.Path, nil
	case "daemon.poll_interval":
		return cfg.Daemon.PollInterval.String(), nil
	case "daemon.max_in_flight":
		return strconv.Itoa(cfg.Daemon.MaxInFlight), nil
	case "daemon.max_retries":
		return strconv.Itoa(cfg.Daemon.MaxRetries), nil
	case "daemon.review_types":
		return strings.Join(cfg.Daemon.ReviewTypes, ","), nil
	case "registry.liveness_window":
		return cfg.Registry.LivenessWindow.String(), nil
	case "registry.task_types":
		return strings.Join(cfg.Registry.TaskTypes, ","), nil
	case "bus.buffer_size":
		return strconv.Itoa(cfg.Bus.BufferSize), nil
	case "intake.spool_dir":
		return cfg.Intake.SpoolDir, nil
	case "dispatch.timeout":
		return cfg.Dispatch.Timeout.String(), nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "database.path":
		cfg.Database.Path = value
	case "daemon.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for poll_interval: %w", err)
		}
		cfg.Daemon.PollInterval = d
	case "daemon.max_in_flight":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_in_flight: %w", err)
		}
		cfg.Daemon.MaxInFlight = n
	case "daemon.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_retries: %w", err)
		}
		cfg.Daemon.MaxRetries = n
	case "daemon.review_types":
		cfg.Daemon.ReviewTypes = splitCSV(value)
	case "registry.liveness_window":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for liveness_window: %w", err)
		}
		cfg.Registry.LivenessWindow = d
	case "registry.task_types":
		cfg.Registry.TaskTypes = splitCSV(value)
	case "bus.buffer_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for buffer_size: %w", err)
		}
		cfg.Bus.BufferSize = n
	case "intake.spool_dir":
		cfg.Intake.SpoolDir = value
	case "dispatch.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for dispatch.timeout: %w", err)
		}
		cfg.Dispatch.Timeout = d
	case "tui.refresh_rate":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for refresh_rate: %w", err)
		}
		cfg.TUI.RefreshRate = d
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

// splitCSV splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
