package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds connection and identity settings.
type ConfigDefault struct {
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`
	BaseURL   string `toml:"base_url"`
	StorePath string `toml:"store_path"`
}

// ConfigSync holds background sync tuning.
type ConfigSync struct {
	IntervalSeconds int `toml:"interval_seconds"`
	PollSeconds     int `toml:"poll_seconds"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then overlays any environment
// variables. If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.Default.UserID = v
	}
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "store_path":
			cfg.Default.StorePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "interval_seconds":
			n, err := parsePositiveInt(value)
			if err != nil {
				return err
			}
			cfg.Sync.IntervalSeconds = n
		case "poll_seconds":
			n, err := parsePositiveInt(value)
			if err != nil {
				return err
			}
			cfg.Sync.PollSeconds = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Offline-first chat CLI",
	Long:  "Command-line interface for the chatsync engine.\nSend messages, inspect conversation history, and drive sync against the server.",
}

func main() {
	// populate env overrides from a local .env if one is present
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
