package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Engine  ConfigEngine  `toml:"engine"`
}

// ConfigDefault holds backend selection and endpoints.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Backend     string `toml:"backend"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
}

// ConfigAuth holds the credential and the local user's address.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigEngine tunes the sync engine.
type ConfigEngine struct {
	KeepAliveInterval string `toml:"keepalive_interval"`
	Reconnect         bool   `toml:"reconnect"`
}

const (
	backendHTTP     = "http"
	backendPostgres = "postgres"
)

func (c *Config) backend() string {
	if c.Default.Backend == "" {
		return backendHTTP
	}
	return c.Default.Backend
}

func (c *Config) keepAlive() (time.Duration, error) {
	if c.Engine.KeepAliveInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.KeepAliveInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid engine.keepalive_interval %q: %w", c.Engine.KeepAliveInterval, err)
	}
	return d, nil
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

// readConfigFile reads and parses the config file only.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, then applies .env and CHATSYNC_* overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

// envKeys maps CHATSYNC_* variables to config keys.
var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":           "default.base_url",
	"CHATSYNC_BACKEND":            "default.backend",
	"CHATSYNC_DATABASE_URL":       "default.database_url",
	"CHATSYNC_REDIS_URL":          "default.redis_url",
	"CHATSYNC_TOKEN":              "auth.token",
	"CHATSYNC_USER_ID":            "auth.user_id",
	"CHATSYNC_KEEPALIVE_INTERVAL": "engine.keepalive_interval",
	"CHATSYNC_RECONNECT":          "engine.reconnect",
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for env, key := range envKeys {
		if v := getenv(env); v != "" {
			// Keys are known-valid; a bad boolean is ignored.
			_ = setConfigValue(cfg, key, v)
		}
	}
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

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "backend":
			if value != backendHTTP && value != backendPostgres {
				return fmt.Errorf("backend must be %q or %q", backendHTTP, backendPostgres)
			}
			cfg.Default.Backend = value
		case "database_url":
			cfg.Default.DatabaseURL = value
		case "redis_url":
			cfg.Default.RedisURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "engine":
		switch field {
		case "keepalive_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("keepalive_interval must be a duration (e.g. 30s): %w", err)
			}
			cfg.Engine.KeepAliveInterval = value
		case "reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("reconnect must be true or false")
			}
			cfg.Engine.Reconnect = b
		default:
			return fmt.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, engine)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var verbose bool

// newLogger writes human-readable logs to stderr so stdout stays clean for
// command output.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Two-party chat sync CLI",
	Long:  "Command-line client for chatsync.\nBrowse conversations, read history, send messages, and chat live.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
