package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration in use: the config file with .env and CHATSYNC_* overrides applied.\nSecrets are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("# %s\n", path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("# no config file; run 'chatsync init <token> <user-id>' to create one")
		}
		printConfig(os.Stdout, cfg, envOverrides(os.Getenv))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.backend postgres",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides must not leak into the saved file.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, displayValue(key, value))
		return nil
	},
}

// envOverrides reports which config keys are set from the environment.
func envOverrides(getenv func(string) string) map[string]bool {
	out := make(map[string]bool)
	for env, key := range envKeys {
		if getenv(env) != "" {
			out[key] = true
		}
	}
	return out
}

// printConfig writes cfg as TOML-like sections, with defaults filled in and
// overridden keys marked.
func printConfig(w io.Writer, cfg *Config, fromEnv map[string]bool) {
	keepAlive := cfg.Engine.KeepAliveInterval
	if keepAlive == "" {
		keepAlive = "30s (default)"
	}

	sections := []struct {
		name string
		keys [][2]string
	}{
		{"default", [][2]string{
			{"base_url", valueOrDefault(cfg.Default.BaseURL, "(not set)")},
			{"backend", cfg.backend()},
			{"database_url", displayValue("default.database_url", cfg.Default.DatabaseURL)},
			{"redis_url", displayValue("default.redis_url", cfg.Default.RedisURL)},
		}},
		{"auth", [][2]string{
			{"token", displayValue("auth.token", cfg.Auth.Token)},
			{"user_id", valueOrDefault(cfg.Auth.UserID, "(not set)")},
		}},
		{"engine", [][2]string{
			{"keepalive_interval", keepAlive},
			{"reconnect", fmt.Sprintf("%t", cfg.Engine.Reconnect)},
		}},
	}

	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", s.name)
		for _, kv := range s.keys {
			line := fmt.Sprintf("%-18s = %s", kv[0], kv[1])
			if fromEnv[s.name+"."+kv[0]] {
				line += "  # from environment"
			}
			fmt.Fprintln(w, line)
		}
	}
}

// displayValue masks secrets: the token, and passwords inside connection URLs.
func displayValue(key, value string) string {
	if value == "" {
		return "(not set)"
	}
	switch key {
	case "auth.token":
		return maskKey(value)
	case "default.database_url", "default.redis_url":
		u, err := url.Parse(value)
		if err != nil {
			return maskKey(value)
		}
		return u.Redacted()
	}
	return value
}
