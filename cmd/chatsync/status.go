package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the effective configuration and check that the configured backend is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", cfg.backend())
		switch cfg.backend() {
		case backendPostgres:
			if cfg.Default.DatabaseURL != "" {
				fmt.Println("  Database:    (set)")
			} else {
				fmt.Println("  Database:    (not set)")
			}
		default:
			fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		}
		if cfg.Default.RedisURL != "" {
			fmt.Println("  User cache:  redis")
		} else {
			fmt.Println("  User cache:  off")
		}
		fmt.Printf("  Keep-alive:  %s\n", valueOrDefault(cfg.Engine.KeepAliveInterval, "(default)"))
		fmt.Printf("  Reconnect:   %t\n", cfg.Engine.Reconnect)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		b, err := openBackend(ctx, cfg, newLogger())
		if err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		defer b.Close()

		if err := b.ping(ctx); err != nil {
			fmt.Printf("  Backend:       UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend:       OK")

		convs, err := b.dir.ListConversations(ctx, cfg.Auth.UserID)
		if err != nil {
			fmt.Printf("  Error listing conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		return nil
	},
}
