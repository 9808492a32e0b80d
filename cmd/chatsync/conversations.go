package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline-app/chatsync"
)

var (
	conversationsWith string
	conversationsJSON bool
)

func init() {
	conversationsCmd.Flags().StringVar(&conversationsWith, "with", "", "Only the conversation with this address")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadUserConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		b, err := openBackend(ctx, cfg, newLogger())
		if err != nil {
			return err
		}
		defer b.Close()

		var convs []chatsync.Conversation
		if conversationsWith != "" {
			conv, err := b.dir.FindConversation(ctx, cfg.Auth.UserID, conversationsWith)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			convs = []chatsync.Conversation{*conv}
		} else {
			convs, err = b.dir.ListConversations(ctx, cfg.Auth.UserID)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			other := c.Counterpart(cfg.Auth.UserID)
			name := counterpartName(ctx, b.store, other)
			if name != other {
				fmt.Printf("  %s: %s (%s)\n", c.ID, name, other)
			} else {
				fmt.Printf("  %s: %s\n", c.ID, other)
			}
		}
		return nil
	},
}
