package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/heartline-app/chatsync"
	"github.com/heartline-app/chatsync/pgstore"
)

var (
	historyLimit int
	historyJSON  bool

	sendRequest   bool
	sendRequestID string
	sendJSON      bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last N messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)

	sendCmd.Flags().BoolVar(&sendRequest, "request", false, "Send as a request message")
	sendCmd.Flags().StringVar(&sendRequestID, "request-id", "", "Correlation ID of a request message (generated if empty)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)

	rootCmd.AddCommand(migrateCmd)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
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

		msgs, err := b.store.FetchMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(os.Stdout, cfg.Auth.UserID, chatsync.Entry{Message: m})
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message without opening a live session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, body := args[0], strings.TrimSpace(args[1])
		if body == "" {
			fmt.Println("Nothing to send.")
			return nil
		}

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

		msg := &chatsync.Message{
			ConversationID: conversationID,
			SenderID:       cfg.Auth.UserID,
			Body:           body,
			Kind:           chatsync.KindText,
		}
		if sendRequest || sendRequestID != "" {
			msg.Kind = chatsync.KindRequest
			msg.RequestID = valueOrDefault(sendRequestID, uuid.NewString())
		}

		created, err := b.store.CreateMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			data, err := json.MarshalIndent(created, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", created.ConversationID)
		fmt.Printf("  Message ID: %s\n", created.ID)
		if created.RequestID != "" {
			fmt.Printf("  Request ID: %s\n", created.RequestID)
		}
		return nil
	},
}

// ============================================================================
// migrate
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema (postgres backend only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.backend() != backendPostgres || cfg.Default.DatabaseURL == "" {
			return fmt.Errorf("migrate needs default.backend = %q and default.database_url", backendPostgres)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := pgstore.Open(ctx, cfg.Default.DatabaseURL, newLogger())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}

// ============================================================================
// Output
// ============================================================================

// printMessage writes one log line. Provisional entries are marked pending.
func printMessage(w io.Writer, self string, e chatsync.Entry) {
	who := e.SenderID
	if e.SenderID == self {
		who = "you"
	}
	mark := " "
	if e.State == chatsync.StateProvisional {
		mark = "…"
	}
	stamp := e.CreatedAt.Local().Format("15:04")
	body := e.Body
	if e.Kind == chatsync.KindRequest {
		body = "[request] " + body
	}
	fmt.Fprintf(w, "%s %s %s: %s\n", mark, stamp, who, body)
}
