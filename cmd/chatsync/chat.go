package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/heartline-app/chatsync"
)

var chatMetricsAddr string

func init() {
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  /switch <id>      switch to another conversation
  /request <text>   send a request message
  /status           show loading and subscription state
  /quit             leave`

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a live chat session",
	Long:  "Open a conversation, print its history and live messages, and send every line you type.\n\n" + chatHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadUserConfig()
		if err != nil {
			return err
		}
		log := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		if chatMetricsAddr != "" {
			srv := serveMetrics(chatMetricsAddr, log)
			defer srv.Close()
		}

		opts, err := engineOptions(cfg, log)
		if err != nil {
			return err
		}
		engine := chatsync.NewEngine(b.store, b.feed, cfg.Auth.UserID, opts...)
		defer engine.Close()

		view := newChatView(os.Stdout, cfg.Auth.UserID)
		engine.OnChange(view.render)

		s := &chatSession{engine: engine, view: view, out: os.Stdout}
		s.open(ctx, args[0])
		fmt.Fprintln(os.Stdout, "Type a message and press enter. /help for commands.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if s.handle(ctx, line) {
					return nil
				}
			}
		}
	},
}

// ============================================================================
// Session
// ============================================================================

type chatSession struct {
	engine *chatsync.Engine
	view   *chatView
	out    io.Writer
}

func (s *chatSession) open(ctx context.Context, conversationID string) {
	s.view.reset(conversationID)
	if err := s.engine.Activate(ctx, conversationID); err != nil {
		fmt.Fprintf(s.out, "! live updates unavailable: %v\n", err)
	}
	st := s.engine.Status()
	switch {
	case st.ConversationErr != nil:
		fmt.Fprintf(s.out, "! conversation %s: %v\n", conversationID, st.ConversationErr)
	case st.Counterpart != nil:
		fmt.Fprintf(s.out, "--- chatting with %s in %s ---\n", st.Counterpart.Name, conversationID)
	}
	if st.HistoryErr != nil {
		fmt.Fprintf(s.out, "! history unavailable: %v\n", st.HistoryErr)
	}
}

// handle processes one input line and reports whether the session should end.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return false
	case text == "/quit" || text == "/exit":
		return true
	case text == "/help":
		fmt.Fprintln(s.out, chatHelp)
	case text == "/status":
		printStatus(s.out, s.engine.Status())
	case strings.HasPrefix(text, "/switch"):
		id := strings.TrimSpace(strings.TrimPrefix(text, "/switch"))
		if id == "" {
			fmt.Fprintln(s.out, "usage: /switch <conversation-id>")
			return false
		}
		s.open(ctx, id)
	case strings.HasPrefix(text, "/request "):
		s.send(ctx, strings.TrimPrefix(text, "/request "), &chatsync.SendOptions{Kind: chatsync.KindRequest})
	default:
		s.send(ctx, text, nil)
	}
	return false
}

func (s *chatSession) send(ctx context.Context, body string, opts *chatsync.SendOptions) {
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := s.engine.Send(sendCtx, body, opts); err != nil {
		fmt.Fprintf(s.out, "! not sent: %v\n", err)
	}
}

func printStatus(w io.Writer, st chatsync.Status) {
	fmt.Fprintf(w, "conversation: %s\n", st.ConversationID)
	if st.Counterpart != nil {
		fmt.Fprintf(w, "counterpart:  %s (%s)\n", st.Counterpart.Name, st.Counterpart.Address)
	}
	fmt.Fprintf(w, "loading:      conversation=%t history=%t\n", st.LoadingConversation, st.LoadingHistory)
	fmt.Fprintf(w, "live:         %s\n", st.Subscription)
	for _, e := range []struct {
		what string
		err  error
	}{
		{"conversation", st.ConversationErr},
		{"history", st.HistoryErr},
		{"live", st.SubscriptionErr},
	} {
		if e.err != nil {
			fmt.Fprintf(w, "error:        %s: %v\n", e.what, e.err)
		}
	}
}

// ============================================================================
// View
// ============================================================================

// chatView prints log entries incrementally, once per ID. Own sends print
// when confirmed.
type chatView struct {
	mu             sync.Mutex
	out            io.Writer
	self           string
	conversationID string
	printed        map[string]bool
}

func newChatView(out io.Writer, self string) *chatView {
	return &chatView{out: out, self: self, printed: make(map[string]bool)}
}

func (v *chatView) reset(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conversationID = conversationID
	v.printed = make(map[string]bool)
}

func (v *chatView) render(entries []chatsync.Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range entries {
		if e.ConversationID != v.conversationID || e.State == chatsync.StateProvisional || v.printed[e.ID] {
			continue
		}
		v.printed[e.ID] = true
		printMessage(v.out, v.self, e)
	}
}

// ============================================================================
// Metrics
// ============================================================================

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
