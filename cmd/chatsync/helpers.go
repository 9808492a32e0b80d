package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/heartline-app/chatsync"
	"github.com/heartline-app/chatsync/pgstore"
	"github.com/heartline-app/chatsync/usercache"
)

// directory is the conversation lookup both backends provide.
type directory interface {
	ListConversations(ctx context.Context, address string) ([]chatsync.Conversation, error)
	FindConversation(ctx context.Context, userA, userB string) (*chatsync.Conversation, error)
}

// backend bundles the store, feed and directory of the configured backend.
type backend struct {
	store   chatsync.Store
	feed    chatsync.Feed
	dir     directory
	ping    func(ctx context.Context) error
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// loadUserConfig loads the config and checks the identity needed by every
// backend command.
func loadUserConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id configured; run 'chatsync init <token> <user-id>' first")
	}
	if cfg.backend() == backendHTTP && cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'chatsync init <token> <user-id>' first")
	}
	return cfg, nil
}

// openBackend connects the configured backend. When a Redis URL is set,
// profile lookups go through the user cache; an unreachable Redis only
// disables the cache.
func openBackend(ctx context.Context, cfg *Config, log zerolog.Logger) (*backend, error) {
	var b *backend

	switch cfg.backend() {
	case backendHTTP:
		baseURL := valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)
		client := chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(baseURL))
		b = &backend{
			store: client,
			dir:   client,
			feed:  chatsync.NewWSFeed(baseURL, &chatsync.FeedConfig{Token: cfg.Auth.Token}),
			ping: func(ctx context.Context) error {
				_, err := client.ListConversations(ctx, cfg.Auth.UserID)
				return err
			},
		}
	case backendPostgres:
		if cfg.Default.DatabaseURL == "" {
			return nil, fmt.Errorf("backend %q needs default.database_url", backendPostgres)
		}
		s, err := pgstore.Open(ctx, cfg.Default.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		b = &backend{
			store:   s,
			dir:     s,
			feed:    pgstore.NewFeed(s.Pool(), log),
			ping:    s.Ping,
			closers: []func(){s.Close},
		}
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: %s, %s)", cfg.Default.Backend, backendHTTP, backendPostgres)
	}

	if cfg.Default.RedisURL != "" {
		rc, err := usercache.NewRedis(cfg.Default.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("user cache disabled")
		} else {
			b.store = usercache.Wrap(b.store, rc, usercache.DefaultTTL, log)
			b.closers = append(b.closers, func() { _ = rc.Close() })
		}
	}
	return b, nil
}

// engineOptions translates the [engine] section into engine options.
func engineOptions(cfg *Config, log zerolog.Logger) ([]chatsync.EngineOption, error) {
	opts := []chatsync.EngineOption{chatsync.WithLogger(log)}
	d, err := cfg.keepAlive()
	if err != nil {
		return nil, err
	}
	if d > 0 {
		opts = append(opts, chatsync.WithKeepAliveInterval(d))
	}
	if cfg.Engine.Reconnect {
		opts = append(opts, chatsync.WithReconnect(chatsync.ReconnectPolicy{}))
	}
	return opts, nil
}

// counterpartName resolves a display name, falling back to the address.
func counterpartName(ctx context.Context, store chatsync.Store, address string) string {
	u, err := store.ResolveUser(ctx, address)
	if err != nil || u == nil || u.Name == "" {
		return address
	}
	return u.Name
}

// maskKey shows the first 6 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
