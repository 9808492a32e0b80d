// Package usercache caches counterpart profile lookups in front of a
// chatsync.Store. Profiles change rarely and are resolved on every
// conversation switch.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/heartline-app/chatsync"
)

// Cache is the key-value contract the wrapper needs. Implementations must be
// safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when key is absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with ttl. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss, distinct from transport errors.
var ErrMiss = errors.New("cache: miss")

const (
	DefaultTTL = 10 * time.Minute
	keyPrefix  = "chatsync:user:"
)

// Store wraps a chatsync.Store and serves ResolveUser from the cache. All
// other calls pass through.
type Store struct {
	chatsync.Store
	cache Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// Wrap returns store with a cached ResolveUser. ttl <= 0 uses DefaultTTL.
func Wrap(store chatsync.Store, cache Cache, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		Store: store,
		cache: cache,
		ttl:   ttl,
		log:   log.With().Str("component", "usercache").Logger(),
	}
}

// ResolveUser reads through the cache. Cache failures degrade to a direct
// store lookup; only store errors are returned.
func (s *Store) ResolveUser(ctx context.Context, id string) (*chatsync.User, error) {
	key := keyPrefix + id

	raw, err := s.cache.Get(ctx, key)
	switch {
	case err == nil:
		var u chatsync.User
		if jerr := json.Unmarshal([]byte(raw), &u); jerr == nil {
			return &u, nil
		}
		s.log.Warn().Str("key", key).Msg("discarding malformed cache entry")
	case errors.Is(err, ErrMiss):
	default:
		s.log.Warn().Err(err).Str("key", key).Msg("cache get")
	}

	u, err := s.Store.ResolveUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		if err := s.cache.Set(ctx, key, string(data), s.ttl); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("cache set")
		}
	}
	return u, nil
}

// Forget drops the cached profile of id, e.g. after a rename.
func (s *Store) Forget(ctx context.Context, id string) error {
	_, err := s.cache.Del(ctx, keyPrefix+id)
	return err
}
