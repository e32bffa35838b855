// Package redislockout provides a Redis-backed lockout.Store so that
// failure counts survive reconnects against any node of a horizontally
// scaled deployment.
package redislockout

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/socketauth/socket-auth-go/lockout"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LOCKOUT_KEY_PREFIX
	KeyPrefix string `env:"LOCKOUT_KEY_PREFIX,default=socketauth:lockout:"`
	// MaxFailures before a key locks. ENV: LOCKOUT_MAX_FAILURES
	MaxFailures int `env:"LOCKOUT_MAX_FAILURES,default=5"`
	// Window during which failures count. ENV: LOCKOUT_WINDOW
	Window time.Duration `env:"LOCKOUT_WINDOW,default=15m"`
}

// Store implements lockout.Store over Redis. Each key holds an INCR counter
// whose TTL is the failure window.
type Store struct {
	client      *redis.Client
	keyPrefix   string
	maxFailures int
	window      time.Duration
}

// New creates a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing Redis client. The client is not closed by
// Store.Close.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "socketauth:lockout:"
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Store{client: cl, keyPrefix: prefix, maxFailures: maxFailures, window: window}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("redislockout: decode env: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(k string) string { return s.keyPrefix + k }

// RecordFailure implements lockout.Store.RecordFailure.
func (s *Store) RecordFailure(ctx context.Context, key string) (int, error) {
	k := s.key(key)
	n, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// First failure in this window sets the expiry.
		if err := s.client.Expire(ctx, k, s.window).Err(); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// IsLocked implements lockout.Store.IsLocked.
func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Get(ctx, s.key(key)).Int()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	return n >= s.maxFailures, nil
}

// Reset implements lockout.Store.Reset.
func (s *Store) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

var _ lockout.Store = (*Store)(nil)
