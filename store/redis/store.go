// Package redis implements store.Store using Redis. Instances and tasks are
// stored as Hashes holding a codec-encoded blob plus the fields the queries
// filter on; per-instance event logs are Sorted Sets scored by offset with
// an INCR counter assigning offsets atomically; pending tasks queue in a
// Sorted Set scored by RunAt; signal dedup uses plain Sets.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vigilhq/vigil/codec"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/task"
)

// Compile-time interface checks.
var (
	_ instance.Store    = (*Store)(nil)
	_ event.Log         = (*Store)(nil)
	_ task.Store        = (*Store)(nil)
	_ signal.DedupStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCodec sets the codec used to encode entities. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	codec  codec.Codec
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, codec: codec.Default(), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
