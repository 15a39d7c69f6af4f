package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "signout"

// RedisStore shares sign-outs between gateway replicas through Redis.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every key the store writes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       ttl,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisStoreFromURL(url string, ttl time.Duration, opts ...RedisOption) (*RedisStore, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	return NewRedisStore(client, ttl, opts...), client, nil
}

func (s *RedisStore) key(username string) string {
	if s.keyPrefix == "" {
		return username
	}
	return s.keyPrefix + ":" + username
}

// Revoke implements Store.
func (s *RedisStore) Revoke(ctx context.Context, username string, at time.Time) error {
	value := strconv.FormatInt(at.UnixNano(), 10)
	if err := s.client.Set(ctx, s.key(username), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record sign-out: %w", err)
	}
	return nil
}

// RevokedAt implements Store.
func (s *RedisStore) RevokedAt(ctx context.Context, username string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.key(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read sign-out: %w", err)
	}

	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt sign-out record for %s: %w", username, err)
	}
	return time.Unix(0, nanos), true, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
