package cognito

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upb/sensor-gateway/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const refreshKey = "jwks"

// KeyCacheConfig holds configuration for KeyCache
type KeyCacheConfig struct {
	// TTL is how long a fetched key set is considered fresh.
	TTL time.Duration
	// GracePeriod extends a stale key set's life when a TTL refresh fails.
	GracePeriod time.Duration
	// FetchTimeout bounds a single JWKS fetch.
	FetchTimeout time.Duration
	// MissRefreshInterval is the minimum spacing of refreshes triggered by
	// an unknown kid. Zero disables the limit.
	MissRefreshInterval time.Duration
}

// KeyCache caches the user pool's signing keys. Readers see an immutable
// snapshot swapped atomically on refresh; concurrent refreshes are coalesced
// into a single fetch.
type KeyCache struct {
	fetcher KeyFetcher
	cfg     KeyCacheConfig
	current atomic.Pointer[KeySet]
	group   singleflight.Group
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

// KeyCacheOption customizes a KeyCache.
type KeyCacheOption func(*KeyCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		c.now = now
	}
}

// WithKeyCacheMetrics records cache and refresh metrics.
func WithKeyCacheMetrics(m *observability.Metrics) KeyCacheOption {
	return func(c *KeyCache) {
		c.metrics = m
	}
}

// NewKeyCache creates an empty cache backed by fetcher.
func NewKeyCache(fetcher KeyFetcher, cfg KeyCacheConfig, logger *zap.Logger, opts ...KeyCacheOption) *KeyCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &KeyCache{
		fetcher: fetcher,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
	if cfg.MissRefreshInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MissRefreshInterval), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the signing key for kid. A stale or missing key set is
// refreshed first; an unknown kid in a fresh set triggers one refresh before
// the lookup fails with ErrUnknownSigningKey.
func (c *KeyCache) GetKey(ctx context.Context, kid string) (*SigningKey, error) {
	set := c.current.Load()
	now := c.now()

	if set == nil || now.Sub(set.FetchedAt) >= c.cfg.TTL {
		fresh, err := c.Refresh(ctx)
		switch {
		case err == nil:
			set = fresh
		case c.withinGrace(set, now):
			c.metrics.RecordKeyLookup("stale")
			c.logger.Warn("JWKS refresh failed, using stale key set",
				zap.Error(err),
				zap.Time("fetched_at", set.FetchedAt))
		default:
			return nil, err
		}

		if key, ok := set.Lookup(kid); ok {
			c.metrics.RecordKeyLookup("hit")
			return key, nil
		}
		c.metrics.RecordKeyLookup("miss")
		return nil, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, kid)
	}

	if key, ok := set.Lookup(kid); ok {
		c.metrics.RecordKeyLookup("hit")
		return key, nil
	}
	c.metrics.RecordKeyLookup("miss")

	fresh, err := c.refreshForMiss(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q: %w", ErrUnknownSigningKey, kid, err)
	}
	if key, ok := fresh.Lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownSigningKey, kid)
}

// Refresh fetches the key set and swaps it in. Concurrent callers share one
// fetch. The fetch is not cancelled when the caller's context is; it is
// bounded by FetchTimeout and either commits a complete set or nothing.
func (c *KeyCache) Refresh(ctx context.Context) (*KeySet, error) {
	return c.await(ctx, c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.fetch(ctx)
	}))
}

// refreshForMiss shares the refresh slot with Refresh, so a caller with an
// unknown kid joins any fetch already in flight. A new fetch is started only
// when the miss limiter allows it; otherwise the latest snapshot is returned.
func (c *KeyCache) refreshForMiss(ctx context.Context, kid string) (*KeySet, error) {
	return c.await(ctx, c.group.DoChan(refreshKey, func() (interface{}, error) {
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Debug("skipping JWKS refresh for unknown kid, rate limited", zap.String("kid", kid))
			return c.current.Load(), nil
		}
		return c.fetch(ctx)
	}))
}

func (c *KeyCache) fetch(ctx context.Context) (*KeySet, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	set, err := c.fetcher.FetchKeys(fetchCtx)
	if err == nil && set.Len() == 0 {
		err = errors.New("empty key set")
	}
	if err != nil {
		c.metrics.RecordJWKSRefresh("error", time.Since(start))
		c.logger.Error("JWKS refresh failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}

	snapshot := &KeySet{
		Keys:      make(map[string]*SigningKey, len(set.Keys)),
		FetchedAt: c.now(),
	}
	for kid, key := range set.Keys {
		snapshot.Keys[kid] = key
	}
	c.current.Store(snapshot)

	c.metrics.RecordJWKSRefresh("success", time.Since(start))
	c.logger.Info("JWKS refreshed", zap.Int("key_count", snapshot.Len()))
	return snapshot, nil
}

func (c *KeyCache) await(ctx context.Context, ch <-chan singleflight.Result) (*KeySet, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

// Snapshot returns the current key set, or nil before the first refresh.
func (c *KeyCache) Snapshot() *KeySet {
	return c.current.Load()
}

func (c *KeyCache) withinGrace(set *KeySet, now time.Time) bool {
	if set.Len() == 0 {
		return false
	}
	return now.Sub(set.FetchedAt) < c.cfg.TTL+c.cfg.GracePeriod
}
