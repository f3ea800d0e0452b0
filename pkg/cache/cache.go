// Package cache implements the indexer's two-tier cache: a
// process-local map with no expiry, backed by a Redis-resident remote
// tier carrying a TTL. Reads check local first, then remote,
// populating both on a remote hit; writes populate both tiers.
// Cache failures are always best-effort: a miss never blocks
// correctness, only performance.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key namespaces.
const (
	KeyDeployPrefix      = "deploy:"
	KeyMintCountPrefix   = "mintCount:"
	KeyMintAddressPrefix = "mintAddress:"
	KeyMimeTypePrefix    = "mimeType:"
)

// DefaultRemoteTTL is the default TTL for the remote tier.
const DefaultRemoteTTL = 3600 * time.Second

// Cache is the contract the rest of the indexer depends on.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)

	// MarkMaxedOut records a deploy id as having reached its supply
	// cap and evicts its deploy:<id> entry from the local tier.
	MarkMaxedOut(ctx context.Context, deployID string)
	// IsMaxedOut reports whether deployID is a known maxed-out deploy.
	IsMaxedOut(deployID string) bool
}

type localCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func newLocalCache() *localCache {
	return &localCache{values: make(map[string]string)}
}

func (l *localCache) get(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[key]
	return v, ok
}

func (l *localCache) set(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
}

func (l *localCache) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.values, key)
}

// remoteCache is a thin wrapper over *redis.Client carrying the
// TTL-governed tier.
type remoteCache struct {
	client *redis.Client
	logger zerolog.Logger
}

func (r *remoteCache) get(ctx context.Context, key string) (string, bool) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn().Str("key", key).Err(err).Msg("remote cache read failed")
		}
		return "", false
	}
	return v, true
}

func (r *remoteCache) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn().Str("key", key).Err(err).Msg("remote cache write failed")
	}
}

func (r *remoteCache) delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Warn().Str("key", key).Err(err).Msg("remote cache delete failed")
	}
}

// TieredCache composes a localCache and a remoteCache into the Cache
// contract: local wins on read; both tiers are populated on write or
// on a remote-hit/local-miss.
type TieredCache struct {
	local  *localCache
	remote *remoteCache
	ttl    time.Duration

	maxedOutMu sync.RWMutex
	maxedOut   map[string]struct{}

	logger zerolog.Logger
}

// New builds a TieredCache talking to the Redis instance at redisURL.
func New(redisURL string, ttl time.Duration) (*TieredCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultRemoteTTL
	}
	return &TieredCache{
		local:    newLocalCache(),
		remote:   &remoteCache{client: redis.NewClient(opts), logger: log.WithComponent("cache")},
		ttl:      ttl,
		maxedOut: make(map[string]struct{}),
		logger:   log.WithComponent("cache"),
	}, nil
}

// Get reads local → remote → miss, populating local on a remote hit.
func (c *TieredCache) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := c.local.get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("local").Inc()
		return v, true
	}
	if v, ok := c.remote.get(ctx, key); ok {
		metrics.CacheHitsTotal.WithLabelValues("remote").Inc()
		c.local.set(key, v)
		return v, true
	}
	metrics.CacheMissesTotal.Inc()
	return "", false
}

// Set populates both tiers; ttl governs only the remote tier.
func (c *TieredCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.local.set(key, value)
	c.remote.set(ctx, key, value, ttl)
}

// Delete evicts key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) {
	c.local.delete(key)
	c.remote.delete(ctx, key)
}

// MarkMaxedOut records deployID as maxed out and evicts its
// deploy:<id> local entry.
func (c *TieredCache) MarkMaxedOut(ctx context.Context, deployID string) {
	c.maxedOutMu.Lock()
	c.maxedOut[deployID] = struct{}{}
	c.maxedOutMu.Unlock()

	c.local.delete(KeyDeployPrefix + deployID)
	metrics.MaxedOutDeploysTotal.Inc()
}

// IsMaxedOut reports whether deployID is known to be maxed out.
func (c *TieredCache) IsMaxedOut(deployID string) bool {
	c.maxedOutMu.RLock()
	defer c.maxedOutMu.RUnlock()
	_, ok := c.maxedOut[deployID]
	return ok
}

var _ Cache = (*TieredCache)(nil)
