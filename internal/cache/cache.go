package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"perpspot/internal/metrics"
)

const (
	DefaultTTL       = 7 * time.Second
	DefaultLocalSize = 1000

	remoteTimeout = 500 * time.Millisecond
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Options configures a Cache. Zero values fall back to the package defaults.
type Options struct {
	DefaultTTL        time.Duration
	LocalSize         int
	ReconnectInterval time.Duration
	Metrics           *metrics.Metrics
}

// Stats reports hit/miss counters and remote tier connectivity.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	LocalHits  int64   `json:"local_hits"`
	RemoteHits int64   `json:"remote_hits"`
	HitRate    float64 `json:"hit_rate"`
	LocalSize  int     `json:"local_size"`
	Remote     bool    `json:"remote_configured"`
	Connected  bool    `json:"connected"`
}

// Cache is a two-tier key/value store: a bounded in-process LRU with per-entry
// expiry in front of an optional shared remote tier. It never fetches
// upstream data itself.
type Cache struct {
	logger  *slog.Logger
	local   *lru.Cache[string, entry]
	remote  Remote
	metrics *metrics.Metrics

	defaultTTL        time.Duration
	reconnectInterval time.Duration
	now               func() time.Time

	connected atomic.Bool
	lastPing  atomic.Int64

	hits       atomic.Int64
	misses     atomic.Int64
	localHits  atomic.Int64
	remoteHits atomic.Int64
}

// New creates a Cache. remote may be nil for a local-only cache.
func New(logger *slog.Logger, remote Remote, opts Options) (*Cache, error) {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = DefaultLocalSize
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 30 * time.Second
	}

	local, err := lru.New[string, entry](opts.LocalSize)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		logger:            logger,
		local:             local,
		remote:            remote,
		metrics:           opts.Metrics,
		defaultTTL:        opts.DefaultTTL,
		reconnectInterval: opts.ReconnectInterval,
		now:               time.Now,
	}

	if remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := remote.Ping(ctx); err != nil {
			logger.Warn("Cache: remote tier unavailable, running local-only", "error", err)
		} else {
			c.connected.Store(true)
			logger.Info("Cache: remote tier connected")
		}
		c.lastPing.Store(c.now().UnixNano())
	}
	return c, nil
}

// Get returns the value stored under key. The local tier is consulted first;
// a remote hit is promoted into the local tier for the entry's remaining
// remote lifetime, never longer than the default TTL.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if e, ok := c.local.Get(key); ok {
		if c.now().Before(e.expiresAt) {
			c.hits.Add(1)
			c.localHits.Add(1)
			c.metrics.CacheLookup("local", true)
			return e.value, true
		}
		c.local.Remove(key)
	}
	c.metrics.CacheLookup("local", false)

	if !c.remoteAvailable(ctx) {
		c.misses.Add(1)
		return nil, false
	}

	rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	value, remaining, err := c.remote.Get(rctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.markDisconnected(err)
		}
		c.misses.Add(1)
		c.metrics.CacheLookup("remote", false)
		return nil, false
	}

	ttl := c.defaultTTL
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.local.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
	c.hits.Add(1)
	c.remoteHits.Add(1)
	c.metrics.CacheLookup("remote", true)
	return value, true
}

// Set writes value to both tiers. A ttl of zero or less uses the default.
// Remote failures degrade silently to local-only mode.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.local.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})

	if c.remoteAvailable(ctx) {
		rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		if err := c.remote.Set(rctx, key, value, ttl); err != nil {
			c.markDisconnected(err)
		}
	}
	return true
}

// GetJSON decodes the value stored under key into dst.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("Cache: dropping undecodable entry", "key", key, "error", err)
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Cache: failed to encode value", "key", key, "error", err)
		return false
	}
	return c.Set(ctx, key, raw, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) bool {
	c.local.Remove(key)
	if c.remoteAvailable(ctx) {
		rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		if err := c.remote.Del(rctx, key); err != nil {
			c.markDisconnected(err)
		}
	}
	return true
}

// FlushAll clears both tiers. It reports false only when a connected remote
// tier refused the flush.
func (c *Cache) FlushAll(ctx context.Context) bool {
	c.local.Purge()
	if !c.remoteAvailable(ctx) {
		return true
	}
	rctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	if err := c.remote.Flush(rctx); err != nil {
		c.markDisconnected(err)
		return false
	}
	return true
}

func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:       hits,
		Misses:     misses,
		LocalHits:  c.localHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		HitRate:    rate,
		LocalSize:  c.local.Len(),
		Remote:     c.remote != nil,
		Connected:  c.connected.Load(),
	}
}

// remoteAvailable reports whether the remote tier should be used. While
// disconnected it re-pings at most once per reconnect interval.
func (c *Cache) remoteAvailable(ctx context.Context) bool {
	if c.remote == nil {
		return false
	}
	if c.connected.Load() {
		return true
	}

	now := c.now()
	last := c.lastPing.Load()
	if now.Sub(time.Unix(0, last)) < c.reconnectInterval {
		return false
	}
	if !c.lastPing.CompareAndSwap(last, now.UnixNano()) {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	if err := c.remote.Ping(pctx); err != nil {
		return false
	}
	c.connected.Store(true)
	c.logger.Info("Cache: remote tier reconnected")
	return true
}

func (c *Cache) markDisconnected(err error) {
	if c.connected.CompareAndSwap(true, false) {
		c.lastPing.Store(c.now().UnixNano())
		c.logger.Warn("Cache: remote tier error, degrading to local-only", "error", err)
	}
}
