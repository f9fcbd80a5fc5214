// Package cache memoizes retrieval results in Redis with an in-process LRU
// in front of it. Keys include the index generation, so a rebuild makes every
// older entry unreachable without an explicit flush.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/gciqs/gciqs/internal/retrieval"
	"github.com/gciqs/gciqs/internal/retrieval/tokenizer"
	"github.com/gciqs/gciqs/pkg/metrics"
	pkgredis "github.com/gciqs/gciqs/pkg/redis"
)

const keyPrefix = "gciqs:search:"

const (
	LayerLocal  = "local"
	LayerRemote = "redis"
)

// Backend is the remote store. *pkgredis.Client implements it; a missing key
// must produce an error for which pkgredis.IsNilError is true.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Options configures a SearchCache.
type Options struct {
	TTL          time.Duration
	LocalEntries int
	Metrics      *metrics.Metrics
}

// Stats reports cache effectiveness since start.
type Stats struct {
	LocalHits     int64 `json:"local_hits"`
	RemoteHits    int64 `json:"remote_hits"`
	Misses        int64 `json:"misses"`
	RemoteErrors  int64 `json:"remote_errors"`
	LocalEntries  int   `json:"local_entries"`
	RemoteEnabled bool  `json:"remote_enabled"`
}

// SearchCache caches search hits per (tokens, topK, generation).
type SearchCache struct {
	remote  Backend
	local   *expirable.LRU[string, []retrieval.Hit]
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger

	localHits    atomic.Int64
	remoteHits   atomic.Int64
	misses       atomic.Int64
	remoteErrors atomic.Int64
}

// New creates a SearchCache. remote may be nil, in which case only the local
// LRU is used.
func New(remote Backend, opts Options) *SearchCache {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.LocalEntries <= 0 {
		opts.LocalEntries = 512
	}
	return &SearchCache{
		remote:  remote,
		local:   expirable.NewLRU[string, []retrieval.Hit](opts.LocalEntries, nil, opts.TTL),
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		logger:  slog.Default().With("component", "search-cache"),
	}
}

// Get looks key up locally, then remotely.
func (c *SearchCache) Get(ctx context.Context, query string, topK int, generation uint64) ([]retrieval.Hit, bool) {
	key := BuildKey(query, topK, generation)
	if hits, ok := c.local.Get(key); ok {
		c.recordHit(LayerLocal)
		return cloneHits(hits), true
	}
	if c.remote == nil {
		return nil, false
	}
	data, err := c.remote.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.remoteErrors.Add(1)
			c.logger.Warn("cache get failed, using local cache only", "key", key, "error", err)
		}
		return nil, false
	}
	var hits []retrieval.Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	c.local.Add(key, hits)
	c.recordHit(LayerRemote)
	return cloneHits(hits), true
}

// Set stores hits in both layers. Remote failures are logged, not returned.
func (c *SearchCache) Set(ctx context.Context, query string, topK int, generation uint64, hits []retrieval.Hit) {
	key := BuildKey(query, topK, generation)
	c.local.Add(key, cloneHits(hits))
	if c.remote == nil {
		return
	}
	data, err := json.Marshal(hits)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.remote.Set(ctx, key, data, c.ttl); err != nil {
		c.remoteErrors.Add(1)
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns cached hits or runs compute once for all concurrent
// callers asking for the same key. The bool reports a cache hit.
func (c *SearchCache) GetOrCompute(
	ctx context.Context,
	query string,
	topK int,
	generation uint64,
	compute func() ([]retrieval.Hit, error),
) ([]retrieval.Hit, bool, error) {
	if hits, ok := c.Get(ctx, query, topK, generation); ok {
		return hits, true, nil
	}
	key := BuildKey(query, topK, generation)
	val, err, _ := c.group.Do(key, func() (any, error) {
		if hits, ok := c.local.Get(key); ok {
			return hits, nil
		}
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		hits, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, query, topK, generation, hits)
		return hits, nil
	})
	if err != nil {
		return nil, false, err
	}
	return cloneHits(val.([]retrieval.Hit)), false, nil
}

// Invalidate drops every entry in both layers and returns how many remote
// keys were deleted.
func (c *SearchCache) Invalidate(ctx context.Context) (int64, error) {
	c.local.Purge()
	if c.remote == nil {
		return 0, nil
	}
	deleted, err := c.remote.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

// Stats returns hit and miss counters.
func (c *SearchCache) Stats() Stats {
	return Stats{
		LocalHits:     c.localHits.Load(),
		RemoteHits:    c.remoteHits.Load(),
		Misses:        c.misses.Load(),
		RemoteErrors:  c.remoteErrors.Load(),
		LocalEntries:  c.local.Len(),
		RemoteEnabled: c.remote != nil,
	}
}

func (c *SearchCache) recordHit(layer string) {
	if layer == LayerLocal {
		c.localHits.Add(1)
	} else {
		c.remoteHits.Add(1)
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(layer).Inc()
	}
}

// BuildKey hashes the query's token sequence with topK and the index
// generation. Queries that tokenize identically share a key, since both
// scorers see only the tokens.
func BuildKey(query string, topK int, generation uint64) string {
	normalized := strings.Join(tokenizer.Tokenize(query), " ")
	raw := fmt.Sprintf("%s|k=%d|gen=%d", normalized, topK, generation)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

func cloneHits(hits []retrieval.Hit) []retrieval.Hit {
	out := make([]retrieval.Hit, len(hits))
	for i, h := range hits {
		out[i] = retrieval.Hit{Document: h.Document.Clone(), Score: h.Score}
	}
	return out
}
