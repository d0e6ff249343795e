// Package cache memoises the reconciler's ancestor-walk lookups against
// go-redis/redis/v7, the same client the teacher's go.mod already carries
// for its own session/queue caching. Every key carries cfg.PollInterval
// as its TTL, so an entry lives at most one poll interval and can still be
// read by the tick after the one that wrote it (spec.md §4.2's surgery
// passes re-derive everything from store state each tick anyway; the cache
// only saves repeated round trips within one).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/forkscanner/forkscanner/log"
)

var logger = log.NewModuleLogger(log.ModuleStore)

// AncestorCache wraps a redis client with the two lookup shapes the
// surgery passes repeat most: a block's parent hash, and whether one block
// is an ancestor of another at-or-above a floor height.
type AncestorCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New dials addr (host:port) with the given per-tick TTL.
func New(addr string, ttl time.Duration) *AncestorCache {
	return &AncestorCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

// NewFromClient wraps an already-constructed client, for tests that want to
// point at a miniredis instance or share a connection pool.
func NewFromClient(rdb *redis.Client, ttl time.Duration) *AncestorCache {
	return &AncestorCache{rdb: rdb, ttl: ttl}
}

// Close releases the connection pool.
func (c *AncestorCache) Close() error { return c.rdb.Close() }

func parentKey(hash string) string { return "fs:parent:" + hash }

// GetParentHash returns a cached parent hash for hash, if present.
func (c *AncestorCache) GetParentHash(ctx context.Context, hash string) (string, bool) {
	v, err := c.rdb.WithContext(ctx).Get(parentKey(hash)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logger.Debug("ancestor cache get failed", "err", err)
		return "", false
	}
	return v, true
}

// SetParentHash caches hash's parent, expiring after the configured TTL.
func (c *AncestorCache) SetParentHash(ctx context.Context, hash, parentHash string) {
	if err := c.rdb.WithContext(ctx).Set(parentKey(hash), parentHash, c.ttl).Err(); err != nil {
		logger.Debug("ancestor cache set failed", "err", err)
	}
}

func ancestryKey(from, target string, stopHeight int64) string {
	return fmt.Sprintf("fs:ancestor:%s:%s:%d", from, target, stopHeight)
}

// ancestryResult is cached so repeated is-ancestor checks at the same
// (from, target, stopHeight) triple within a tick skip the store walk
// entirely; it's small enough to store as plain JSON rather than a redis
// hash.
type ancestryResult struct {
	IsAncestor bool `json:"is_ancestor"`
}

// GetIsAncestor returns a cached verdict for isAncestor(from, target,
// stopHeight), if present.
func (c *AncestorCache) GetIsAncestor(ctx context.Context, from, target string, stopHeight int64) (bool, bool) {
	v, err := c.rdb.WithContext(ctx).Get(ancestryKey(from, target, stopHeight)).Bytes()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		logger.Debug("ancestry cache get failed", "err", err)
		return false, false
	}
	var r ancestryResult
	if err := json.Unmarshal(v, &r); err != nil {
		return false, false
	}
	return r.IsAncestor, true
}

// SetIsAncestor caches the verdict for isAncestor(from, target, stopHeight).
func (c *AncestorCache) SetIsAncestor(ctx context.Context, from, target string, stopHeight int64, result bool) {
	b, err := json.Marshal(ancestryResult{IsAncestor: result})
	if err != nil {
		return
	}
	if err := c.rdb.WithContext(ctx).Set(ancestryKey(from, target, stopHeight), b, c.ttl).Err(); err != nil {
		logger.Debug("ancestry cache set failed", "err", err)
	}
}
