// Copyright 2018 The go-klaytn Authors
// This file is part of the go-klaytn library.
//
// The go-klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package lru wraps hashicorp/golang-lru behind the small Cache interface
// the teacher's common/cache.go exposes, specialised to the block/chaintip
// hot-path lookups the reconciler performs within a tick (ancestor walks
// re-read the same handful of recent blocks over and over).
package lru

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/forkscanner/forkscanner/log"
)

var logger = log.NewModuleLogger(log.ModuleCommon)

// Cache is a fixed-capacity, key-evicting cache. Keys are plain strings
// here (block hashes, "node:height" composites) rather than the teacher's
// CacheKey/shard-index interface, since the reconciler has no use for
// sharded caches.
type Cache interface {
	Add(key string, value interface{}) (evicted bool)
	Get(key string) (value interface{}, ok bool)
	Contains(key string) bool
	Remove(key string)
	Purge()
	Len() int
}

type lruCache struct {
	inner *lru.Cache
}

// New creates an LRU-evicting cache holding at most size entries.
func New(size int) Cache {
	c, err := lru.New(size)
	if err != nil {
		// Only returns an error for size <= 0; a programmer error.
		logger.Crit("failed to construct LRU cache", "size", size, "err", err)
	}
	return &lruCache{inner: c}
}

func (c *lruCache) Add(key string, value interface{}) (evicted bool) {
	return c.inner.Add(key, value)
}

func (c *lruCache) Get(key string) (interface{}, bool) {
	return c.inner.Get(key)
}

func (c *lruCache) Contains(key string) bool {
	return c.inner.Contains(key)
}

func (c *lruCache) Remove(key string) {
	c.inner.Remove(key)
}

func (c *lruCache) Purge() {
	c.inner.Purge()
}

func (c *lruCache) Len() int {
	return c.inner.Len()
}
