// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package weightedcache provides an in-memory cache of transformed images
// bounded by the total size of the cached bytes rather than by entry count.
//
// Writes are buffered and applied asynchronously, so a value is not visible
// to Get immediately after Insert, and the cache may briefly hold more than
// its capacity.  RunPendingTasks applies all buffered work.
package weightedcache

import (
	"context"
	"errors"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/gregjones/httpcache"
	"go.uber.org/zap"
)

// expected average size of a cached image, used to size the admission
// counters.
const averageEntrySize = 32 << 10

const minCounters = 1000

// Options configures a Cache.
type Options struct {
	// MaxCapacity is the maximum total size in bytes of retained values.
	MaxCapacity int64

	// Tier, if set, is a slower second tier (disk, redis, object storage)
	// consulted on memory misses and written to on every insert.
	Tier httpcache.Cache

	Logger *zap.Logger
}

// Cache is a concurrent, byte-weighted cache of image data.  It is safe for
// use by multiple goroutines without external locking.
type Cache struct {
	mem    *ristretto.Cache[string, []byte]
	max    int64
	tier   httpcache.Cache
	logger *zap.Logger

	// pending tracks tier writes still in flight.
	pending sync.WaitGroup
}

// New returns a Cache holding at most opt.MaxCapacity bytes in memory.
func New(opt Options) (*Cache, error) {
	if opt.MaxCapacity <= 0 {
		return nil, errors.New("weightedcache: capacity must be positive")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	counters := opt.MaxCapacity / averageEntrySize * 10
	if counters < minCounters {
		counters = minCounters
	}

	mem, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        counters,
		MaxCost:            opt.MaxCapacity,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
		Cost: func(value []byte) int64 {
			return int64(len(value))
		},
	})
	if err != nil {
		return nil, err
	}

	return &Cache{
		mem:    mem,
		max:    opt.MaxCapacity,
		tier:   opt.Tier,
		logger: opt.Logger,
	}, nil
}

// Get returns the value stored for key.  A value found only in the second
// tier is copied into memory.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.mem.Get(key); ok {
		return value, true
	}
	if c.tier == nil || ctx.Err() != nil {
		return nil, false
	}

	value, ok := c.tier.Get(key)
	if !ok || len(value) == 0 {
		return nil, false
	}
	c.logger.Debug("promoting entry from second tier", zap.String("key", key), zap.Int("bytes", len(value)))
	c.mem.Set(key, value, 0)
	return value, true
}

// Insert stores value for key, replacing any previous value.  It returns
// without waiting for the write to be applied.  Values larger than the
// capacity are not stored at all.
func (c *Cache) Insert(key string, value []byte) {
	if int64(len(value)) > c.max {
		c.logger.Debug("value exceeds cache capacity", zap.String("key", key), zap.Int("bytes", len(value)))
		return
	}

	// A Set on a key already present only adjusts its cost and never
	// evicts, so drop the old entry first and let the new value be admitted
	// as a fresh one.  Both go through the same ordered write buffer.
	c.mem.Del(key)
	if !c.mem.Set(key, value, 0) {
		c.logger.Debug("cache write dropped", zap.String("key", key), zap.Int("bytes", len(value)))
	}
	if c.tier == nil {
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.tier.Set(key, value)
	}()
}

// RunPendingTasks blocks until all buffered writes, including those to the
// second tier, have been applied and any resulting evictions performed.
func (c *Cache) RunPendingTasks() {
	c.mem.Wait()
	c.pending.Wait()
}

// EntryCount returns the number of entries held in memory.  It is accurate
// only after RunPendingTasks.
func (c *Cache) EntryCount() int64 {
	m := c.mem.Metrics
	return int64(m.KeysAdded() - m.KeysEvicted())
}

// WeightedSize returns the total size in bytes of the values held in memory.
// It is accurate only after RunPendingTasks.
func (c *Cache) WeightedSize() int64 {
	m := c.mem.Metrics
	return int64(m.CostAdded() - m.CostEvicted())
}

// MaxCapacity returns the configured capacity in bytes.
func (c *Cache) MaxCapacity() int64 {
	return c.max
}

// Close waits for pending writes and releases the cache's goroutines.  The
// cache must not be used afterwards.
func (c *Cache) Close() {
	c.pending.Wait()
	c.mem.Close()
}
