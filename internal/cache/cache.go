// Package cache is the two-tier verdict cache: a sharded in-memory LRU in
// front of a durable append-and-compact disk store. A memory miss falls
// through to disk; a disk hit promotes back to memory.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

const (
	defaultMemoryTTL = 5 * time.Minute
	defaultDiskTTL   = time.Hour
	sweepInterval    = time.Minute
	diskQueueSize    = 256
)

// Config holds cache construction parameters. Zero values select defaults.
type Config struct {
	MemoryCapacity int
	MemoryTTL      time.Duration
	DiskPath       string // empty disables the disk tier
	DiskTTL        time.Duration
}

// Cache is the verdict cache. Construct with New, start the expiry sweep
// with Start, and Close on shutdown.
type Cache struct {
	logger *slog.Logger
	memory *memoryTier
	disk   *diskTier // nil when the disk tier is disabled

	hits          atomic.Int64
	misses        atomic.Int64
	droppedWrites atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

// New creates the cache. A disk tier that fails to open degrades to
// memory-only with a logged warning rather than failing construction.
func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = 5000
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = defaultMemoryTTL
	}
	if cfg.DiskTTL <= 0 {
		cfg.DiskTTL = defaultDiskTTL
	}

	log := logger.With("component", "cache")
	c := &Cache{
		logger: log,
		memory: newMemoryTier(cfg.MemoryCapacity, cfg.MemoryTTL),
		done:   make(chan struct{}),
	}

	if cfg.DiskPath != "" {
		disk, err := newDiskTier(cfg.DiskPath, cfg.DiskTTL, diskQueueSize, log)
		if err != nil {
			log.Warn("disk tier disabled", "path", cfg.DiskPath, "error", err)
		} else {
			c.disk = disk
		}
	}
	return c
}

// Start launches the background expiry sweep. Idempotent.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("cache already started")
		return
	}
	go c.sweepLoop(ctx)
}

// Close stops the disk writer and flushes pending writes.
func (c *Cache) Close() {
	if c.disk != nil {
		c.disk.close()
	}
}

// Lookup returns the cached verdict for a normalized domain. A disk hit
// repopulates the memory tier.
func (c *Cache) Lookup(domain string) (model.Verdict, bool) {
	now := time.Now().UTC()

	if v, ok := c.memory.get(domain, now); ok {
		c.hits.Add(1)
		return v, true
	}

	if c.disk != nil {
		if v, insertedAt, ok := c.disk.get(domain, now); ok {
			c.memory.put(domain, v, insertedAt)
			c.hits.Add(1)
			return v, true
		}
	}

	c.misses.Add(1)
	return model.Verdict{}, false
}

// Store caches a verdict under the monotonic overwrite policy: a live cached
// verdict is replaced only by a Reasoning verdict, and only when the cached
// one did not itself come from Reasoning. Expired entries are always
// replaceable.
func (c *Cache) Store(domain string, v model.Verdict) {
	now := time.Now().UTC()

	if cached, _, live := c.memory.insertedAtOf(domain, now); live {
		if v.Source != model.SourceReasoning || cached.Source == model.SourceReasoning {
			return
		}
	}

	c.memory.put(domain, v, now)
	if c.disk != nil {
		if !c.disk.put(diskRecord{Domain: domain, Verdict: v, InsertedAt: now}) {
			c.droppedWrites.Add(1)
		}
	}
}

// PurgeExpired removes expired memory entries immediately. The sweep loop
// calls this on a timer; tests call it directly.
func (c *Cache) PurgeExpired() int {
	return c.memory.purgeExpired(time.Now().UTC())
}

// Stats reports cache health for the system stats endpoint.
func (c *Cache) Stats() model.CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := model.CacheStats{
		MemoryEntries: c.memory.len(),
		Hits:          hits,
		Misses:        misses,
		DroppedWrites: c.droppedWrites.Load(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if c.disk != nil {
		stats.DiskEntries = c.disk.len()
	}
	return stats
}

func (c *Cache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.done)
			return
		case <-ticker.C:
			if purged := c.PurgeExpired(); purged > 0 {
				c.logger.Debug("expired entries purged", "count", purged)
			}
		}
	}
}
