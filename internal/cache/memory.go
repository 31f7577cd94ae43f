package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashita-ai/sabaki/internal/model"
)

// memoryShards stripes the memory tier so concurrent domains rarely contend
// on the same lock.
const memoryShards = 16

type memoryEntry struct {
	domain     string
	verdict    model.Verdict
	insertedAt time.Time
}

type shard struct {
	mu    sync.Mutex
	order *list.List // MRU at back
	items map[string]*list.Element
}

// memoryTier is a sharded LRU with TTL expiry. Each shard holds an equal
// slice of the total capacity; access promotes the entry to MRU.
type memoryTier struct {
	shards        [memoryShards]*shard
	capacityShard int
	ttl           time.Duration
}

func newMemoryTier(capacity int, ttl time.Duration) *memoryTier {
	perShard := capacity / memoryShards
	if perShard < 1 {
		perShard = 1
	}
	t := &memoryTier{capacityShard: perShard, ttl: ttl}
	for i := range t.shards {
		t.shards[i] = &shard{
			order: list.New(),
			items: make(map[string]*list.Element),
		}
	}
	return t
}

func (t *memoryTier) shardFor(domain string) *shard {
	return t.shards[model.DomainSignature(domain)%memoryShards]
}

// get returns the live entry for domain, promoting it to MRU. Expired
// entries are removed on sight and read as misses.
func (t *memoryTier) get(domain string, now time.Time) (model.Verdict, bool) {
	s := t.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[domain]
	if !ok {
		return model.Verdict{}, false
	}
	entry := elem.Value.(*memoryEntry)
	if now.Sub(entry.insertedAt) >= t.ttl {
		s.order.Remove(elem)
		delete(s.items, domain)
		return model.Verdict{}, false
	}
	s.order.MoveToBack(elem)
	return entry.verdict, true
}

// put inserts or replaces the entry for domain, evicting the shard's LRU
// entry when over capacity.
func (t *memoryTier) put(domain string, v model.Verdict, insertedAt time.Time) {
	s := t.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[domain]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.verdict = v
		entry.insertedAt = insertedAt
		s.order.MoveToBack(elem)
		return
	}

	s.items[domain] = s.order.PushBack(&memoryEntry{
		domain:     domain,
		verdict:    v,
		insertedAt: insertedAt,
	})
	for s.order.Len() > t.capacityShard {
		lru := s.order.Front()
		s.order.Remove(lru)
		delete(s.items, lru.Value.(*memoryEntry).domain)
	}
}

// insertedAt reports when the live entry for domain was stored. Used by the
// monotonic overwrite check without promoting the entry.
func (t *memoryTier) insertedAtOf(domain string, now time.Time) (model.Verdict, time.Time, bool) {
	s := t.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[domain]
	if !ok {
		return model.Verdict{}, time.Time{}, false
	}
	entry := elem.Value.(*memoryEntry)
	if now.Sub(entry.insertedAt) >= t.ttl {
		return model.Verdict{}, time.Time{}, false
	}
	return entry.verdict, entry.insertedAt, true
}

// purgeExpired removes all expired entries and returns how many were dropped.
func (t *memoryTier) purgeExpired(now time.Time) int {
	purged := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for elem := s.order.Front(); elem != nil; {
			next := elem.Next()
			entry := elem.Value.(*memoryEntry)
			if now.Sub(entry.insertedAt) >= t.ttl {
				s.order.Remove(elem)
				delete(s.items, entry.domain)
				purged++
			}
			elem = next
		}
		s.mu.Unlock()
	}
	return purged
}

func (t *memoryTier) len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}
