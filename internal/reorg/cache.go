package reorg

import (
	"container/list"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocksyncd/blocksyncd/internal/types"
)

// headerCache is a small TTL cache of remote blocks keyed by height. The
// walkback revisits the same heights when a reorg settles slowly; the cache
// keeps those lookups off the wire. Capacity is bounded so a deep walk cannot
// grow it without limit.
type headerCache struct {
	mu      sync.Mutex
	entries map[uint64]headerCacheEntry
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

type headerCacheEntry struct {
	block    types.Block
	deadline time.Time
}

func newHeaderCache(capacity int, ttl time.Duration) *headerCache {
	return &headerCache{
		entries: make(map[uint64]headerCacheEntry, capacity),
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *headerCache) get(height uint64) (types.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[height]
	if !ok {
		return types.Block{}, false
	}
	if c.now().After(entry.deadline) {
		delete(c.entries, height)
		return types.Block{}, false
	}
	return entry.block, true
}

func (c *headerCache) put(block types.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.cap {
		// Evict expired entries first; if none are expired drop an arbitrary
		// one. The cache is advisory, correctness does not depend on which
		// entry goes.
		evicted := false
		now := c.now()
		for height, entry := range c.entries {
			if now.After(entry.deadline) {
				delete(c.entries, height)
				evicted = true
			}
		}
		if !evicted {
			for height := range c.entries {
				delete(c.entries, height)
				break
			}
		}
	}

	c.entries[block.Number] = headerCacheEntry{
		block:    block,
		deadline: c.now().Add(c.ttl),
	}
}

// purge drops every cached entry.
func (c *headerCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// visitedSet is a bounded LRU set of hashes seen during a walkback, used for
// cycle detection. When full the oldest entry is dropped, which keeps memory
// constant at the cost of only detecting cycles shorter than the capacity.
type visitedSet struct {
	cap   int
	order *list.List
	index map[common.Hash]*list.Element
}

func newVisitedSet(capacity int) *visitedSet {
	return &visitedSet{
		cap:   capacity,
		order: list.New(),
		index: make(map[common.Hash]*list.Element, capacity),
	}
}

// add records the hash and reports whether it was already present.
func (s *visitedSet) add(hash common.Hash) bool {
	if elem, ok := s.index[hash]; ok {
		s.order.MoveToFront(elem)
		return true
	}

	if s.order.Len() >= s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(common.Hash))
	}

	s.index[hash] = s.order.PushFront(hash)
	return false
}
