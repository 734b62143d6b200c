package storage

import (
	"sync"

	"github.com/Felmond13/raftwal/concurrency"
)

// pageCache is the bounded (<=63 slot) resident-page cache used by the
// anonymous PageManager variant. Slots are rented from a
// concurrency.IndexPool, replacing the teacher's unbounded map+doubly
// linked LRU (storage/lru.go) with the fixed-capacity pool the spec's
// anonymous variant calls for (§4.1, §4.7).
type pageCache struct {
	mu       sync.Mutex
	pool     *concurrency.IndexPool
	slotOf   map[uint32]int // page index -> rented slot
	pageOf   map[int]uint32 // slot -> page index (for eviction bookkeeping)
	order    []uint32       // MRU-first recency list
	capacity int
}

func newPageCache() *pageCache {
	return &pageCache{
		pool:     concurrency.NewIndexPool(),
		slotOf:   make(map[uint32]int),
		pageOf:   make(map[int]uint32),
		capacity: concurrency.MaxPoolSlots,
	}
}

// touch records that pageIdx was just accessed, renting a fresh slot if
// needed and evicting the least-recently-used page if the pool is full.
// Returns the evicted page index, if any, so the caller can flush it
// before reuse.
func (c *pageCache) touch(pageIdx uint32) (evicted uint32, hadEviction bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slotOf[pageIdx]; ok {
		c.moveToFront(pageIdx)
		return 0, false
	}

	slot, ok := c.pool.TryTake()
	if !ok {
		// Evict the LRU entry to make room.
		victim := c.order[len(c.order)-1]
		victimSlot := c.slotOf[victim]
		delete(c.slotOf, victim)
		delete(c.pageOf, victimSlot)
		c.order = c.order[:len(c.order)-1]
		c.pool.Return(victimSlot)

		slot, _ = c.pool.TryTake()
		evicted, hadEviction = victim, true
	}

	c.slotOf[pageIdx] = slot
	c.pageOf[slot] = pageIdx
	c.order = append([]uint32{pageIdx}, c.order...)
	return evicted, hadEviction
}

func (c *pageCache) moveToFront(pageIdx uint32) {
	for i, p := range c.order {
		if p == pageIdx {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append([]uint32{pageIdx}, c.order...)
}

// drop removes pageIdx from the cache without flushing it.
func (c *pageCache) drop(pageIdx uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slotOf[pageIdx]
	if !ok {
		return
	}
	delete(c.slotOf, pageIdx)
	delete(c.pageOf, slot)
	c.pool.Return(slot)
	for i, p := range c.order {
		if p == pageIdx {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// resident reports every page index currently cached, for flush/close.
func (c *pageCache) resident() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.order))
	copy(out, c.order)
	return out
}

func (c *pageCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotOf = make(map[uint32]int)
	c.pageOf = make(map[int]uint32)
	c.order = nil
	c.pool = concurrency.NewIndexPool()
}
