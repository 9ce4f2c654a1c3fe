// Package blockcache keeps a bounded block number to timestamp index used to
// narrow timestamp searches.
package blockcache

import (
	"sort"
	"sync"
)

// DefaultCapacity is the entry bound used when none is configured.
const DefaultCapacity = 10_000

// Entry is one cached block.
type Entry struct {
	Block     uint64
	Timestamp int64
}

// Neighbours are the cached blocks around a timestamp. Either may be nil.
type Neighbours struct {
	Before *Entry // latest cached block with timestamp <= target
	After  *Entry // earliest cached block with timestamp > target
}

// Cache is safe for concurrent use.
type Cache struct {
	capacity int

	mu      sync.RWMutex
	entries []Entry            // sorted by block number
	byBlock map[uint64]int64   // block -> timestamp
	byTime  map[int64][]uint64 // timestamp -> blocks, ascending
	hints   map[string]uint64
	order   []string // hint keys, oldest first
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		byBlock:  make(map[uint64]int64),
		byTime:   make(map[int64][]uint64),
		hints:    make(map[string]uint64),
	}
}

// Put stores the timestamp of block. Over capacity, the smallest block
// number is evicted.
func (c *Cache) Put(block uint64, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byBlock[block]; ok {
		if old == ts {
			return
		}
		c.removeTimeLocked(old, block)
		c.byBlock[block] = ts
		c.addTimeLocked(ts, block)
		i := c.searchLocked(block)
		c.entries[i].Timestamp = ts
		return
	}

	c.byBlock[block] = ts
	c.addTimeLocked(ts, block)

	i := c.searchLocked(block)
	c.entries = append(c.entries, Entry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = Entry{Block: block, Timestamp: ts}

	for len(c.entries) > c.capacity {
		evicted := c.entries[0]
		c.entries = c.entries[1:]
		delete(c.byBlock, evicted.Block)
		c.removeTimeLocked(evicted.Timestamp, evicted.Block)
	}
}

// Get returns the cached timestamp of block.
func (c *Cache) Get(block uint64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.byBlock[block]
	return ts, ok
}

// BlocksAt returns the cached blocks with exactly timestamp ts, ascending.
func (c *Cache) BlocksAt(ts int64) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocks := c.byTime[ts]
	if len(blocks) == 0 {
		return nil
	}
	out := make([]uint64, len(blocks))
	copy(out, blocks)
	return out
}

// ClosestBlocks returns the cached neighbours of ts. Block timestamps are
// non-decreasing in block number, so the entries are also sorted by time.
func (c *Cache) ClosestBlocks(ts int64) Neighbours {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// first entry strictly after ts
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Timestamp > ts
	})

	var n Neighbours
	if i > 0 {
		e := c.entries[i-1]
		n.Before = &e
	}
	if i < len(c.entries) {
		e := c.entries[i]
		n.After = &e
	}
	return n
}

// SequentialHint returns the block last stored under key.
func (c *Cache) SequentialHint(key string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.hints[key]
	return b, ok
}

// SetHint stores block under key. Hints share the entry capacity; the oldest
// key is dropped first.
func (c *Cache) SetHint(key string, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.hints[key]; !ok {
		c.order = append(c.order, key)
	}
	c.hints[key] = block

	for len(c.order) > c.capacity {
		delete(c.hints, c.order[0])
		c.order = c.order[1:]
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) searchLocked(block uint64) int {
	return sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].Block >= block
	})
}

func (c *Cache) addTimeLocked(ts int64, block uint64) {
	blocks := c.byTime[ts]
	i := sort.Search(len(blocks), func(i int) bool { return blocks[i] >= block })
	blocks = append(blocks, 0)
	copy(blocks[i+1:], blocks[i:])
	blocks[i] = block
	c.byTime[ts] = blocks
}

func (c *Cache) removeTimeLocked(ts int64, block uint64) {
	blocks := c.byTime[ts]
	for i, b := range blocks {
		if b == block {
			blocks = append(blocks[:i], blocks[i+1:]...)
			break
		}
	}
	if len(blocks) == 0 {
		delete(c.byTime, ts)
		return
	}
	c.byTime[ts] = blocks
}
