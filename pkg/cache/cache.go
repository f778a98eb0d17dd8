// Package cache implements the segment-data LRU used by pkg/segment: a
// bounded map from media sequence number to cached segment bytes, with an
// eviction rule that skips the still-live victim so a slow reader does not
// have the imminent playback front evicted out from under it.
package cache

import (
	"sync"
	"time"
)

// entry is one cached segment's bytes plus LRU bookkeeping.
type entry struct {
	sequence    uint64
	data        []byte
	lastAccess  time.Time
	accessCount int64
}

// LiveChecker reports whether a sequence is still part of the tracked
// sliding window (segment.Source's known_sequences). Evicting a still-live
// sequence is avoided when a not-live victim is available.
type LiveChecker func(sequence uint64) bool

// Stats summarizes cache activity, mirroring the counters a caller would
// want to expose through a health endpoint.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	HitRate   float64
}

// SegmentCache is an in-process LRU of segment bytes keyed by media
// sequence number. It is safe for concurrent use.
type SegmentCache struct {
	mu        sync.Mutex
	entries   map[uint64]*entry
	order     []uint64 // access order, oldest first; rebuilt lazily on eviction
	maxSize   int
	isLive    LiveChecker
	hits      int64
	misses    int64
	evictions int64
}

// NewSegmentCache creates a cache holding at most maxSize segments.
// isLive may be nil (no sequence is ever protected from eviction).
func NewSegmentCache(maxSize int, isLive LiveChecker) *SegmentCache {
	if isLive == nil {
		isLive = func(uint64) bool { return false }
	}
	return &SegmentCache{
		entries: make(map[uint64]*entry),
		maxSize: maxSize,
		isLive:  isLive,
	}
}

// Get returns cached bytes for sequence, promoting it to most-recently-used.
func (c *SegmentCache) Get(sequence uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sequence]
	if !ok {
		c.misses++
		return nil, false
	}
	e.lastAccess = time.Now()
	e.accessCount++
	c.hits++
	c.touch(sequence)
	return e.data, true
}

// Set inserts or overwrites the cached bytes for sequence, evicting the
// LRU victim first if the cache is at capacity.
func (c *SegmentCache) Set(sequence uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[sequence]; !exists && len(c.entries) >= c.maxSize {
		c.evictOne()
	}
	c.entries[sequence] = &entry{sequence: sequence, data: data, lastAccess: time.Now()}
	c.touch(sequence)
}

// Remove drops sequence from the cache unconditionally (used when a
// sequence expires from the sliding window).
func (c *SegmentCache) Remove(sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sequence)
	c.removeFromOrder(sequence)
}

// Stats returns a snapshot of cache counters.
func (c *SegmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// touch moves sequence to the back of the access order (most recent).
func (c *SegmentCache) touch(sequence uint64) {
	c.removeFromOrder(sequence)
	c.order = append(c.order, sequence)
}

func (c *SegmentCache) removeFromOrder(sequence uint64) {
	for i, s := range c.order {
		if s == sequence {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictOne removes the least-recently-used entry, skipping a still-live
// victim in favor of the next-oldest not-live one when possible.
func (c *SegmentCache) evictOne() {
	if len(c.order) == 0 {
		return
	}
	victimIdx := -1
	fallbackIdx := -1
	for i, seq := range c.order {
		if _, ok := c.entries[seq]; !ok {
			continue
		}
		if fallbackIdx == -1 {
			fallbackIdx = i
		}
		if !c.isLive(seq) {
			victimIdx = i
			break
		}
	}
	if victimIdx == -1 {
		victimIdx = fallbackIdx
	}
	if victimIdx == -1 {
		return
	}
	victim := c.order[victimIdx]
	delete(c.entries, victim)
	c.order = append(c.order[:victimIdx], c.order[victimIdx+1:]...)
	c.evictions++
}
