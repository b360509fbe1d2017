// Package cache implements the three-tier pattern cache: L1 hot / L2 warm
// / L3 compressed, write-through to the Store, with LRU eviction and
// access-count-gated promotion. L1/L2 are intrusive
// doubly-linked-list-plus-map LRUs over *pattern.Pattern values.
package cache

import (
	"sync"

	"github.com/hiveforge/substrate/pattern"
)

// tierStats are explicit hit/miss/eviction counters, maintained at the
// point of each lookup rather than probed out of the tier's internals.
type tierStats struct {
	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
}

func (s *tierStats) recordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *tierStats) recordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *tierStats) recordEviction() {
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
}

// TierStats is the read-only snapshot of a tier's counters.
type TierStats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

func (s *tierStats) snapshot(size int) TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := TierStats{Size: size, Hits: s.hits, Misses: s.misses, Evictions: s.evictions}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

// lruItem is one cached Pattern, with the access counter that gates
// promotion into L1 (>= promote_threshold accesses).
type lruItem struct {
	key      string
	pattern  *pattern.Pattern
	accesses int
	prev     *lruItem
	next     *lruItem
}

// lruTier is an intrusive doubly-linked-list LRU keyed by pattern id
// directly (patterns are already content-addressed; no derived hash key is
// needed).
type lruTier struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruItem
	head     *lruItem
	tail     *lruItem
	stats    tierStats

	// onEvict, if set, is called with the evicted key/pattern whenever
	// capacity forces an LRU eviction, so the Cache can cascade the entry
	// into the next tier down instead of letting it fall out of the cache
	// entirely. Invoked outside l's own lock.
	onEvict func(key string, p *pattern.Pattern)
}

func newLRUTier(capacity int) *lruTier {
	return &lruTier{capacity: capacity, items: make(map[string]*lruItem)}
}

// get returns the cached Pattern and its post-increment access count, or
// (nil, 0, false) on a miss. Non-suspending: pure map/list manipulation
// under a mutex held only across this call — no I/O or channel op happens
// while it's held, keeping the hot read path free of blocking waits.
func (l *lruTier) get(key string) (*pattern.Pattern, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.items[key]
	if !ok {
		l.stats.recordMiss()
		return nil, 0, false
	}
	item.accesses++
	l.moveToFront(item)
	l.stats.recordHit()
	return item.pattern, item.accesses, true
}

func (l *lruTier) put(key string, p *pattern.Pattern) {
	l.mu.Lock()

	if item, ok := l.items[key]; ok {
		item.pattern = p
		l.moveToFront(item)
		l.mu.Unlock()
		return
	}

	var evictedKey string
	var evictedPattern *pattern.Pattern
	evicted := false
	if len(l.items) >= l.capacity {
		evictedKey, evictedPattern, evicted = l.removeLRU()
	}

	// accesses starts at 0: a put (whether a fresh entry or a cascade from
	// the tier above) is not itself an access. Only get() increments it, so
	// the promote_threshold gate counts real reads.
	item := &lruItem{key: key, pattern: p, accesses: 0}
	l.items[key] = item
	l.addToFront(item)

	cb := l.onEvict
	l.mu.Unlock()

	if evicted && cb != nil {
		cb(evictedKey, evictedPattern)
	}
}

func (l *lruTier) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if item, ok := l.items[key]; ok {
		l.removeItem(item)
	}
}

func (l *lruTier) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = make(map[string]*lruItem)
	l.head, l.tail = nil, nil
}

func (l *lruTier) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *lruTier) statsSnapshot() TierStats {
	return l.stats.snapshot(l.size())
}

func (l *lruTier) moveToFront(item *lruItem) {
	if item == l.head {
		return
	}
	l.removeFromList(item)
	l.addToFront(item)
}

func (l *lruTier) addToFront(item *lruItem) {
	item.prev = nil
	item.next = l.head
	if l.head != nil {
		l.head.prev = item
	}
	l.head = item
	if l.tail == nil {
		l.tail = item
	}
}

func (l *lruTier) removeFromList(item *lruItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		l.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		l.tail = item.prev
	}
}

func (l *lruTier) removeItem(item *lruItem) {
	l.removeFromList(item)
	delete(l.items, item.key)
}

// removeLRU evicts the tail item and returns its key/pattern so the caller
// can cascade it into the next tier down once l's lock is released.
func (l *lruTier) removeLRU() (key string, p *pattern.Pattern, ok bool) {
	if l.tail == nil {
		return "", nil, false
	}
	evicted := l.tail
	l.removeItem(evicted)
	l.stats.recordEviction()
	return evicted.key, evicted.pattern, true
}
