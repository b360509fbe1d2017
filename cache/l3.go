package cache

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

// l3Tier stores zlib-compressed serialized Patterns, optionally mirrored to
// Redis so a multi-process deployment shares L3 state — namespaced
// Set/Get/Delete over go-redis/redis/v8, carrying a compressed
// pattern.Pattern blob. A process-local map is the default
// when no Redis URL is configured, matching RedisMemory's in-process
// sibling InMemoryStore.
// l3Item is one compressed entry in the process-local L3 list, linked the
// same way lruTier's items are so capacity can evict least-recently-used
// blobs instead of growing without bound.
type l3Item struct {
	key  string
	blob []byte
	prev *l3Item
	next *l3Item
}

type l3Tier struct {
	mu       sync.Mutex
	local    map[string]*l3Item
	head     *l3Item
	tail     *l3Item
	capacity int
	stats    tierStats

	redis     *redis.Client
	namespace string
	logger    core.Logger
}

func newL3Tier(redisURL, namespace string, capacity int, logger core.Logger) (*l3Tier, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if capacity <= 0 {
		capacity = 50000
	}
	t := &l3Tier{local: make(map[string]*l3Item), capacity: capacity, namespace: namespace, logger: logger}
	if redisURL == "" {
		return t, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.NewError("cache.newL3Tier", "validation", err)
	}
	t.redis = redis.NewClient(opts)
	return t, nil
}

func (t *l3Tier) buildKey(key string) string {
	if t.namespace == "" {
		return "l3:" + key
	}
	return t.namespace + ":l3:" + key
}

// compress encodes p as JSON and zlib-compresses it. A compression failure
// logs and falls back to storing the uncompressed JSON with a marker byte
// — never data loss.
func (t *l3Tier) compress(p *pattern.Pattern) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(1) // 1 = zlib-compressed, 0 = raw fallback
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		t.logger.Warn("l3 compression failed, storing uncompressed", map[string]interface{}{"error": err.Error()})
		return append([]byte{0}, raw...), nil
	}
	if err := w.Close(); err != nil {
		t.logger.Warn("l3 compression flush failed, storing uncompressed", map[string]interface{}{"error": err.Error()})
		return append([]byte{0}, raw...), nil
	}
	return buf.Bytes(), nil
}

func (t *l3Tier) decompress(blob []byte) (*pattern.Pattern, error) {
	if len(blob) == 0 {
		return nil, core.NewError("cache.decompress", "validation", core.ErrMalformedPattern)
	}
	marker, body := blob[0], blob[1:]
	var raw []byte
	if marker == 0 {
		raw = body
	} else {
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	var p pattern.Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *l3Tier) get(ctx context.Context, key string) (*pattern.Pattern, bool, error) {
	var blob []byte

	if t.redis != nil {
		data, err := t.redis.Get(ctx, t.buildKey(key)).Bytes()
		switch {
		case err == redis.Nil:
			t.stats.recordMiss()
			return nil, false, nil
		case err != nil:
			return nil, false, core.NewError("cache.l3.get", "store", err)
		default:
			blob = data
		}
	} else {
		t.mu.Lock()
		item, ok := t.local[key]
		if ok {
			t.moveToFront(item)
			blob = item.blob
		}
		t.mu.Unlock()
		if !ok {
			t.stats.recordMiss()
			return nil, false, nil
		}
	}

	p, err := t.decompress(blob)
	if err != nil {
		return nil, false, core.NewError("cache.l3.get", "validation", err)
	}
	t.stats.recordHit()
	return p, true, nil
}

func (t *l3Tier) put(ctx context.Context, key string, p *pattern.Pattern) error {
	blob, err := t.compress(p)
	if err != nil {
		return core.NewError("cache.l3.put", "validation", err)
	}

	if t.redis != nil {
		if err := t.redis.Set(ctx, t.buildKey(key), blob, 0).Err(); err != nil {
			return core.NewError("cache.l3.put", "store", err)
		}
		return nil
	}

	t.mu.Lock()
	if item, ok := t.local[key]; ok {
		item.blob = blob
		t.moveToFront(item)
		t.mu.Unlock()
		return nil
	}
	if len(t.local) >= t.capacity {
		t.evictLRU()
	}
	item := &l3Item{key: key, blob: blob}
	t.local[key] = item
	t.addToFront(item)
	t.mu.Unlock()
	return nil
}

func (t *l3Tier) delete(ctx context.Context, key string) error {
	if t.redis != nil {
		if err := t.redis.Del(ctx, t.buildKey(key)).Err(); err != nil {
			return core.NewError("cache.l3.delete", "store", err)
		}
		return nil
	}
	t.mu.Lock()
	if item, ok := t.local[key]; ok {
		t.removeFromList(item)
		delete(t.local, key)
	}
	t.mu.Unlock()
	return nil
}

// evictLRU drops the tail entry; L3 is the last tier, so unlike L1/L2 there
// is nowhere further to demote — the entry is gone from the cache and the
// next read falls through to the Store.
func (t *l3Tier) evictLRU() {
	if t.tail == nil {
		return
	}
	evicted := t.tail
	t.removeFromList(evicted)
	delete(t.local, evicted.key)
	t.stats.recordEviction()
}

func (t *l3Tier) moveToFront(item *l3Item) {
	if item == t.head {
		return
	}
	t.removeFromList(item)
	t.addToFront(item)
}

func (t *l3Tier) addToFront(item *l3Item) {
	item.prev = nil
	item.next = t.head
	if t.head != nil {
		t.head.prev = item
	}
	t.head = item
	if t.tail == nil {
		t.tail = item
	}
}

func (t *l3Tier) removeFromList(item *l3Item) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		t.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		t.tail = item.prev
	}
}

func (t *l3Tier) size() int {
	if t.redis != nil {
		return -1 // size not cheaply knowable over a shared Redis keyspace
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local)
}

func (t *l3Tier) statsSnapshot() TierStats {
	return t.stats.snapshot(t.size())
}

func (t *l3Tier) close() error {
	if t.redis != nil {
		return t.redis.Close()
	}
	return nil
}
