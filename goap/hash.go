package goap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hiveforge/substrate/pattern"
)

// StateHash returns a stable hash of s, used both as the HeuristicEntry key
// and as the closed-set membership key during search.
func StateHash(s pattern.WorldState) string {
	return hashState(s)
}

func hashState(s pattern.WorldState) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, s[k])
	}
	return fmt.Sprintf("%x", fnv1a(b.String()))
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// internTable assigns dense uint32 ids to state hashes so the closed set
// can be tracked in a roaring.Bitmap instead of a Go map[string]bool,
// which keeps closed-set checks cheap at the node counts A* can produce
// within a single search. Scoped to one search; not shared across runs.
type internTable struct {
	ids    map[string]uint32
	next   uint32
}

func newInternTable() *internTable {
	return &internTable{ids: make(map[string]uint32)}
}

func (t *internTable) intern(hash string) uint32 {
	if id, ok := t.ids[hash]; ok {
		return id
	}
	id := t.next
	t.next++
	t.ids[hash] = id
	return id
}
