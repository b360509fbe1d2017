package goap

import (
	"container/heap"

	"github.com/hiveforge/substrate/pattern"
)

// searchNode is one A* frontier entry. g is cost-so-far, h the heuristic
// estimate to the goal; f = g + h is the priority. patternConf
// accumulates the confidence of any pattern-boosted edges taken to reach
// this node, used as the second tie-break: ties in f break by lower cost
// g, then higher cumulative pattern confidence, then older insertion.
type searchNode struct {
	state      pattern.WorldState
	g          float64
	h          float64
	patternConf float64
	seq        int
	parent     *searchNode
	via        string // action name that produced this node, "" for the root

	index int // heap bookkeeping
}

func (n *searchNode) f() float64 { return n.g + n.h }

// frontier is a binary min-heap ordered by f, then the tie-break rule.
type frontier struct {
	items []*searchNode
}

func newFrontier() *frontier { return &frontier{} }

func (f *frontier) Len() int { return len(f.items) }

func (f *frontier) Less(i, j int) bool {
	a, b := f.items[i], f.items[j]
	if a.f() != b.f() {
		return a.f() < b.f()
	}
	if a.g != b.g {
		return a.g < b.g
	}
	if a.patternConf != b.patternConf {
		return a.patternConf > b.patternConf
	}
	return a.seq < b.seq
}

func (f *frontier) Swap(i, j int) {
	f.items[i], f.items[j] = f.items[j], f.items[i]
	f.items[i].index = i
	f.items[j].index = j
}

func (f *frontier) Push(x any) {
	n := x.(*searchNode)
	n.index = len(f.items)
	f.items = append(f.items, n)
}

func (f *frontier) Pop() any {
	old := f.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	f.items = old[:n-1]
	return item
}

func (f *frontier) push(n *searchNode) { heap.Push(f, n) }
func (f *frontier) pop() *searchNode   { return heap.Pop(f).(*searchNode) }
func (f *frontier) empty() bool        { return len(f.items) == 0 }

var _ heap.Interface = (*frontier)(nil)
