// Package tournament implements the HKN1 loser-tree k-way merge used by the
// channel sort engine: a fixed set of leaves, each fed from one registered
// channel, merged into a single globally-minimum output via pairwise
// comparison nodes built once at configure time.
//
// Node storage is a flat arena addressed by index rather than a tree of
// pointers, since the channel count is fixed for the lifetime of a run.
package tournament

import (
	"sync"

	"github.com/stringhub-core/stringhub/internal/rawbuf"
)

// leaf holds the input stack for one registered channel. The engine (the
// single caller of Push) fills it; Pop drains it. The stack has no capacity
// bound of its own: every Push appends to it until Pop removes the value. A leaf with an empty
// stack and no EOS on record is "not ready" and causes the whole tree to
// report IsEmpty.
//
// Once an EOS sentinel is pushed, it is never removed from the leaf: per
// spec § 3 invariant 4 ("An EOS sentinel for a leaf causes that leaf to act
// as +infinity for subsequent comparisons"), the leaf must keep presenting
// it as the leaf's current value for every later comparison, not just the
// one pop that first observes it — otherwise the leaf would fall silent and
// starve the tree instead of losing every comparison against real data.
type leaf struct {
	mbid  uint64
	mu    sync.Mutex
	stack []rawbuf.DAQBuffer // FIFO, oldest at index 0
	eos   *rawbuf.DAQBuffer  // set once this leaf's EOS sentinel is pushed
}

func (l *leaf) push(v rawbuf.DAQBuffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v.IsEOS() {
		l.eos = &v
		return
	}
	l.stack = append(l.stack, v)
}

// peek returns the oldest buffered value without removing it, and whether
// one is present. Once the leaf's EOS has been observed and the stack is
// drained, peek keeps returning the EOS value indefinitely.
func (l *leaf) peek() (rawbuf.DAQBuffer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.stack) > 0 {
		return l.stack[0], true
	}
	if l.eos != nil {
		return *l.eos, true
	}
	return rawbuf.DAQBuffer{}, false
}

func (l *leaf) pop() rawbuf.DAQBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.stack) > 0 {
		v := l.stack[0]
		l.stack = l.stack[1:]
		return v
	}
	return *l.eos
}

// node is one arena slot: either a leaf (leafIdx >= 0) or an internal node
// combining two children. winner caches the arena index of the leaf
// currently holding the minimum value under this node's subtree, so a
// Push or Pop only needs to re-derive the winner along the path from the
// affected leaf to the root rather than re-walking the whole subtree.
type node struct {
	leafIdx  int // index into Tree.leaves, or -1 for internal nodes
	children [2]int
	winner   int // arena index of the leaf currently winning this subtree
}

// Tree is a loser tree over a fixed set of registered channels.
//
// Tree is not safe for concurrent Push/Pop from multiple goroutines; the
// channel sort engine's single worker goroutine owns it exclusively, per
// spec § 5 ("the tournament tree and per-leaf stacks are accessed only from
// the engine's worker; producers never touch them").
type Tree struct {
	leaves   []*leaf
	mbidToIx map[uint64]int
	nodes    []node
	parent   []int // arena index -> parent arena index, -1 for the root
	root     int
}

// New builds a loser tree over the given registered channel IDs. Leaves are
// paired greedily and combined bottom-up; an odd leaf out at any level is
// promoted unchanged, per spec § 9.
func New(mbids []uint64) *Tree {
	t := &Tree{
		mbidToIx: make(map[uint64]int, len(mbids)),
	}
	for i, id := range mbids {
		t.leaves = append(t.leaves, &leaf{mbid: id})
		t.mbidToIx[id] = i
	}

	if len(t.leaves) == 0 {
		return t
	}

	// level holds arena indices of nodes still awaiting combination; it
	// starts as one leaf node per leaf: leaf refs are stored as nodes with
	// leafIdx set, appended to the arena at indices 0..len(leaves)-1 so
	// every node (leaf or internal) has a stable arena index.
	level := make([]int, len(t.leaves))
	for i := range t.leaves {
		t.nodes = append(t.nodes, node{leafIdx: i, children: [2]int{-1, -1}, winner: i})
		level[i] = i
	}
	t.parent = make([]int, len(t.leaves))
	for i := range t.parent {
		t.parent[i] = -1
	}

	for len(level) > 1 {
		var next []int
		for i := 0; i+1 < len(level); i += 2 {
			idx := len(t.nodes)
			t.nodes = append(t.nodes, node{leafIdx: -1, children: [2]int{level[i], level[i+1]}})
			t.parent = append(t.parent, -1)
			t.parent[level[i]] = idx
			t.parent[level[i+1]] = idx
			t.nodes[idx].winner = t.compareChildren(idx)
			next = append(next, idx)
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	t.root = level[0]

	return t
}

// Push appends v to the stack of the leaf registered for v.MBID, then
// re-propagates the winner cache from that leaf up to the root. The caller
// must have already verified the channel is registered.
func (t *Tree) Push(mbid uint64, v rawbuf.DAQBuffer) {
	ix := t.mbidToIx[mbid]
	t.leaves[ix].push(v)
	t.propagate(ix)
}

// propagate recomputes the cached winner for every ancestor of leaf arena
// index leafIdx, stopping at the root. Since New() appends one arena node
// per leaf at indices 0..len(leaves)-1, in the same order as t.leaves, a
// leaf's own arena index is its slice index.
func (t *Tree) propagate(leafIdx int) {
	for idx := t.parent[leafIdx]; idx != -1; idx = t.parent[idx] {
		t.nodes[idx].winner = t.compareChildren(idx)
	}
}

// compareChildren derives the winner of an internal node from its two
// children's already-cached winners, touching only those two leaves'
// current head values rather than re-walking either subtree.
func (t *Tree) compareChildren(nodeIdx int) int {
	n := t.nodes[nodeIdx]
	left := t.nodes[n.children[0]].winner
	right := t.nodes[n.children[1]].winner

	lv, lok := t.leaves[left].peek()
	rv, rok := t.leaves[right].peek()
	switch {
	case !lok:
		return right
	case !rok:
		return left
	case rawbuf.Less(rv, lv):
		return right
	default:
		return left
	}
}

// Registered reports whether mbid was registered when the tree was built.
func (t *Tree) Registered(mbid uint64) bool {
	_, ok := t.mbidToIx[mbid]
	return ok
}

// IsEmpty reports whether any leaf currently has no buffered value; Pop is
// defined only when IsEmpty returns false.
func (t *Tree) IsEmpty() bool {
	for _, l := range t.leaves {
		if _, ok := l.peek(); !ok {
			return true
		}
	}
	return false
}

// Pop removes and returns the globally-minimum buffered value across all
// leaves, breaking ties by ascending mbid. The contract (spec § 4.1) defines
// Pop only when IsEmpty reports false, and the engine's worker loop only
// calls it then. Called otherwise, Pop returns the minimum over the leaves
// that do hold a value, and panics if no leaf holds one.
//
// The winner of the whole tree is already cached at the root; Pop reads it
// directly (O(1)) and then re-propagates from the popped leaf back to the
// root (O(log N)) to account for the value the pop just removed, rather than
// recomputing the minimum over every leaf from scratch.
func (t *Tree) Pop() rawbuf.DAQBuffer {
	winner := t.nodes[t.root].winner
	v := t.leaves[winner].pop()
	t.propagate(winner)
	return v
}

// AllEOS reports whether every registered leaf is currently presenting its
// EOS sentinel as its head value, i.e. every leaf's real data has already
// been drained and only the retained +infinity marker remains. A leaf still
// holding buffered real data peeks that data, not EOS, so AllEOS stays false
// until the tree is genuinely exhausted everywhere — it is not merely "every
// leaf's sentinel has been pushed at some point."
func (t *Tree) AllEOS() bool {
	for _, l := range t.leaves {
		v, ok := l.peek()
		if !ok || !v.IsEOS() {
			return false
		}
	}
	return true
}

// Len returns the number of registered leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}
