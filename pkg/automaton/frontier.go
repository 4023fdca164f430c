package automaton

// Transition is the compact runtime form of an edge, as installed into the
// enforcement engine. For ε transitions MatchID is unspecified and ignored.
type Transition struct {
	Src     uint32
	Dst     uint32
	MatchID int32
	Epsilon bool
}

// Frontier is the set of automaton states currently reachable without
// further input, stored as a bitset whose width equals the node count of the
// owning graph. An all-zero frontier is terminal: no transition can fire
// from it.
type Frontier struct {
	words []uint64
	n     int
}

// NewFrontier returns an empty frontier over n nodes.
func NewFrontier(n int) *Frontier {
	return &Frontier{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the node count the frontier spans.
func (f *Frontier) Len() int { return f.n }

// Set marks node i active.
func (f *Frontier) Set(i int) { f.words[i/64] |= 1 << (uint(i) % 64) }

// Test reports whether node i is active.
func (f *Frontier) Test(i int) bool { return f.words[i/64]&(1<<(uint(i)%64)) != 0 }

// Zero deactivates every node.
func (f *Frontier) Zero() {
	for i := range f.words {
		f.words[i] = 0
	}
}

// Empty reports whether no node is active.
func (f *Frontier) Empty() bool {
	for _, w := range f.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of active nodes.
func (f *Frontier) Count() int {
	c := 0
	for i := 0; i < f.n; i++ {
		if f.Test(i) {
			c++
		}
	}
	return c
}

// CopyFrom overwrites f with src. Both must span the same node count.
func (f *Frontier) CopyFrom(src *Frontier) {
	copy(f.words, src.words)
}

// Equal reports whether two frontiers activate the same nodes.
func (f *Frontier) Equal(other *Frontier) bool {
	if f.n != other.n {
		return false
	}
	for i := range f.words {
		if f.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

// EpsilonClosure extends f with every node reachable over ε transitions from
// an active node, iterating to a fixed point. The frontier grows
// monotonically and is bounded by the node count, so the loop terminates.
func EpsilonClosure(edges []Transition, f *Frontier) {
	for changed := true; changed; {
		changed = false
		for _, e := range edges {
			if !e.Epsilon {
				continue
			}
			if f.Test(int(e.Src)) && !f.Test(int(e.Dst)) {
				f.Set(int(e.Dst))
				changed = true
			}
		}
	}
}

// Step advances f on an observed marker: the new frontier holds the
// destination of every consuming edge whose source is active and whose match
// id equals observed, ε-closed. If nothing matches the frontier becomes
// empty. scratch must span the same node count as f; no allocation happens
// here, so a failed step can never leave the frontier indeterminate.
func Step(edges []Transition, f, scratch *Frontier, observed int32) {
	scratch.Zero()
	for _, e := range edges {
		if e.Epsilon || e.MatchID != observed {
			continue
		}
		if f.Test(int(e.Src)) {
			scratch.Set(int(e.Dst))
		}
	}
	f.CopyFrom(scratch)
	EpsilonClosure(edges, f)
}

// InitialFrontier computes the start set for an installed edge list: every
// node with zero consuming in-degree, node 0 if there is none, ε-closed.
func InitialFrontier(edges []Transition, numNodes int) *Frontier {
	f := NewFrontier(numNodes)
	indeg := make([]int, numNodes)
	for _, e := range edges {
		if e.Epsilon {
			continue
		}
		indeg[e.Dst]++
	}
	any := false
	for i, d := range indeg {
		if d == 0 {
			f.Set(i)
			any = true
		}
	}
	if !any {
		f.Set(0)
	}
	EpsilonClosure(edges, f)
	return f
}
