package automaton

import "fmt"

// EpsilonLabel is the distinguished edge label for transitions that fire
// without consuming a marker.
const EpsilonLabel = "ϵ"

// Unassigned marks a node identifier that has not been allocated yet. It is
// only legal transiently while the extractor is still building a graph.
const Unassigned = -1

// Node is a library-call site. Pretty is the callee name and is purely
// informational; the identifiers are what markers are matched against.
type Node struct {
	Pretty   string
	DummyID  int
	UniqueID int
}

// Edge is a directed labeled transition between two node indices of the same
// graph. A non-ε edge out of node S carries S's own identifiers: the marker
// for S is emitted immediately before S's call executes, so the transition
// out of S fires on S's id being observed while S is active. Matching on the
// destination id instead would silently accept the wrong language.
type Edge struct {
	Src         int
	Dst         int
	Label       string
	Epsilon     bool
	MatchDummy  int
	MatchUnique int
}

// Graph is the per-function NFA of library-call sites. Nodes and edges are
// append-only; indices are dense.
type Graph struct {
	FunctionName string
	Nodes        []Node
	Edges        []Edge
}

// AddNode appends a node with unassigned identifiers and returns its index.
func (g *Graph) AddNode(pretty string) int {
	idx := len(g.Nodes)
	g.Nodes = append(g.Nodes, Node{Pretty: pretty, DummyID: Unassigned, UniqueID: Unassigned})
	return idx
}

// AddEdge appends a consuming edge from src to dst. The label and the match
// identifiers are taken from the source node, which must already have its
// identifiers assigned.
func (g *Graph) AddEdge(src, dst int) {
	n := g.Nodes[src]
	g.Edges = append(g.Edges, Edge{
		Src:         src,
		Dst:         dst,
		Label:       n.Pretty,
		MatchDummy:  n.DummyID,
		MatchUnique: n.UniqueID,
	})
}

// AddEpsilonEdge appends an ε edge from src to dst.
func (g *Graph) AddEpsilonEdge(src, dst int) {
	g.Edges = append(g.Edges, Edge{
		Src:         src,
		Dst:         dst,
		Label:       EpsilonLabel,
		Epsilon:     true,
		MatchDummy:  Unassigned,
		MatchUnique: Unassigned,
	})
}

// Validate checks the structural invariants: every edge endpoint is a valid
// node index and every real node has assigned identifiers.
func (g *Graph) Validate() error {
	n := len(g.Nodes)
	for i, e := range g.Edges {
		if e.Src < 0 || e.Src >= n {
			return fmt.Errorf("edge %d: src %d out of range [0,%d)", i, e.Src, n)
		}
		if e.Dst < 0 || e.Dst >= n {
			return fmt.Errorf("edge %d: dst %d out of range [0,%d)", i, e.Dst, n)
		}
		if e.Epsilon && (e.MatchDummy != Unassigned || e.MatchUnique != Unassigned) {
			return fmt.Errorf("edge %d: ε edge carries match ids", i)
		}
	}
	for i, nd := range g.Nodes {
		if nd.DummyID == Unassigned || nd.UniqueID == Unassigned {
			return fmt.Errorf("node %d (%s): unassigned identifier", i, nd.Pretty)
		}
	}
	return nil
}

// StartSet returns the indices of nodes whose consuming in-degree is zero.
// ε in-edges do not count: a node reachable only through ε is picked up by
// the closure of the start set anyway. If the heuristic elects nothing (a
// cycle covering every node), node 0 is the fallback.
func (g *Graph) StartSet() []int {
	if len(g.Nodes) == 0 {
		return nil
	}
	indeg := make([]int, len(g.Nodes))
	for _, e := range g.Edges {
		if e.Epsilon {
			continue
		}
		indeg[e.Dst]++
	}
	var start []int
	for i, d := range indeg {
		if d == 0 {
			start = append(start, i)
		}
	}
	if start == nil {
		start = []int{0}
	}
	return start
}
