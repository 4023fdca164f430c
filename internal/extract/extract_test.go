package extract

import (
	"strings"
	"testing"

	"libcall.sandbox/pkg/ir"
)

// buildModule returns a module with the named external declarations ready
// for use.
func buildModule(externals ...string) *ir.Module {
	m := ir.NewModule("test")
	for _, name := range externals {
		m.EnsureDecl(name, true)
	}
	return m
}

func callTo(m *ir.Module, name string) ir.Instr {
	return ir.Instr{Op: ir.OpCall, Callee: m.LookupDecl(name)}
}

func TestLinearBlock(t *testing.T) {
	m := buildModule("open", "read", "close")
	fn := m.AddFunction("linear")
	b := fn.AddBlock("entry")
	b.Instrs = []ir.Instr{
		callTo(m, "open"),
		{Op: ir.OpGeneric, Text: "add"},
		callTo(m, "read"),
		callTo(m, "close"),
	}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	g := ext.Graph

	if len(g.Nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(g.Nodes))
	}
	wantDummy := []int{0, 1, 2}
	wantUnique := []int{1, 2, 3}
	for i, n := range g.Nodes {
		if n.DummyID != wantDummy[i] || n.UniqueID != wantUnique[i] {
			t.Errorf("node %d ids (%d,%d), want (%d,%d)", i, n.DummyID, n.UniqueID, wantDummy[i], wantUnique[i])
		}
	}

	if len(g.Edges) != 2 {
		t.Fatalf("got %d edges, want 2", len(g.Edges))
	}
	// Consecutive sites: each edge consumes its source's own id.
	if g.Edges[0].Src != 0 || g.Edges[0].Dst != 1 || g.Edges[0].MatchDummy != 0 {
		t.Errorf("edge 0 = %+v, want 0->1 match 0", g.Edges[0])
	}
	if g.Edges[1].Src != 1 || g.Edges[1].Dst != 2 || g.Edges[1].MatchDummy != 1 {
		t.Errorf("edge 1 = %+v, want 1->2 match 1", g.Edges[1])
	}

	if got := g.StartSet(); len(got) != 1 || got[0] != 0 {
		t.Errorf("start set %v, want [0]", got)
	}
}

func TestBranchEpsilonEdges(t *testing.T) {
	// entry calls open, then branches to a read block and a write block.
	m := buildModule("open", "read", "write")
	fn := m.AddFunction("branch")
	entry := fn.AddBlock("entry")
	readBlk := fn.AddBlock("then")
	writeBlk := fn.AddBlock("else")
	entry.Instrs = []ir.Instr{callTo(m, "open")}
	entry.Succs = []*ir.Block{readBlk, writeBlk}
	readBlk.Instrs = []ir.Instr{callTo(m, "read")}
	writeBlk.Instrs = []ir.Instr{callTo(m, "write")}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	g := ext.Graph

	if len(g.Nodes) != 3 || len(g.Edges) != 2 {
		t.Fatalf("got %d nodes %d edges, want 3 nodes 2 edges", len(g.Nodes), len(g.Edges))
	}
	for i, e := range g.Edges {
		if !e.Epsilon {
			t.Errorf("edge %d not ε: %+v", i, e)
		}
		if e.Src != 0 {
			t.Errorf("edge %d src %d, want 0", i, e.Src)
		}
	}
	if g.Edges[0].Dst == g.Edges[1].Dst {
		t.Error("both ε edges lead to the same successor")
	}
}

func TestCallLessBlocksAreSkippedTransitively(t *testing.T) {
	// entry -> mid (no calls) -> tail: reachability must survive mid.
	m := buildModule("open", "close")
	fn := m.AddFunction("skip")
	entry := fn.AddBlock("entry")
	mid := fn.AddBlock("mid")
	tail := fn.AddBlock("tail")
	entry.Instrs = []ir.Instr{callTo(m, "open")}
	entry.Succs = []*ir.Block{mid}
	mid.Instrs = []ir.Instr{{Op: ir.OpGeneric, Text: "jump"}}
	mid.Succs = []*ir.Block{tail}
	tail.Instrs = []ir.Instr{callTo(m, "close")}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	g := ext.Graph

	if len(g.Edges) != 1 {
		t.Fatalf("got %d edges, want 1 ε edge across the call-less block", len(g.Edges))
	}
	e := g.Edges[0]
	if !e.Epsilon || e.Src != 0 || e.Dst != 1 {
		t.Errorf("edge %+v, want ε 0->1", e)
	}
}

func TestLoopProducesCycle(t *testing.T) {
	// body -> body back edge: the automaton must contain the cycle.
	m := buildModule("read")
	fn := m.AddFunction("loop")
	body := fn.AddBlock("body")
	body.Instrs = []ir.Instr{callTo(m, "read")}
	body.Succs = []*ir.Block{body}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	g := ext.Graph
	if len(g.Edges) != 1 || !g.Edges[0].Epsilon || g.Edges[0].Src != 0 || g.Edges[0].Dst != 0 {
		t.Errorf("edges %+v, want single ε self edge", g.Edges)
	}
}

func TestCandidateFilter(t *testing.T) {
	m := buildModule("open", "runtime.newobject")
	m.EnsureDecl("local", false)
	fn := m.AddFunction("filter")
	b := fn.AddBlock("entry")
	b.Instrs = []ir.Instr{
		callTo(m, "runtime.newobject"), // intrinsic, excluded
		callTo(m, "local"),             // defined in module, excluded
		callTo(m, "open"),              // library call
	}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if len(ext.Sites) != 1 || ext.Sites[0].Callee != "open" {
		t.Errorf("sites %+v, want only the open call", ext.Sites)
	}
}

func TestZeroSiteFunction(t *testing.T) {
	m := buildModule()
	fn := m.AddFunction("empty")
	b := fn.AddBlock("entry")
	b.Instrs = []ir.Instr{{Op: ir.OpGeneric, Text: "ret"}}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if len(ext.Graph.Nodes) != 0 || len(ext.Graph.Edges) != 0 {
		t.Errorf("zero-site graph not empty: %+v", ext.Graph)
	}
	if got := ext.Graph.StartSet(); got != nil {
		t.Errorf("start set %v, want empty", got)
	}
}

func TestDummyCollision(t *testing.T) {
	// With mod 2, sites 0 and 2 share dummy id 0.
	m := buildModule("open", "read", "close")
	fn := m.AddFunction("collide")
	b := fn.AddBlock("entry")
	b.Instrs = []ir.Instr{
		callTo(m, "open"),
		callTo(m, "read"),
		callTo(m, "close"),
	}

	cfg := DefaultConfig()
	cfg.Mod = 2
	ext, err := NewExtractor(cfg).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}

	collisions := ext.Collisions()
	if len(collisions) != 1 || collisions[0] != 0 {
		t.Errorf("collisions %v, want [0]", collisions)
	}
	if got := ext.Buckets[0]; len(got) != 2 {
		t.Errorf("bucket 0 holds %v, want two nodes", got)
	}
	// Unique ids still distinguish the colliding sites.
	if ext.Graph.Nodes[0].UniqueID == ext.Graph.Nodes[2].UniqueID {
		t.Error("unique ids collide")
	}
	if ext.Graph.Nodes[0].DummyID != ext.Graph.Nodes[2].DummyID {
		t.Error("expected sites 0 and 2 to share a dummy id")
	}
	if ext.Sites[2].IDs.ResetCount != 1 {
		t.Errorf("site 2 reset count %d, want 1", ext.Sites[2].IDs.ResetCount)
	}
}

func TestCallsInOrderRecords(t *testing.T) {
	m := buildModule("open", "read")
	fn := m.AddFunction("calls")
	b := fn.AddBlock("entry")
	open := callTo(m, "open")
	open.Line = 12
	b.Instrs = []ir.Instr{open, callTo(m, "read")}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	calls := ext.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d call records, want 2", len(calls))
	}
	if calls[0].IRLocation != "line 12" {
		t.Errorf("location %q, want \"line 12\"", calls[0].IRLocation)
	}
	if calls[1].IRLocation != "unknown" {
		t.Errorf("location %q, want \"unknown\"", calls[1].IRLocation)
	}
	if calls[0].Name != "open" || calls[0].UniqueID != 1 || calls[0].DummyID != 0 {
		t.Errorf("first record %+v", calls[0])
	}
}

func TestStartSetPolicyKnob(t *testing.T) {
	m := buildModule("open", "read")
	fn := m.AddFunction("twoblocks")
	a := fn.AddBlock("a")
	b := fn.AddBlock("b")
	a.Instrs = []ir.Instr{callTo(m, "open")}
	b.Instrs = []ir.Instr{callTo(m, "read")}
	// No successor relation: two disconnected sites, both in-degree zero.

	cfg := DefaultConfig()
	x := NewExtractor(cfg)
	ext, err := x.Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if got := x.StartSet(ext.Graph); len(got) != 2 {
		t.Errorf("in-degree policy start set %v, want both nodes", got)
	}

	cfg.StartSet = StartSetFirstNode
	x = NewExtractor(cfg)
	if got := x.StartSet(ext.Graph); len(got) != 1 || got[0] != 0 {
		t.Errorf("first-node policy start set %v, want [0]", got)
	}
}

func TestDOT(t *testing.T) {
	m := buildModule("open", "read")
	fn := m.AddFunction("dotted")
	b := fn.AddBlock("entry")
	b.Instrs = []ir.Instr{callTo(m, "open"), callTo(m, "read")}

	ext, err := NewExtractor(DefaultConfig()).Function(fn)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	dot := DOT(ext.Graph)
	for _, want := range []string{
		`digraph "dotted"`,
		"rankdir=LR",
		`n0 [shape=circle`,
		"(dummy=0)",
		"(uid=1)",
		`n0 -> n1 [label="open"]`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("dot output missing %q:\n%s", want, dot)
		}
	}
}
