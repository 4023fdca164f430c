// Package extract builds the per-function library-call automata from an IR
// module and allocates the marker identifiers the instrumenter emits.
package extract

import (
	"fmt"
	"strings"

	"libcall.sandbox/pkg/automaton"
	"libcall.sandbox/pkg/ir"
	"libcall.sandbox/pkg/policy"
)

// StartSetPolicy selects how a graph's start set is derived. The in-degree
// heuristic can elect several unrelated start nodes in functions whose first
// block joins from multiple callers; callers who care can pin the entry
// block instead.
type StartSetPolicy int

const (
	// StartSetInDegree elects nodes with zero consuming in-degree,
	// falling back to node 0.
	StartSetInDegree StartSetPolicy = iota
	// StartSetFirstNode always elects node 0 alone.
	StartSetFirstNode
)

// Config tunes the extractor.
type Config struct {
	// Mod is the dummy-id modulus.
	Mod int
	// IDMode selects which identifier the instrumenter emits.
	IDMode policy.IDMode
	// IntrinsicPrefix excludes toolchain intrinsics from the candidate
	// filter. Calls to external declarations whose name begins with this
	// prefix are not library calls.
	IntrinsicPrefix string
	// StartSet selects the start-set derivation.
	StartSet StartSetPolicy
}

// DefaultConfig mirrors the pass defaults: modulus 200, dummy mode,
// runtime-prefixed intrinsics excluded.
func DefaultConfig() Config {
	return Config{Mod: 200, IDMode: policy.IDModeDummy, IntrinsicPrefix: "runtime."}
}

// Site is one library-call site located in its block, with the identifiers
// assigned to it. The instrumenter uses Block/Index to place the emit call.
type Site struct {
	Block  *ir.Block
	Index  int
	Node   int
	Callee string
	Line   int
	IDs    Assignment
}

// Extraction is the result of extracting one function.
type Extraction struct {
	Graph *automaton.Graph
	Sites []Site
	// Buckets indexes node indices by dummy id; a bucket with more than
	// one entry is a dummy collision (distinguishable only in unique
	// mode).
	Buckets map[int][]int
}

// Calls renders the sites as artifact debug records.
func (e *Extraction) Calls() []policy.CallSite {
	var calls []policy.CallSite
	for _, s := range e.Sites {
		loc := "unknown"
		if s.Line > 0 {
			loc = fmt.Sprintf("line %d", s.Line)
		}
		calls = append(calls, policy.CallSite{
			Name:       s.Callee,
			UniqueID:   s.IDs.UniqueID,
			DummyID:    s.IDs.DummyID,
			ResetCount: s.IDs.ResetCount,
			IRLocation: loc,
		})
	}
	return calls
}

// Collisions returns the dummy ids shared by more than one site.
func (e *Extraction) Collisions() []int {
	var ids []int
	for id, nodes := range e.Buckets {
		if len(nodes) > 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Extractor derives one automaton graph per function.
type Extractor struct {
	cfg Config
}

// NewExtractor returns an extractor for the given config.
func NewExtractor(cfg Config) *Extractor {
	if cfg.Mod <= 0 {
		cfg.Mod = 200
	}
	return &Extractor{cfg: cfg}
}

// isLibraryCall applies the candidate filter: the callee must be an external
// declaration whose name is not an intrinsic.
func (x *Extractor) isLibraryCall(ins ir.Instr) bool {
	if ins.Op != ir.OpCall || ins.Callee == nil {
		return false
	}
	if !ins.Callee.External {
		return false
	}
	if x.cfg.IntrinsicPrefix != "" && strings.HasPrefix(ins.Callee.Name, x.cfg.IntrinsicPrefix) {
		return false
	}
	return true
}

// Function extracts the library-call automaton of one function. Zero-site
// functions yield an empty graph; the engine refuses to install a policy
// built from one, because it has zero nodes.
func (x *Extractor) Function(fn *ir.Function) (*Extraction, error) {
	g := &automaton.Graph{FunctionName: fn.Name}
	ext := &Extraction{Graph: g, Buckets: make(map[int][]int)}
	assigner := NewAssigner(x.cfg.Mod)

	// One node per call site, identifiers assigned in program order.
	perBlock := make([]blockSites, len(fn.Blocks))
	for bi, b := range fn.Blocks {
		perBlock[bi] = blockSites{first: -1, last: -1}
		for ii, ins := range b.Instrs {
			if !x.isLibraryCall(ins) {
				continue
			}
			idx := g.AddNode(ins.Callee.Name)
			ids := assigner.Next()
			g.Nodes[idx].DummyID = ids.DummyID
			g.Nodes[idx].UniqueID = ids.UniqueID
			ext.Buckets[ids.DummyID] = append(ext.Buckets[ids.DummyID], idx)
			ext.Sites = append(ext.Sites, Site{
				Block:  b,
				Index:  ii,
				Node:   idx,
				Callee: ins.Callee.Name,
				Line:   ins.Line,
				IDs:    ids,
			})
			if perBlock[bi].first < 0 {
				perBlock[bi].first = idx
			}
			perBlock[bi].last = idx
		}
	}

	// Consuming edges between consecutive sites of a block. The edge out
	// of a site matches that site's own identifier: its marker is emitted
	// just before the call runs.
	for bi := range fn.Blocks {
		bs := perBlock[bi]
		if bs.first < 0 {
			continue
		}
		for n := bs.first; n < bs.last; n++ {
			g.AddEdge(n, n+1)
		}
	}

	// ε edges from the last site of a block to the first site of every
	// call-bearing successor. Call-less blocks are skipped transitively
	// so reachability across them is preserved.
	for bi, b := range fn.Blocks {
		bs := perBlock[bi]
		if bs.last < 0 {
			continue
		}
		for _, target := range callBearingSuccessors(b, perBlock) {
			g.AddEpsilonEdge(bs.last, perBlock[target].first)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", fn.Name, err)
	}
	return ext, nil
}

// blockSites records the first and last call-site node of one block, -1
// when the block has none.
type blockSites struct {
	first, last int
}

// callBearingSuccessors walks b's successor relation and returns the block
// indices of the nearest successors that contain at least one call site,
// looking through blocks that have none.
func callBearingSuccessors(b *ir.Block, perBlock []blockSites) []int {
	var out []int
	seen := make(map[int]bool)
	var visit func(blk *ir.Block)
	visit = func(blk *ir.Block) {
		for _, succ := range blk.Succs {
			if seen[succ.Index] {
				continue
			}
			seen[succ.Index] = true
			if perBlock[succ.Index].first >= 0 {
				out = append(out, succ.Index)
				continue
			}
			visit(succ)
		}
	}
	visit(b)
	return out
}

// StartSet applies the configured start-set policy to an extracted graph.
func (x *Extractor) StartSet(g *automaton.Graph) []int {
	if x.cfg.StartSet == StartSetFirstNode && len(g.Nodes) > 0 {
		return []int{0}
	}
	return g.StartSet()
}
