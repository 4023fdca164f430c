// Package policy defines the portable policy artifact emitted by the
// extractor and the packed install blob consumed by the enforcement engine,
// plus the loader that turns one into the other.
package policy

import (
	"encoding/json"
	"fmt"

	"libcall.sandbox/pkg/automaton"
)

// IDMode selects which per-site identifier markers carry and edges match.
type IDMode uint32

const (
	IDModeDummy IDMode = iota
	IDModeUnique
)

func (m IDMode) String() string {
	if m == IDModeUnique {
		return "unique"
	}
	return "dummy"
}

// ParseIDMode maps the artifact tag to an IDMode.
func ParseIDMode(s string) (IDMode, error) {
	switch s {
	case "dummy":
		return IDModeDummy, nil
	case "unique":
		return IDModeUnique, nil
	}
	return IDModeDummy, fmt.Errorf("unknown id mode %q", s)
}

// CallSite is the debugging record of one library-call site in program
// order. Both identifiers are recorded regardless of the active mode.
type CallSite struct {
	Name       string `json:"name"`
	UniqueID   int    `json:"uniqueID"`
	DummyID    int    `json:"dummyID"`
	ResetCount int    `json:"resetCount"`
	IRLocation string `json:"irLocation"`
}

// ArtifactEdge is one serialized automaton edge. A label of "ϵ" must carry
// matchDummy = matchUnique = -1.
type ArtifactEdge struct {
	Src         int    `json:"src"`
	Dst         int    `json:"dst"`
	Label       string `json:"label"`
	MatchDummy  int    `json:"matchDummy"`
	MatchUnique int    `json:"matchUnique"`
}

// FunctionPolicy is the self-describing automaton of one function.
type FunctionPolicy struct {
	FunctionName  string         `json:"functionName"`
	CallsInOrder  []CallSite     `json:"callsInOrder"`
	Mod           int            `json:"mod"`
	IDMode        string         `json:"idMode"`
	NodeLabels    []string       `json:"nodeLabels"`
	NodeDummyIDs  []int          `json:"nodeDummyIDs"`
	NodeUniqueIDs []int          `json:"nodeUniqueIDs"`
	Edges         []ArtifactEdge `json:"edges"`
}

// Artifact is the aggregated policy for a module.
type Artifact struct {
	Functions []FunctionPolicy `json:"functions"`
}

// FromGraph converts an extracted graph into its artifact form.
func FromGraph(g *automaton.Graph, mod int, mode IDMode, calls []CallSite) FunctionPolicy {
	fp := FunctionPolicy{
		FunctionName: g.FunctionName,
		CallsInOrder: calls,
		Mod:          mod,
		IDMode:       mode.String(),
	}
	for _, n := range g.Nodes {
		fp.NodeLabels = append(fp.NodeLabels, n.Pretty)
		fp.NodeDummyIDs = append(fp.NodeDummyIDs, n.DummyID)
		fp.NodeUniqueIDs = append(fp.NodeUniqueIDs, n.UniqueID)
	}
	for _, e := range g.Edges {
		fp.Edges = append(fp.Edges, ArtifactEdge{
			Src:         e.Src,
			Dst:         e.Dst,
			Label:       e.Label,
			MatchDummy:  e.MatchDummy,
			MatchUnique: e.MatchUnique,
		})
	}
	return fp
}

// Graph reconstructs the automaton graph of one serialized function.
func (fp *FunctionPolicy) Graph() *automaton.Graph {
	g := &automaton.Graph{FunctionName: fp.FunctionName}
	for i, label := range fp.NodeLabels {
		g.Nodes = append(g.Nodes, automaton.Node{
			Pretty:   label,
			DummyID:  fp.NodeDummyIDs[i],
			UniqueID: fp.NodeUniqueIDs[i],
		})
	}
	for _, e := range fp.Edges {
		g.Edges = append(g.Edges, automaton.Edge{
			Src:         e.Src,
			Dst:         e.Dst,
			Label:       e.Label,
			Epsilon:     e.Label == automaton.EpsilonLabel,
			MatchDummy:  e.MatchDummy,
			MatchUnique: e.MatchUnique,
		})
	}
	return g
}

// Encode serializes the artifact as indented JSON.
func (a *Artifact) Encode() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// Parse decodes and validates an artifact.
func Parse(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("malformed policy artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the structural invariants of every function policy.
func (a *Artifact) Validate() error {
	for fi := range a.Functions {
		fp := &a.Functions[fi]
		if _, err := ParseIDMode(fp.IDMode); err != nil {
			return fmt.Errorf("function %q: %w", fp.FunctionName, err)
		}
		n := len(fp.NodeLabels)
		if len(fp.NodeDummyIDs) != n || len(fp.NodeUniqueIDs) != n {
			return fmt.Errorf("function %q: node array lengths disagree (%d labels, %d dummy, %d unique)",
				fp.FunctionName, n, len(fp.NodeDummyIDs), len(fp.NodeUniqueIDs))
		}
		for ei, e := range fp.Edges {
			if e.Src < 0 || e.Src >= n || e.Dst < 0 || e.Dst >= n {
				return fmt.Errorf("function %q: edge %d endpoints (%d,%d) out of range [0,%d)",
					fp.FunctionName, ei, e.Src, e.Dst, n)
			}
			if e.Label == automaton.EpsilonLabel && (e.MatchDummy != -1 || e.MatchUnique != -1) {
				return fmt.Errorf("function %q: edge %d: ε label with match ids %d/%d",
					fp.FunctionName, ei, e.MatchDummy, e.MatchUnique)
			}
		}
	}
	return nil
}
