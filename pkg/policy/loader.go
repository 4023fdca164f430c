package policy

import (
	"fmt"

	"libcall.sandbox/pkg/automaton"
)

// BuildBlob selects one function from the artifact and lowers its automaton
// into an install blob for the given pid. The match id of each consuming
// edge is the artifact's matchDummy or matchUnique depending on mode; for ε
// edges the match id is left at -1 and ignored by the engine. The start set
// is deliberately not computed here: the engine derives it from the edge
// list itself, so there is exactly one source of truth.
func BuildBlob(a *Artifact, funcIndex int, pid uint32, mode IDMode) (*InstallBlob, error) {
	if funcIndex < 0 || funcIndex >= len(a.Functions) {
		return nil, fmt.Errorf("function index %d out of range: artifact has %d functions", funcIndex, len(a.Functions))
	}
	fp := &a.Functions[funcIndex]
	blob := &InstallBlob{
		Pid:      pid,
		NumNodes: uint32(len(fp.NodeLabels)),
		IDMode:   mode,
	}
	for _, e := range fp.Edges {
		t := automaton.Transition{
			Src:     uint32(e.Src),
			Dst:     uint32(e.Dst),
			MatchID: -1,
		}
		if e.Label == automaton.EpsilonLabel {
			t.Epsilon = true
		} else if mode == IDModeUnique {
			t.MatchID = int32(e.MatchUnique)
		} else {
			t.MatchID = int32(e.MatchDummy)
		}
		blob.Edges = append(blob.Edges, t)
	}
	return blob, nil
}
