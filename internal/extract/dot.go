package extract

import (
	"fmt"
	"strings"

	"libcall.sandbox/pkg/automaton"
)

// DOT renders the graph for graphviz, one circle per call site annotated
// with its identifiers.
func DOT(g *automaton.Graph) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", g.FunctionName)
	sb.WriteString("  rankdir=LR;\n")
	for i, n := range g.Nodes {
		label := fmt.Sprintf("n%d", i)
		if n.Pretty != "" {
			label += "\\n" + n.Pretty
		}
		if n.DummyID >= 0 {
			label += fmt.Sprintf("\\n(dummy=%d)", n.DummyID)
		}
		if n.UniqueID >= 0 {
			label += fmt.Sprintf("\\n(uid=%d)", n.UniqueID)
		}
		fmt.Fprintf(&sb, "  n%d [shape=circle,label=\"%s\"];\n", i, label)
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  n%d -> n%d [label=%q];\n", e.Src, e.Dst, e.Label)
	}
	sb.WriteString("}\n")
	return sb.String()
}
