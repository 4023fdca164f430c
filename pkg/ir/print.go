package ir

import (
	"fmt"
	"strings"
)

// String renders the module in a readable assembly-like form, mainly for
// inspecting instrumented output.
func (m *Module) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s\n", m.Name)
	for _, d := range m.Decls {
		if d.External {
			fmt.Fprintf(&sb, "declare %s\n", d.Name)
		}
	}
	for _, f := range m.Funcs {
		sb.WriteString(f.String())
	}
	return sb.String()
}

func (f *Function) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s {\n", f.Name)
	for _, b := range f.Blocks {
		succs := make([]string, len(b.Succs))
		for i, s := range b.Succs {
			succs[i] = s.Name
		}
		fmt.Fprintf(&sb, "%s: ; succs=[%s]\n", b.Name, strings.Join(succs, " "))
		for _, ins := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(ins.String())
			sb.WriteString("\n")
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (i Instr) String() string {
	switch i.Op {
	case OpCall:
		return fmt.Sprintf("call %s(%s)", i.Callee.Name, strings.Join(i.Args, ", "))
	default:
		if i.Text != "" {
			return i.Text
		}
		return "op"
	}
}
