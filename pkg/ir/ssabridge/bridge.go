// Package ssabridge builds ir modules from Go packages, using go/packages
// and go/ssa as the reader. Functions without SSA bodies become external
// declarations; calling one is what the extractor treats as a library call.
package ssabridge

import (
	"fmt"
	"go/token"
	"sort"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"libcall.sandbox/pkg/ir"
)

// Load builds an ir.Module covering the packages matched by patterns.
func Load(patterns ...string) (*ir.Module, error) {
	cfg := &packages.Config{
		Mode: packages.LoadAllSyntax,
		Fset: token.NewFileSet(),
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, fmt.Errorf("errors encountered during package loading")
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	name := "module"
	if len(pkgs) > 0 {
		name = pkgs[0].PkgPath
	}
	m := ir.NewModule(name)
	var fns []*ssa.Function
	for _, sp := range ssaPkgs {
		if sp == nil {
			continue
		}
		for _, member := range sp.Members {
			if fn, ok := member.(*ssa.Function); ok && len(fn.Blocks) > 0 {
				fns = append(fns, fn)
			}
		}
	}
	// Members iterate in map order; the artifact wants a stable function
	// sequence.
	sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })
	for _, fn := range fns {
		convertFunction(m, prog.Fset, fn)
	}
	return m, nil
}

func convertFunction(m *ir.Module, fset *token.FileSet, fn *ssa.Function) {
	out := m.AddFunction(fn.String())

	blocks := make(map[*ssa.BasicBlock]*ir.Block, len(fn.Blocks))
	for _, bb := range fn.Blocks {
		blocks[bb] = out.AddBlock(fmt.Sprintf("b%d", bb.Index))
	}
	for _, bb := range fn.Blocks {
		b := blocks[bb]
		for _, succ := range bb.Succs {
			b.Succs = append(b.Succs, blocks[succ])
		}
		for _, instr := range bb.Instrs {
			b.Instrs = append(b.Instrs, convertInstr(m, fset, instr))
		}
	}
}

func convertInstr(m *ir.Module, fset *token.FileSet, instr ssa.Instruction) ir.Instr {
	line := 0
	if pos := instr.Pos(); pos.IsValid() {
		line = fset.Position(pos).Line
	}

	if call, ok := instr.(ssa.CallInstruction); ok {
		if callee := call.Common().StaticCallee(); callee != nil {
			decl := m.EnsureDecl(callee.String(), len(callee.Blocks) == 0)
			var args []string
			for _, arg := range call.Common().Args {
				args = append(args, arg.Name())
			}
			return ir.Instr{Op: ir.OpCall, Callee: decl, Args: args, Line: line}
		}
	}
	return ir.Instr{Op: ir.OpGeneric, Text: instr.String(), Line: line}
}
