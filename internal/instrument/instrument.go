// Package instrument inserts the marker-emission calls in front of library
// call sites. The only IR it adds is a call to the externally declared
// emit(int32) stub; nothing else is touched.
package instrument

import (
	"strconv"

	"libcall.sandbox/pkg/ir"
)

// EmitFuncName is the marker stub's symbol. The declaration is inserted into
// the module once if absent.
const EmitFuncName = "emit"

// Marker places one emission: the call site at Index of Block gets an
// emit(ID) call inserted immediately before it. Line is carried onto the new
// instruction so debug locations survive instrumentation.
type Marker struct {
	Block *ir.Block
	Index int
	ID    int32
	Line  int
}

// InsertMarkers rewrites the module in place. Markers within one block must
// be given in program order; insertion walks them in reverse so earlier
// indices stay valid while later ones shift.
func InsertMarkers(m *ir.Module, markers []Marker) {
	if len(markers) == 0 {
		return
	}
	decl := m.EnsureDecl(EmitFuncName, true)
	for i := len(markers) - 1; i >= 0; i-- {
		mk := markers[i]
		mk.Block.InsertBefore(mk.Index, ir.Instr{
			Op:     ir.OpCall,
			Callee: decl,
			Args:   []string{strconv.FormatInt(int64(mk.ID), 10)},
			Line:   mk.Line,
		})
	}
}
