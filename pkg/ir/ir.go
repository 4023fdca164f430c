// Package ir is the module-level intermediate representation consumed by the
// policy extractor and the instrumenter. A reader (for example the ssabridge
// subpackage) builds a Module from whatever toolchain it fronts; extract and
// instrument only ever see these types.
package ir

// Op distinguishes the instruction kinds the sandbox cares about. Everything
// that is not a call is opaque.
type Op uint8

const (
	OpGeneric Op = iota
	OpCall
)

// FuncDecl names a function known to the module. External declarations have
// no body in the module; invoking one is what makes a call site a
// library-call candidate.
type FuncDecl struct {
	Name     string
	External bool
}

// Instr is a single instruction. Callee is set only for OpCall. Text is an
// informational rendering of the instruction; Line is the source line when
// the reader had debug locations, zero otherwise.
type Instr struct {
	Op     Op
	Callee *FuncDecl
	Args   []string
	Text   string
	Line   int
}

// Block is a basic block: an ordered instruction list plus its successors in
// the function's control-flow graph.
type Block struct {
	Index  int
	Name   string
	Instrs []Instr
	Succs  []*Block
}

// InsertBefore inserts instr ahead of position i.
func (b *Block) InsertBefore(i int, instr Instr) {
	b.Instrs = append(b.Instrs, Instr{})
	copy(b.Instrs[i+1:], b.Instrs[i:])
	b.Instrs[i] = instr
}

// Function is a defined function with a body.
type Function struct {
	Name   string
	Blocks []*Block
}

// AddBlock appends an empty block and returns it.
func (f *Function) AddBlock(name string) *Block {
	b := &Block{Index: len(f.Blocks), Name: name}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Module is a translation unit: its defined functions and the declarations
// they reference.
type Module struct {
	Name  string
	Funcs []*Function
	decls map[string]*FuncDecl
	Decls []*FuncDecl
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, decls: make(map[string]*FuncDecl)}
}

// AddFunction appends a defined function.
func (m *Module) AddFunction(name string) *Function {
	f := &Function{Name: name}
	m.Funcs = append(m.Funcs, f)
	return f
}

// EnsureDecl returns the declaration for name, creating it with the given
// external flag if the module does not know it yet. Inserting the same name
// twice yields the same declaration; the flag of an existing declaration is
// left unchanged.
func (m *Module) EnsureDecl(name string, external bool) *FuncDecl {
	if m.decls == nil {
		m.decls = make(map[string]*FuncDecl)
	}
	if d, ok := m.decls[name]; ok {
		return d
	}
	d := &FuncDecl{Name: name, External: external}
	m.decls[name] = d
	m.Decls = append(m.Decls, d)
	return d
}

// LookupDecl returns the declaration for name, or nil.
func (m *Module) LookupDecl(name string) *FuncDecl {
	if m.decls == nil {
		return nil
	}
	return m.decls[name]
}
