// Package pcode models the decompiler's intermediate representation:
// sequence-numbered operations over typed value slots (varnodes), grouped
// per decompiled function. The engine consumes this IR through the
// Decompiler contract; it never produces it.
package pcode

import "time"

// Opcode identifies a p-code operation. Only the opcodes the analysis
// inspects are named; everything else loads as OpUnknown and is ignored.
type Opcode int

const (
	OpUnknown Opcode = iota
	OpCopy
	OpLoad
	OpStore
	OpCall
	OpCallInd
	OpCast
	OpPtrSub
	OpPtrAdd
	OpIntAdd
	OpIntSub
	OpMultiEqual
	OpIndirect
	OpBranch
	OpCBranch
	OpReturn
)

var opcodeNames = map[Opcode]string{
	OpUnknown:    "UNKNOWN",
	OpCopy:       "COPY",
	OpLoad:       "LOAD",
	OpStore:      "STORE",
	OpCall:       "CALL",
	OpCallInd:    "CALLIND",
	OpCast:       "CAST",
	OpPtrSub:     "PTRSUB",
	OpPtrAdd:     "PTRADD",
	OpIntAdd:     "INT_ADD",
	OpIntSub:     "INT_SUB",
	OpMultiEqual: "MULTIEQUAL",
	OpIndirect:   "INDIRECT",
	OpBranch:     "BRANCH",
	OpCBranch:    "CBRANCH",
	OpReturn:     "RETURN",
}

func (c Opcode) String() string {
	if s, ok := opcodeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseOpcode maps a mnemonic back to its Opcode. Unrecognized mnemonics
// yield OpUnknown rather than an error: the engine only cares about the
// named subset.
func ParseOpcode(s string) Opcode {
	for c, name := range opcodeNames {
		if name == s {
			return c
		}
	}
	return OpUnknown
}

// Space is the address space a varnode lives in.
type Space int

const (
	SpaceRAM      Space = iota // global memory, offset is an image address
	SpaceRegister              // machine register
	SpaceUnique                // decompiler temporary
	SpaceStack                 // stack-relative slot
	SpaceConst                 // constant, offset is the value
)

var spaceNames = map[Space]string{
	SpaceRAM:      "ram",
	SpaceRegister: "register",
	SpaceUnique:   "unique",
	SpaceStack:    "stack",
	SpaceConst:    "const",
}

func (s Space) String() string {
	if n, ok := spaceNames[s]; ok {
		return n
	}
	return "ram"
}

// ParseSpace maps a space name back to its Space constant.
func ParseSpace(s string) Space {
	for sp, name := range spaceNames {
		if name == s {
			return sp
		}
	}
	return SpaceUnique
}

// Loc identifies a varnode's storage: its space plus offset. Two varnodes
// with equal Locs name the same slot.
type Loc struct {
	Space  Space
	Offset uint64
}

// Varnode is one typed value slot in the IR.
type Varnode struct {
	Space  Space
	Offset uint64
	Size   int
	Type   string // declared high-type name, "" when untyped
	Def    *Op    // defining operation, nil for inputs and free values
}

// Loc returns the varnode's storage location.
func (v *Varnode) Loc() Loc { return Loc{v.Space, v.Offset} }

// IsAddress reports whether the varnode names a fixed image address.
func (v *Varnode) IsAddress() bool { return v.Space == SpaceRAM }

// IsRegister reports whether the varnode is a machine register.
func (v *Varnode) IsRegister() bool { return v.Space == SpaceRegister }

// IsConst reports whether the varnode is a constant.
func (v *Varnode) IsConst() bool { return v.Space == SpaceConst }

// SeqNum orders an operation within its function and ties it back to the
// machine instruction it was lifted from.
type SeqNum struct {
	Target uint64 // address of the owning machine instruction
	Order  int    // position in the function's op sequence
}

// Op is a single p-code operation.
type Op struct {
	Seq        SeqNum
	Code       Opcode
	Inputs     []*Varnode
	Output     *Varnode
	BlockStart uint64 // start address of the containing basic block
}

// Input returns the i-th input, or nil when out of range.
func (o *Op) Input(i int) *Varnode {
	if i < 0 || i >= len(o.Inputs) {
		return nil
	}
	return o.Inputs[i]
}

// ArgCount returns the number of call arguments of a CALL/CALLIND op
// (inputs minus the call target).
func (o *Op) ArgCount() int {
	if len(o.Inputs) == 0 {
		return 0
	}
	return len(o.Inputs) - 1
}

// Func is one decompiled function.
type Func struct {
	Name   string
	Entry  uint64
	Params []*Varnode
	Ops    []*Op // ascending Seq.Order
}

// OpsAt returns all ops lifted from the machine instruction at target.
func (f *Func) OpsAt(target uint64) []*Op {
	var out []*Op
	for _, op := range f.Ops {
		if op.Seq.Target == target {
			out = append(out, op)
		}
	}
	return out
}

// FuncInfo identifies a function known to the program listing.
type FuncInfo struct {
	Name  string
	Entry uint64
}

// Decompiler produces IR one function at a time. Implementations are not
// required to be reentrant; the engine serializes re-decompilation requests
// per function. A failed or timed-out decompilation returns an error and
// the caller skips the function.
type Decompiler interface {
	// Functions lists every function in the module, in listing order.
	Functions() []FuncInfo

	// Decompile derives the IR of the function starting at entry,
	// bounded by timeout.
	Decompile(entry uint64, timeout time.Duration) (*Func, error)

	// Containing returns the function whose body covers addr.
	Containing(addr uint64) (FuncInfo, bool)
}
