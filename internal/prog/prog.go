// Package prog declares the contracts the analysis engine consumes from the
// loaded binary: the type/signature database, the memory model, and the
// annotation sink that receives renames, typed data, created functions and
// comments. The decompiler contract lives in internal/pcode next to the IR
// it produces.
package prog

import (
	"efiscout/internal/pcode"
)

// Type is a named data type resolved from the program's type database.
type Type struct {
	Name    string `json:"name"`
	Pointer bool   `json:"pointer,omitempty"`
}

// FuncDef is a function prototype: a name plus its declared parameter count.
type FuncDef struct {
	Name   string `json:"name"`
	Params int    `json:"params"`
	Return string `json:"return"`
}

// OverrideTx is a scoped signature-override transaction against a single
// call site. Exactly one of Commit or Rollback must be called; Rollback
// after a successful Commit is a no-op.
type OverrideTx interface {
	// Set stages def as the call target's signature.
	Set(def FuncDef) error
	Commit() error
	Rollback()
}

// TypeDB is the program's type and prototype database.
type TypeDB interface {
	// FindTypes returns every type whose name matches exactly.
	FindTypes(name string) []Type

	// FindFuncDefs returns every function prototype whose name matches.
	FindFuncDefs(name string) []FuncDef

	// Override opens a signature-override transaction for the indirect
	// call at callAddr inside the function entered at fnEntry. Overrides
	// against the same address must not interleave.
	Override(fnEntry, callAddr uint64) (OverrideTx, error)
}

// Block describes one memory block of the loaded image.
type Block struct {
	Name  string
	Start uint64
	Size  uint64
}

// Memory is the loaded binary's memory model.
type Memory interface {
	// ReadAt fills p with the bytes at addr. A partial or failed read
	// returns an error and leaves p unspecified.
	ReadAt(addr uint64, p []byte) error

	// Blocks lists the image's memory blocks in address order.
	Blocks() []Block

	// BlockByName looks a block up by its marker name.
	BlockByName(name string) (Block, bool)

	// ReadBlock returns the full contents of a named block.
	ReadBlock(name string) ([]byte, error)

	// CreateBlock adds a dedicated non-code block holding data.
	CreateBlock(name string, data []byte) error

	// RemoveBlock deletes a named block.
	RemoveBlock(name string) error

	// MakeAccessible marks every block readable, writable and
	// executable so the GUID scan and pointer reads cannot fault.
	MakeAccessible() error
}

// Annotator receives the engine's side-channel output: typed globals,
// retyped locals, created functions and plate comments. Implementations
// write into the binary's database (or a command file consumed by one).
type Annotator interface {
	// DefineData types and names the global at addr.
	DefineData(addr uint64, typ Type, name string) error

	// DefineLocal types and renames a local variable of function fn.
	DefineLocal(fn string, v *pcode.Varnode, typ Type, name string) error

	// CreateFunction creates a function at addr with the given
	// prototype and name. Idempotent when the function exists.
	CreateFunction(addr uint64, def FuncDef, name string) error

	// SetComment attaches a plate comment at addr.
	SetComment(addr uint64, text string) error

	// LabelAt returns the existing symbol name at addr, "" if none.
	LabelAt(addr uint64) string
}

// Program bundles the collaborators for one loaded binary.
type Program struct {
	ImageBase uint64
	Entry     uint64
	Decomp    pcode.Decompiler
	Types     TypeDB
	Mem       Memory
	Ann       Annotator
}
