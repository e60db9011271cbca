package engine

import (
	"encoding/binary"

	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// StorageClass classifies where an operand's value lives.
type StorageClass int

const (
	// ClassUnknown means the operand could not be resolved.
	ClassUnknown StorageClass = iota
	// ClassAddress means the operand names a fixed image address.
	ClassAddress
	// ClassVariable means the operand is a stack or register local.
	ClassVariable
)

// Operand is the result of classifying an IR varnode. It is transient:
// produced per query and never retained.
type Operand struct {
	Class StorageClass
	// Addr is the fixed address for ClassAddress operands.
	Addr uint64
	// Ref marks a ClassAddress operand whose address is a cell holding
	// the value of interest; callers dereference it with Deref.
	Ref bool
	// Var is the underlying local for ClassVariable operands.
	Var *pcode.Varnode
}

// IsAddress reports a fixed-address operand.
func (o Operand) IsAddress() bool { return o.Class == ClassAddress }

// IsVariable reports a stack/register-local operand.
func (o Operand) IsVariable() bool { return o.Class == ClassVariable }

// Deref reads the pointer stored at the operand's address. Used for
// Ref-class operands whose fixed address holds the actual target.
func (o Operand) Deref(mem prog.Memory) (uint64, error) {
	raw := make([]byte, 8)
	if err := mem.ReadAt(o.Addr, raw); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// Classify resolves an operand's storage class by walking its definition
// chain through copy, cast, pointer-subtract and load operations. It is a
// pure query: invoking it twice on the same operand yields the same result.
// Cyclic or unsupported definitions terminate at ClassVariable or
// ClassUnknown rather than failing.
func Classify(v *pcode.Varnode) Operand {
	if v == nil {
		return Operand{Class: ClassUnknown}
	}
	seen := make(map[*pcode.Varnode]bool)
	ref := false
	for v != nil && !seen[v] {
		seen[v] = true
		switch v.Space {
		case pcode.SpaceConst:
			// An address literal: points directly at the storage.
			return Operand{Class: ClassAddress, Addr: v.Offset, Ref: ref}
		case pcode.SpaceRAM:
			// A global slot: the address holds the value.
			return Operand{Class: ClassAddress, Addr: v.Offset, Ref: true}
		}
		d := v.Def
		if d == nil {
			return Operand{Class: ClassVariable, Var: v}
		}
		switch d.Code {
		case pcode.OpCopy, pcode.OpCast:
			v = d.Input(0)
		case pcode.OpLoad:
			// LOAD(space, ptr): the value sits behind ptr.
			ref = true
			v = d.Input(1)
		case pcode.OpPtrSub:
			base, off := d.Input(0), d.Input(1)
			if base != nil && base.IsConst() && base.Offset == 0 && off != nil && off.IsConst() {
				// PTRSUB(0, addr) is address-of a global.
				return Operand{Class: ClassAddress, Addr: off.Offset, Ref: ref}
			}
			// Stack-relative allocation.
			return Operand{Class: ClassVariable, Var: v}
		default:
			return Operand{Class: ClassVariable, Var: v}
		}
	}
	return Operand{Class: ClassUnknown}
}

// DefAddress resolves the definition address of a varnode by walking
// backward through cast chains to the genuine allocation site: the constant
// operand of a pointer-subtract, or the output slot of a copy. An
// unsupported defining operation yields ok false rather than failing.
func DefAddress(v *pcode.Varnode) (pcode.Loc, bool) {
	seen := make(map[*pcode.Varnode]bool)
	for v != nil && !seen[v] {
		seen[v] = true
		d := v.Def
		if d == nil {
			return pcode.Loc{}, false
		}
		switch d.Code {
		case pcode.OpCast:
			v = d.Input(0)
		case pcode.OpPtrSub:
			in := d.Input(1)
			if in == nil {
				return pcode.Loc{}, false
			}
			return in.Loc(), true
		case pcode.OpCopy:
			if d.Output == nil {
				return pcode.Loc{}, false
			}
			return d.Output.Loc(), true
		default:
			return pcode.Loc{}, false
		}
	}
	return pcode.Loc{}, false
}
