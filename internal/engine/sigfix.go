package engine

import (
	"fmt"

	"github.com/apex/log"

	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// synthDef builds a prototype of n untyped pointer parameters returning a
// status code, used when no named prototype exists for a call.
func synthDef(n int) prog.FuncDef {
	return prog.FuncDef{Name: "func", Params: n, Return: "EFI_STATUS"}
}

// lookupFuncDef resolves a prototype by name. Missing or ambiguous
// prototypes produce a warning and fall back to a synthesized one so the
// analysis continues.
func (s *Session) lookupFuncDef(name string, arity int) prog.FuncDef {
	if name == "" {
		return synthDef(arity)
	}
	defs := s.prog.Types.FindFuncDefs(name)
	switch {
	case len(defs) == 0:
		log.Warnf("could not find function definition %s", name)
		return synthDef(arity)
	case len(defs) > 1:
		log.Warnf("multiple function definitions named %s", name)
	}
	return defs[0]
}

// validateCall checks an indirect call's argument count against the named
// prototype (or a synthesized one of the given arity) and repairs a
// mismatch by overriding the call's signature and re-deriving the
// instruction's IR. A call whose arity still disagrees after repair is
// rejected with nil and must be skipped. Repairing an already-correct call
// is a no-op: the override transaction is never entered.
func (s *Session) validateCall(fn *pcode.Func, call *pcode.Op, protoName string, arity int) *pcode.Op {
	def := s.lookupFuncDef(protoName, arity)
	if call.ArgCount() == def.Params {
		return call
	}

	addr := call.Seq.Target
	log.WithFields(log.Fields{
		"func": fn.Name,
		"addr": fmt.Sprintf("%#x", addr),
	}).Warnf("wrong parameter count for %s, trying to recover", def.Name)

	if err := s.overrideSignature(fn.Entry, addr, def); err != nil {
		log.Errorf("error overriding signature: %v", err)
		return nil
	}

	repaired := s.refreshCallInd(fn, addr)
	if repaired == nil || repaired.ArgCount() != def.Params {
		log.WithField("addr", fmt.Sprintf("%#x", addr)).Error("signature recovery failed")
		return nil
	}
	return repaired
}

// overrideSignature writes the call's type override inside a scoped
// transaction: commit on success, rollback and error otherwise.
func (s *Session) overrideSignature(fnEntry, callAddr uint64, def prog.FuncDef) error {
	tx, err := s.prog.Types.Override(fnEntry, callAddr)
	if err != nil {
		return err
	}
	if err := tx.Set(def); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// refreshCallInd forces re-derivation of the function's IR and locates the
// indirect-call op at the given instruction address in the fresh stream.
// The function's cached decompilation is replaced so later API categories
// see the repaired signature.
func (s *Session) refreshCallInd(fn *pcode.Func, callAddr uint64) *pcode.Op {
	fresh, err := s.prog.Decomp.Decompile(fn.Entry, s.opts.RepairTimeout)
	if err != nil {
		log.Warnf("re-decompile %s: %v", fn.Name, err)
		return nil
	}
	s.decomp[fn.Entry] = fresh
	for _, op := range fresh.OpsAt(callAddr) {
		if op.Code == pcode.OpCallInd {
			return op
		}
	}
	return nil
}
