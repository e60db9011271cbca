package engine

import (
	"fmt"

	"github.com/apex/log"

	"efiscout/internal/pcode"
)

// moduleEntryPoint is the prototype the module entry is typed with.
const moduleEntryPoint = "_ModuleEntryPoint"

// ForwardRootPointers types the module entry point and interprocedurally
// propagates its two parameter slots (the boot-services and
// runtime-services table pointers) through call arguments, producing the
// set of image addresses proven to hold a copy of each root. Must run
// before the callout detector; the sets are frozen once dispatch begins.
func (s *Session) ForwardRootPointers() error {
	def := s.lookupFuncDef(moduleEntryPoint, 2)
	if err := s.prog.Ann.CreateFunction(s.prog.Entry, def, "ModuleEntryPoint"); err != nil {
		return fmt.Errorf("type entry point: %w", err)
	}

	s.bsAddrs = s.forward(s.prog.Entry, 0)
	s.rsAddrs = s.forward(s.prog.Entry, 1)
	log.Infof("forwarded root pointers: %d boot-services, %d runtime-services addresses",
		len(s.bsAddrs), len(s.rsAddrs))
	return nil
}

// taintKey memoizes the forwarding walk per (function, parameter slot).
type taintKey struct {
	entry uint64
	param int
}

// forward runs the fixed-point reachability computation for one root: a
// call-graph walk seeded at the entry function's parameter slot, following
// copies into globals and argument positions into callees. The address set
// grows monotonically and the walk is memoized, so it terminates on any
// finite call graph.
func (s *Session) forward(entry uint64, param int) addrSet {
	result := make(addrSet)
	visited := make(map[taintKey]bool)

	var walk func(entry uint64, param int)
	walk = func(entry uint64, param int) {
		key := taintKey{entry, param}
		if visited[key] {
			return
		}
		visited[key] = true

		hf, err := s.decompile(entry, s.opts.DecompTimeout)
		if err != nil {
			log.Warnf("forwarding: decompile %#x: %v (skipping)", entry, err)
			return
		}
		if param >= len(hf.Params) {
			return
		}

		tainted := map[pcode.Loc]bool{hf.Params[param].Loc(): true}
		isTainted := func(v *pcode.Varnode) bool {
			if v == nil {
				return false
			}
			if v.IsAddress() && result.has(v.Offset) {
				return true
			}
			return tainted[v.Loc()]
		}

		for _, op := range hf.Ops {
			switch op.Code {
			case pcode.OpCopy, pcode.OpCast, pcode.OpPtrAdd, pcode.OpIntAdd, pcode.OpMultiEqual:
				if op.Output != nil && isTainted(op.Input(0)) {
					tainted[op.Output.Loc()] = true
					if op.Output.IsAddress() {
						result.add(op.Output.Offset)
					}
				}
			case pcode.OpLoad:
				ptr := op.Input(1)
				if op.Output != nil && ptr != nil && ptr.IsConst() && result.has(ptr.Offset) {
					tainted[op.Output.Loc()] = true
				}
			case pcode.OpStore:
				ptr, val := op.Input(1), op.Input(2)
				if ptr == nil || val == nil || !isTainted(val) {
					continue
				}
				if ptr.IsConst() || ptr.IsAddress() {
					result.add(ptr.Offset)
				}
			case pcode.OpCall:
				target := op.Input(0)
				if target == nil || !(target.IsConst() || target.IsAddress()) {
					continue
				}
				for i := 1; i < len(op.Inputs); i++ {
					if isTainted(op.Inputs[i]) {
						walk(target.Offset, i-1)
					}
				}
			}
		}
	}

	walk(entry, param)
	return result
}
