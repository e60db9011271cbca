package engine

import (
	"fmt"

	"github.com/apex/log"

	"efiscout/internal/pcode"
)

// recordGetVariable registers one GetVariable call site under its enclosing
// function and immediately checks it against every previously recorded site
// in that function. Two sites sharing a DataSize definition address with no
// intervening write form a confirmed overflow pair: the size learned by the
// first call is reused unmodified by the second, so a fixed-size buffer can
// be overrun when the returned size is ignored. Call sites and confirmed
// pairs both land in the findings ledger.
func (s *Session) recordGetVariable(fn *pcode.Func, call *pcode.Op) {
	s.ledger.GetVariable[OffsetKey(s.offset(call.Seq.Target))] = GetVariableRecord{Function: fn.Name}

	sizeDef, ok := DefAddress(call.Input(4))
	if !ok {
		// Definition site unresolvable; still record nothing, the
		// detector needs a comparable definition address.
		return
	}
	rec := getVarCall{op: call, sizeDef: sizeDef}

	for _, prev := range s.getVarCalls[fn.Entry] {
		if prev.sizeDef != sizeDef {
			continue
		}
		first, second := prev.op, call
		if first.Seq.Order > second.Seq.Order {
			first, second = second, first
		}
		if modifiedBetween(fn, first, second, sizeDef, s.opts.CheckReads) {
			continue
		}
		log.WithFields(log.Fields{
			"func":   fn.Name,
			"first":  fmt.Sprintf("%#x", first.Seq.Target),
			"second": fmt.Sprintf("%#x", second.Seq.Target),
		}).Warn("potential GetVariable overflow")
		s.overflows = append(s.overflows, OverflowFinding{
			First:  first.Seq.Target,
			Second: second.Seq.Target,
			Func:   fn.Name,
		})
		s.ledger.Overflows[OffsetKey(s.offset(first.Seq.Target))] = OverflowRecord{
			Second:   OffsetKey(s.offset(second.Seq.Target)),
			Function: fn.Name,
		}
		break
	}
	s.getVarCalls[fn.Entry] = append(s.getVarCalls[fn.Entry], rec)
}

// modifiedBetween reports whether any op strictly between first and second
// (by sequence order) writes the storage at loc. Ops lifted from the same
// machine instruction as either endpoint are skipped. When checkReads is
// set, an op merely consuming a value defined at loc also counts.
func modifiedBetween(fn *pcode.Func, first, second *pcode.Op, loc pcode.Loc, checkReads bool) bool {
	for _, op := range fn.Ops {
		if op.Seq.Order <= first.Seq.Order {
			continue
		}
		if op.Seq.Order >= second.Seq.Order {
			break
		}
		if op.Seq.Target == first.Seq.Target || op.Seq.Target == second.Seq.Target {
			continue
		}
		if checkReads {
			for _, in := range op.Inputs {
				if d, ok := DefAddress(in); ok && d == loc {
					return true
				}
			}
		}
		if op.Output != nil && op.Output.Loc() == loc {
			return true
		}
	}
	return false
}

// AnnotateOverflows writes a linked pair of comments for every confirmed
// overflow, sharing a 0-based sequence number so the two sites reference
// each other.
func (s *Session) AnnotateOverflows() {
	log.Info("annotating GetVariable overflows")
	for i, f := range s.overflows {
		a := fmt.Sprintf("Potential GetVariable overflow #%d: %#x", i, f.Second)
		b := fmt.Sprintf("Potential GetVariable overflow #%d: %#x", i, f.First)
		if err := s.prog.Ann.SetComment(f.First, a); err != nil {
			log.Warnf("annotate overflow at %#x: %v", f.First, err)
		}
		if err := s.prog.Ann.SetComment(f.Second, b); err != nil {
			log.Warnf("annotate overflow at %#x: %v", f.Second, err)
		}
	}
}
