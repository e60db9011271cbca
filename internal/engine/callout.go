package engine

import (
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/zboralski/lattice"

	"efiscout/internal/pcode"
)

// FindCallouts walks the call graph below every recorded software-SMI
// handler looking for instructions that copy a forwarded boot/runtime table
// pointer into a register. SMM code must never retain such pointers: they
// are valid only outside SMM, and dereferencing one from SMM is a
// privilege-escalation-class bug. Each hit is recorded and annotated at its
// instruction address.
func (s *Session) FindCallouts() {
	log.Info("searching for SMM callouts")

	graph := &lattice.Graph{}
	visited := make(map[uint64]bool)

	// Deterministic walk order regardless of map iteration.
	names := make([]string, 0, len(s.smiHandlers))
	for name := range s.smiHandlers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		log.WithField("handler", name).Debug("walking callees")
		s.calloutWalk(s.smiHandlers[name], visited, graph)
	}
	graph.Dedup()
	s.calloutGraph = graph

	for i, f := range s.callouts {
		s.ledger.Callouts[OffsetKey(s.offset(f.Addr))] = CalloutRecord{Root: f.Root}
		text := fmt.Sprintf("Potential SMM callout #%d: %s table pointer", i, f.Root)
		if err := s.prog.Ann.SetComment(f.Addr, text); err != nil {
			log.Warnf("annotate callout at %#x: %v", f.Addr, err)
		}
	}
	log.Infof("smm callouts: %d findings", len(s.callouts))
}

// calloutWalk scans one function and recurses into its callees. Memoized
// by function entry, so cyclic call graphs terminate.
func (s *Session) calloutWalk(entry uint64, visited map[uint64]bool, graph *lattice.Graph) {
	if visited[entry] {
		return
	}
	visited[entry] = true

	hf, err := s.decompile(entry, s.opts.DecompTimeout)
	if err != nil {
		log.Warnf("callout walk: decompile %#x: %v (skipping)", entry, err)
		return
	}
	graph.Nodes = append(graph.Nodes, hf.Name)

	for _, op := range hf.Ops {
		switch op.Code {
		case pcode.OpCall:
			target := op.Input(0)
			if target == nil || !(target.IsConst() || target.IsAddress()) {
				continue
			}
			callee, ok := s.prog.Decomp.Containing(target.Offset)
			if !ok {
				continue
			}
			graph.Edges = append(graph.Edges, lattice.Edge{
				Caller: hf.Name,
				Callee: callee.Name,
			})
			s.calloutWalk(callee.Entry, visited, graph)

		case pcode.OpCopy:
			src, dst := op.Input(0), op.Output
			if src == nil || dst == nil || !src.IsAddress() || !dst.IsRegister() {
				continue
			}
			var root string
			switch {
			case s.bsAddrs.has(src.Offset):
				root = "bootServices"
			case s.rsAddrs.has(src.Offset):
				root = "runtimeServices"
			default:
				continue
			}
			log.WithFields(log.Fields{
				"addr": fmt.Sprintf("%#x", op.Seq.Target),
				"func": hf.Name,
			}).Warn("SMM callout found")
			s.callouts = append(s.callouts, CalloutFinding{
				Addr: op.Seq.Target,
				Root: root,
			})
		}
	}
}

// CalloutGraph returns the deduplicated call graph visited below the
// software-SMI handlers.
func (s *Session) CalloutGraph() *lattice.Graph { return s.calloutGraph }
