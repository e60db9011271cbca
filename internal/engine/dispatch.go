package engine

import (
	"fmt"
	"strings"

	"github.com/apex/log"

	"efiscout/internal/pcode"
)

// APIKind enumerates the monitored UEFI service signatures.
type APIKind int

const (
	KindLocateProtocol APIKind = iota
	KindGetSmstLocation2
	KindRegisterProtocolNotify
	KindRegister // REGISTER2-style dispatch/register family, incl. child
	KindInstallProtocolInterface
	KindGetVariable
)

func (k APIKind) String() string {
	switch k {
	case KindLocateProtocol:
		return "locateProtocol"
	case KindGetSmstLocation2:
		return "getSmstLocation2"
	case KindRegisterProtocolNotify:
		return "registerProtocolNotify"
	case KindRegister:
		return "register"
	case KindInstallProtocolInterface:
		return "installProtocolInterface"
	case KindGetVariable:
		return "getVariable"
	}
	return "unknown"
}

// matchRule matches a call target's declared type name: either an exact
// name, or the REGISTER suffix rule (last 9 characters with a possible
// leading underscore stripped, case-insensitive).
type matchRule struct {
	Kind   APIKind
	Name   string
	Suffix bool
}

// monitoredAPIs is the dispatch catalog. Table order drives handler
// dispatch order, which keeps output deterministic for a given binary.
var monitoredAPIs = []matchRule{
	{KindLocateProtocol, "EFI_LOCATE_PROTOCOL", false},
	{KindGetSmstLocation2, "EFI_SMM_GET_SMST_LOCATION2", false},
	{KindRegisterProtocolNotify, "EFI_SMM_REGISTER_PROTOCOL_NOTIFY", false},
	{KindRegister, "REGISTER", true},
	{KindInstallProtocolInterface, "EFI_INSTALL_PROTOCOL_INTERFACE", false},
	{KindGetVariable, "EFI_GET_VARIABLE", false},
}

// ruleMatches evaluates one rule against a call target type name.
func ruleMatches(r matchRule, typeName string) bool {
	if !r.Suffix {
		return strings.EqualFold(typeName, r.Name)
	}
	// Suffix rule: names shorter than 11 characters cannot carry both a
	// meaningful prefix and the REGISTER token.
	if len(typeName) < 11 {
		return false
	}
	tail := typeName[len(typeName)-9:]
	if tail[0] == '_' {
		tail = tail[1:]
	} else {
		tail = tail[:len(tail)-1]
	}
	return strings.EqualFold(tail, r.Name)
}

// Dispatch runs the single pass: for every monitored API kind, scan each
// live function's IR for indirect calls whose target type matches, and
// route every match to its handler. Functions that contribute zero indirect
// calls after a full scan are dropped; functions with at least one match
// keep their decompilation cached for the remaining kinds. A handler
// failure is isolated to its call site.
func (s *Session) Dispatch() {
	live := s.prog.Decomp.Functions()

	for _, rule := range monitoredAPIs {
		var kept []pcode.FuncInfo
		type match struct {
			fn *pcode.Func
			op *pcode.Op
		}
		var matches []match

		for _, fi := range live {
			if s.dropped[fi.Entry] {
				continue
			}
			hf, err := s.decompile(fi.Entry, s.opts.DecompTimeout)
			if err != nil {
				log.Warnf("decompile %s: %v (skipping)", fi.Name, err)
				s.dropped[fi.Entry] = true
				continue
			}
			callInds := 0
			for _, op := range hf.Ops {
				if op.Code != pcode.OpCallInd {
					continue
				}
				callInds++
				target := op.Input(0)
				if target == nil || target.Type == "" {
					continue
				}
				if ruleMatches(rule, target.Type) {
					matches = append(matches, match{hf, op})
				}
			}
			if callInds == 0 {
				// No indirect calls at all: exclude from later
				// passes to bound re-decompilation cost.
				s.dropped[fi.Entry] = true
				continue
			}
			kept = append(kept, fi)
		}
		live = kept

		for _, m := range matches {
			s.handle(rule.Kind, m.fn, m.op)
		}
	}
}

// handle routes one matched call site to its per-API handler, isolating
// failures per call site.
func (s *Session) handle(kind APIKind, fn *pcode.Func, call *pcode.Op) {
	ctx := log.WithFields(log.Fields{
		"func": fn.Name,
		"addr": fmt.Sprintf("%#x", call.Seq.Target),
		"api":  kind.String(),
	})
	ctx.Info("matched call")

	var err error
	switch kind {
	case KindLocateProtocol:
		err = s.handleLocateProtocol(fn, call)
	case KindGetSmstLocation2:
		err = s.handleGetSmstLocation2(fn, call)
	case KindRegisterProtocolNotify:
		err = s.handleRegisterProtocolNotify(fn, call)
	case KindRegister:
		target := call.Input(0)
		if target != nil && strings.EqualFold(target.Type, "EFI_SMM_INTERRUPT_REGISTER") {
			err = s.handleChildInterruptRegister(fn, call)
		} else {
			err = s.handleRegister2(fn, call)
		}
	case KindInstallProtocolInterface:
		err = s.handleInstallProtocol(fn, call)
	case KindGetVariable:
		err = s.handleGetVariable(fn, call)
	}
	if err != nil {
		ctx.Warnf("handler: %v", err)
	}
}
