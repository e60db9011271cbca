package engine

import (
	"fmt"

	"github.com/apex/log"

	"efiscout/internal/guid"
	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// handlerEntryPoint is the fixed prototype every SMI handler entry is
// created with.
const handlerEntryPoint = "EFI_MM_HANDLER_ENTRY_POINT"

// notifyFn is the standard MM notify-function prototype.
const notifyFn = "EFI_MM_NOTIFY_FN"

// defineGuid classifies a GUID operand and binds it. A fixed-address
// operand reads the 16 raw bytes, keeps any existing label (or synthesizes
// unknownProtocol_<hex8>) and defines typed GUID data there. A local
// operand is retyped and renamed. Returns ok false when the concrete GUID
// value could not be read.
func (s *Session) defineGuid(fn *pcode.Func, v *pcode.Varnode) (guid.GUID, bool) {
	op := Classify(v)
	switch {
	case op.IsAddress():
		raw := make([]byte, guid.Size)
		if err := s.prog.Mem.ReadAt(op.Addr, raw); err != nil {
			return guid.Unknown, false
		}
		g, err := guid.FromBytes(raw)
		if err != nil {
			return guid.Unknown, false
		}
		name := s.prog.Ann.LabelAt(op.Addr)
		if name == "" {
			name = "unknownProtocol_" + g.Short()
		}
		if err := s.prog.Ann.DefineData(op.Addr, s.guidType, name); err != nil {
			log.Warnf("define guid at %#x: %v", op.Addr, err)
		}
		return g, true
	case op.IsVariable():
		if err := s.prog.Ann.DefineLocal(fn.Name, op.Var, s.guidType, s.nextName("Guid")); err != nil {
			log.Warnf("retype guid local in %s: %v", fn.Name, err)
		}
	}
	return guid.Unknown, false
}

// bindStorage names and types the receiving storage of an interface
// operand: globals get a g-prefixed, counter-suffixed data definition,
// locals are retyped in place.
func (s *Session) bindStorage(fn *pcode.Func, v *pcode.Varnode, typ prog.Type, base string) error {
	op := Classify(v)
	switch {
	case op.IsAddress():
		return s.prog.Ann.DefineData(op.Addr, typ, s.nextName("g"+base+"_"))
	case op.IsVariable():
		return s.prog.Ann.DefineLocal(fn.Name, op.Var, typ, s.nextName(base))
	}
	return nil
}

// handleLocateProtocol binds a LocateProtocol call: resolves the GUID
// operand, maps it to a protocol name through the catalog, finds the
// protocol's pointer type and names the receiving interface location.
func (s *Session) handleLocateProtocol(fn *pcode.Func, call *pcode.Op) error {
	call = s.validateCall(fn, call, "EFI_LOCATE_PROTOCOL", 3)
	if call == nil {
		return nil
	}

	g, resolved := s.defineGuid(fn, call.Input(1))

	var ifaceName string
	var ifaceType prog.Type
	if resolved {
		if guidName, ok := s.catalog.Lookup(g); ok {
			protoName := guid.ProtocolName(guidName)
			types := s.prog.Types.FindTypes(protoName + " *")
			if len(types) > 0 {
				ifaceType = types[0]
				if len(types) > 1 {
					log.Warnf("multiple protocols with the same name found: %s", protoName)
				}
			} else {
				log.Warnf("protocol not found: %s", protoName)
			}
			ifaceName = protoName
		}
	}
	if ifaceType == (prog.Type{}) {
		ifaceType = s.uintnPtr
	}
	if ifaceName == "" {
		ifaceName = "unknownProtocol_" + g.Short()
	}

	if err := s.bindStorage(fn, call.Input(3), ifaceType, ifaceName); err != nil {
		log.Warnf("bind interface storage: %v", err)
	}

	s.ledger.LocateProtocol[OffsetKey(s.offset(call.Seq.Target))] = ProtocolRecord{
		Name:     ifaceName,
		Function: fn.Name,
		GUID:     g.String(),
	}
	return nil
}

// handleInstallProtocol binds an InstallProtocolInterface call: names the
// returned handle, resolves the installed interface's type by exact
// protocol-name lookup, and records the binding.
func (s *Session) handleInstallProtocol(fn *pcode.Func, call *pcode.Op) error {
	call = s.validateCall(fn, call, "EFI_INSTALL_PROTOCOL_INTERFACE", 4)
	if call == nil {
		return nil
	}

	if err := s.bindStorage(fn, call.Input(1), s.handlePtr, "Handle"); err != nil {
		log.Warnf("bind handle storage: %v", err)
	}

	g, resolved := s.defineGuid(fn, call.Input(2))
	ifaceName := ""
	if resolved {
		if guidName, ok := s.catalog.Lookup(g); ok {
			ifaceName = guid.ProtocolName(guidName)
		}
	}
	if ifaceName == "" {
		ifaceName = "unknownProtocol_" + g.Short()
	}

	// The installed interface is the structure itself, not its pointer
	// variant: exact-name lookup, falling back to UINTN.
	ifaceType := s.uintn
	types := s.prog.Types.FindTypes(ifaceName)
	if len(types) > 0 {
		ifaceType = types[0]
		if len(types) > 1 {
			log.Warnf("multiple protocols with the same name found: %s", ifaceName)
		}
	} else {
		log.Warnf("protocol not found: %s", ifaceName)
	}
	if err := s.bindStorage(fn, call.Input(4), ifaceType, ifaceName); err != nil {
		log.Warnf("bind installed interface: %v", err)
	}

	s.ledger.InstallProtocol[OffsetKey(s.offset(call.Seq.Target))] = ProtocolRecord{
		Name:     ifaceName,
		Function: fn.Name,
		GUID:     g.String(),
	}
	return nil
}

// handleGetSmstLocation2 names the receiving location of the SMM system
// table pointer.
func (s *Session) handleGetSmstLocation2(fn *pcode.Func, call *pcode.Op) error {
	call = s.validateCall(fn, call, "EFI_SMM_GET_SMST_LOCATION2", 2)
	if call == nil {
		return nil
	}
	op := Classify(call.Input(2))
	switch {
	case op.IsAddress():
		return s.prog.Ann.DefineData(op.Addr, s.smstPtr, s.nextName("gSmst"))
	case op.IsVariable():
		return s.prog.Ann.DefineLocal(fn.Name, op.Var, s.smstPtr, s.nextName("Smst"))
	}
	return nil
}

// register2Kind describes one member of the REGISTER2-style dispatch
// family: its handler base name, prototype name, and whether registrations
// land in the software interrupt map.
type register2Kind struct {
	base     string
	protoDef string
	software bool
}

var register2Kinds = map[string]register2Kind{
	"EFI_SMM_POWER_BUTTON_REGISTER2":     {"pwrButtonHandler", "EFI_SMM_POWER_BUTTON_REGISTER2", false},
	"EFI_SMM_SX_REGISTER2":               {"sxHandler", "EFI_SMM_SX_REGISTER2", false},
	"EFI_SMM_SW_REGISTER2":               {"swSmiHandler", "EFI_SMM_SW_REGISTER2", true},
	"EFI_SMM_PERIODIC_TIMER_REGISTER2":   {"periodicTimerHandler", "EFI_SMM_PERIODIC_TIMER_REGISTER2", false},
	"EFI_SMM_USB_REGISTER2":              {"usbHandler", "EFI_SMM_USB_REGISTER2", false},
	"EFI_SMM_IO_TRAP_DISPATCH2_REGISTER": {"ioTrapHandler", "EFI_SMM_IO_TRAP_DISPATCH2_REGISTER", false},
	"EFI_SMM_GPI_REGISTER2":              {"gpiHandler", "EFI_SMM_GPI_REGISTER2", false},
	"EFI_SMM_STANDBY_BUTTON_REGISTER2":   {"standbyButtonHandler", "EFI_SMM_STANDBY_BUTTON_REGISTER2", false},
}

// flagRaised reports whether the GUID scan saw the dispatch protocol
// gating this registration kind.
func (s *Session) flagRaised(k register2Kind) bool {
	if k.software {
		return s.swFlags[k.base]
	}
	return s.hwFlags[k.base]
}

// handleRegister2 reconstructs a hardware or software SMI handler
// registration: resolves the handler-function operand, creates a function
// there with the fixed handler entry prototype, and records the
// registration keyed by call-site offset. Resolution requires that the scan
// raised the kind's dispatch flag; a registration whose dispatch protocol
// never appeared in the image is ledgered unresolved, as are unrecognized
// register shapes (otherSMI, no prototype name).
func (s *Session) handleRegister2(fn *pcode.Func, call *pcode.Op) error {
	typeName := ""
	if t := call.Input(0); t != nil {
		typeName = t.Type
	}
	kind, known := register2Kinds[typeName]
	if !known {
		kind = register2Kind{base: "otherSMI"}
	}
	resolve := known && s.flagRaised(kind)
	if known && !resolve {
		log.WithField("func", fn.Name).Debugf("%s registration without its dispatch protocol in the image", kind.base)
	}

	call = s.validateCall(fn, call, kind.protoDef, 3)
	if call == nil {
		return nil
	}

	var funcAddr uint64
	var funcName string
	resolved := false

	op := Classify(call.Input(2))
	if op.IsAddress() {
		funcAddr = op.Addr
		if op.Ref {
			a, err := op.Deref(s.prog.Mem)
			if err != nil {
				return fmt.Errorf("read handler pointer at %#x: %w", op.Addr, err)
			}
			funcAddr = a
		}
		if resolve {
			funcName = s.nextName(kind.base)
			s.checkHandlerEntry(funcAddr, funcName)
			def := s.lookupFuncDef(handlerEntryPoint, 4)
			if err := s.prog.Ann.CreateFunction(funcAddr, def, funcName); err != nil {
				return fmt.Errorf("create handler %s: %w", funcName, err)
			}
			if kind.software {
				s.smiHandlers[funcName] = funcAddr
			}
			resolved = true
		}
	}

	rec := InterruptRecord{}
	if resolved {
		rec.FunctionOffset = OffsetKey(s.offset(funcAddr))
		rec.FunctionName = funcName
	}
	key := OffsetKey(s.offset(call.Seq.Target))
	if kind.software {
		s.ledger.Interrupts.SwSmi[key] = rec
	} else {
		s.ledger.Interrupts.HwSmi[key] = rec
	}
	return nil
}

// handleChildInterruptRegister reconstructs a child SMI registration:
// creates the handler function and binds the dispatch GUID. Child dispatch
// tables are registered collectively per entry block, so the ledger key is
// the containing basic block's start offset rather than the call's own.
func (s *Session) handleChildInterruptRegister(fn *pcode.Func, call *pcode.Op) error {
	call = s.validateCall(fn, call, "EFI_SMM_INTERRUPT_REGISTER", 3)
	if call == nil {
		return nil
	}

	var funcAddr uint64
	var funcName string
	resolved := false

	op := Classify(call.Input(1))
	if op.IsAddress() {
		funcAddr = op.Addr
		if op.Ref {
			if a, err := op.Deref(s.prog.Mem); err == nil {
				funcAddr = a
			}
		}
		funcName = s.nextName("ChildSmiHandler")
		s.checkHandlerEntry(funcAddr, funcName)
		def := s.lookupFuncDef(handlerEntryPoint, 4)
		if err := s.prog.Ann.CreateFunction(funcAddr, def, funcName); err != nil {
			return fmt.Errorf("create child handler: %w", err)
		}
		resolved = true
	}

	g, resolvedGuid := s.defineGuid(fn, call.Input(2))
	name := ""
	if resolvedGuid {
		if guidName, ok := s.catalog.Lookup(g); ok {
			name = guid.ProtocolName(guidName)
		}
	}

	rec := InterruptRecord{GUID: g.String(), Name: name}
	if resolved {
		rec.FunctionOffset = OffsetKey(s.offset(funcAddr))
		rec.FunctionName = funcName
	}
	s.ledger.Interrupts.Child[OffsetKey(s.offset(call.BlockStart))] = rec
	return nil
}

// handleRegisterProtocolNotify binds a protocol-notify registration: if the
// callback operand is a fixed address, a function typed as the standard MM
// notify prototype is created there, named after the GUID.
func (s *Session) handleRegisterProtocolNotify(fn *pcode.Func, call *pcode.Op) error {
	call = s.validateCall(fn, call, "EFI_REGISTER_PROTOCOL_NOTIFY", 3)
	if call == nil {
		return nil
	}

	g, _ := s.defineGuid(fn, call.Input(1))

	op := Classify(call.Input(2))
	if !op.IsAddress() {
		return nil
	}
	addr := op.Addr
	if op.Ref {
		if a, err := op.Deref(s.prog.Mem); err == nil {
			addr = a
		}
	}

	defs := s.prog.Types.FindFuncDefs(notifyFn)
	if len(defs) == 0 {
		log.Warnf("could not find function %s", notifyFn)
		return nil
	}
	return s.prog.Ann.CreateFunction(addr, defs[0], "notify_"+g.Short())
}

// handleGetVariable records a GetVariable call site for the overflow
// detector. The call must carry exactly six inputs (target plus the five
// service arguments); anything else is a mis-lifted call and is skipped.
func (s *Session) handleGetVariable(fn *pcode.Func, call *pcode.Op) error {
	if len(call.Inputs) != 6 {
		return nil
	}
	s.recordGetVariable(fn, call)
	return nil
}
