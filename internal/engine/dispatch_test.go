package engine

import (
	"testing"

	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

func TestRuleMatches(t *testing.T) {
	exact := matchRule{KindLocateProtocol, "EFI_LOCATE_PROTOCOL", false}
	suffix := matchRule{KindRegister, "REGISTER", true}

	cases := []struct {
		rule matchRule
		name string
		want bool
	}{
		{exact, "EFI_LOCATE_PROTOCOL", true},
		{exact, "efi_locate_protocol", true},
		{exact, "EFI_LOCATE_PROTOCOL2", false},
		{suffix, "EFI_SMM_SW_REGISTER2", true},
		{suffix, "EFI_SMM_INTERRUPT_REGISTER", true},
		{suffix, "efi_smm_usb_register2", true},
		{suffix, "EFI_LOCATE_PROTOCOL", false},
		{suffix, "REGISTER2", false}, // too short to carry a prefix
		{suffix, "REGISTER", false},
		{suffix, "", false},
	}
	for _, c := range cases {
		if got := ruleMatches(c.rule, c.name); got != c.want {
			t.Errorf("ruleMatches(%v, %q) = %v, want %v", c.rule.Kind, c.name, got, c.want)
		}
	}
}

func TestDispatchLocateProtocol(t *testing.T) {
	h := newHarness()
	h.catalogText("EFI_SMM_ACCESS2_PROTOCOL_GUID = C2702B74-800C-4131-9164-BCAC8DEC7AB1")
	h.db.addType(prog.Type{Name: "EFI_MM_ACCESS_PROTOCOL *", Pointer: true})

	g := mustParseGuid(t, "C2702B74-800C-4131-9164-BCAC8DEC7AB1")
	h.mem.put(0x1100, g.Bytes())

	call := callOp(pcode.OpCallInd, 0x2010, 1,
		locateTarget(), cnst(0x1100), cnst(0), cnst(0x1200))
	h.dec.add(&pcode.Func{Name: "InitProtocols", Entry: 0x2000, Ops: []*pcode.Op{call}})

	s := h.session()
	s.Dispatch()

	rec, ok := s.ledger.LocateProtocol["4112"]
	if !ok {
		t.Fatalf("no ledger entry at offset 4112: %+v", s.ledger.LocateProtocol)
	}
	if rec.Name != "EFI_MM_ACCESS_PROTOCOL" {
		t.Fatalf("binding name = %q, want EFI_MM_ACCESS_PROTOCOL", rec.Name)
	}
	if rec.GUID != "C2702B74-800C-4131-9164-BCAC8DEC7AB1" {
		t.Fatalf("binding guid = %q", rec.GUID)
	}
	if rec.Function != "InitProtocols" {
		t.Fatalf("binding function = %q", rec.Function)
	}

	wantData := "0x1200|EFI_MM_ACCESS_PROTOCOL *|gEFI_MM_ACCESS_PROTOCOL_0"
	if !containsString(h.ann.data, wantData) {
		t.Fatalf("interface storage not bound: %v", h.ann.data)
	}
	if h.ann.labels[0x1100] != "unknownProtocol_C2702B74" {
		t.Fatalf("guid data label = %q", h.ann.labels[0x1100])
	}
}

func TestDispatchUnknownGuidFallsBack(t *testing.T) {
	h := newHarness() // empty catalog

	g := mustParseGuid(t, "DEADBEEF-0001-0002-0304-050607080910")
	h.mem.put(0x1100, g.Bytes())

	call := callOp(pcode.OpCallInd, 0x2010, 1,
		locateTarget(), cnst(0x1100), cnst(0), cnst(0x1200))
	h.dec.add(&pcode.Func{Name: "f", Entry: 0x2000, Ops: []*pcode.Op{call}})

	s := h.session()
	s.Dispatch()

	rec := s.ledger.LocateProtocol["4112"]
	if rec.Name != "unknownProtocol_DEADBEEF" {
		t.Fatalf("fallback name = %q", rec.Name)
	}
	// The interface storage degrades to UINTN *.
	if !containsString(h.ann.data, "0x1200|UINTN *|gunknownProtocol_DEADBEEF_0") {
		t.Fatalf("fallback storage binding missing: %v", h.ann.data)
	}
}

func TestDispatchDropsCallIndFreeFunctions(t *testing.T) {
	h := newHarness()

	// One function with no indirect calls, one with an unmatched CALLIND.
	h.dec.add(&pcode.Func{Name: "leaf", Entry: 0x2000, Ops: []*pcode.Op{
		callOp(pcode.OpCall, 0x2004, 1, cnst(0x3000)),
	}})
	h.dec.add(&pcode.Func{Name: "indirect", Entry: 0x3000, Ops: []*pcode.Op{
		callOp(pcode.OpCallInd, 0x3004, 1, typed(reg(0), "SOMETHING_ELSE"), cnst(1)),
	}})

	s := h.session()
	s.Dispatch()

	if !s.dropped[0x2000] {
		t.Fatal("callind-free function not dropped")
	}
	if s.dropped[0x3000] {
		t.Fatal("function with indirect calls dropped")
	}
	// The dropped function is decompiled exactly once despite six rule
	// passes.
	if h.dec.calls[0x2000] != 1 {
		t.Fatalf("leaf decompiled %d times", h.dec.calls[0x2000])
	}
}

func TestDispatchSkipsFailedDecompilation(t *testing.T) {
	h := newHarness()
	h.dec.add(&pcode.Func{Name: "broken", Entry: 0x2000})
	h.dec.fail[0x2000] = errTimeout{}

	s := h.session()
	s.Dispatch()

	if !s.dropped[0x2000] {
		t.Fatal("failed decompilation not dropped")
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "decompilation timed out" }
