package engine

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"efiscout/internal/guid"
	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// Varnode builders.

func ram(off uint64) *pcode.Varnode {
	return &pcode.Varnode{Space: pcode.SpaceRAM, Offset: off, Size: 8}
}

func reg(off uint64) *pcode.Varnode {
	return &pcode.Varnode{Space: pcode.SpaceRegister, Offset: off, Size: 8}
}

func cnst(val uint64) *pcode.Varnode {
	return &pcode.Varnode{Space: pcode.SpaceConst, Offset: val, Size: 8}
}

func uniq(off uint64) *pcode.Varnode {
	return &pcode.Varnode{Space: pcode.SpaceUnique, Offset: off, Size: 8}
}

func stk(off uint64) *pcode.Varnode {
	return &pcode.Varnode{Space: pcode.SpaceStack, Offset: off, Size: 8}
}

func typed(v *pcode.Varnode, name string) *pcode.Varnode {
	v.Type = name
	return v
}

// defOp builds an op and links it as the definition of its output.
func defOp(code pcode.Opcode, out *pcode.Varnode, ins ...*pcode.Varnode) *pcode.Op {
	op := &pcode.Op{Code: code, Inputs: ins, Output: out}
	if out != nil {
		out.Def = op
	}
	return op
}

// callOp builds a call-family op at the given instruction address and
// sequence order.
func callOp(code pcode.Opcode, addr uint64, order int, ins ...*pcode.Varnode) *pcode.Op {
	return &pcode.Op{
		Seq:    pcode.SeqNum{Target: addr, Order: order},
		Code:   code,
		Inputs: ins,
	}
}

func mustParseGuid(t *testing.T, s string) guid.GUID {
	t.Helper()
	g, err := guid.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// fakeMem is a single-block memory with runtime-created side blocks.
type fakeMem struct {
	start      uint64
	data       []byte
	side       map[string][]byte
	normalized int
}

func newFakeMem(start uint64, size int) *fakeMem {
	return &fakeMem{start: start, data: make([]byte, size), side: make(map[string][]byte)}
}

func (m *fakeMem) put(addr uint64, b []byte) { copy(m.data[addr-m.start:], b) }

func (m *fakeMem) putPtr(addr, val uint64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], val)
	m.put(addr, raw[:])
}

func (m *fakeMem) ReadAt(addr uint64, p []byte) error {
	if addr < m.start || addr+uint64(len(p)) > m.start+uint64(len(m.data)) {
		return fmt.Errorf("read at %#x: out of range", addr)
	}
	copy(p, m.data[addr-m.start:])
	return nil
}

func (m *fakeMem) Blocks() []prog.Block {
	return []prog.Block{{Name: "image", Start: m.start, Size: uint64(len(m.data))}}
}

func (m *fakeMem) BlockByName(name string) (prog.Block, bool) {
	if name == "image" {
		return m.Blocks()[0], true
	}
	if data, ok := m.side[name]; ok {
		return prog.Block{Name: name, Size: uint64(len(data))}, true
	}
	return prog.Block{}, false
}

func (m *fakeMem) ReadBlock(name string) ([]byte, error) {
	if data, ok := m.side[name]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("no block %q", name)
}

func (m *fakeMem) CreateBlock(name string, data []byte) error {
	if _, ok := m.side[name]; ok {
		return fmt.Errorf("block %q exists", name)
	}
	m.side[name] = append([]byte(nil), data...)
	return nil
}

func (m *fakeMem) RemoveBlock(name string) error {
	delete(m.side, name)
	return nil
}

func (m *fakeMem) MakeAccessible() error {
	m.normalized++
	return nil
}

// fakeTypeDB serves canned types and prototypes and redirects committed
// overrides into the fake decompiler's repaired-IR table.
type fakeTypeDB struct {
	types map[string][]prog.Type
	defs  map[string][]prog.FuncDef
	dec   *fakeDecomp

	overrides int // committed override count
}

func newFakeTypeDB() *fakeTypeDB {
	db := &fakeTypeDB{
		types: make(map[string][]prog.Type),
		defs:  make(map[string][]prog.FuncDef),
	}
	// Base types the session resolves at construction.
	for _, n := range []string{"EFI_GUID", "EFI_SMM_SYSTEM_TABLE2 *", "EFI_HANDLE *", "UINTN", "UINTN *"} {
		db.addType(prog.Type{Name: n})
	}
	db.addDef(prog.FuncDef{Name: "EFI_LOCATE_PROTOCOL", Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_INSTALL_PROTOCOL_INTERFACE", Params: 4, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_SMM_GET_SMST_LOCATION2", Params: 2, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_REGISTER_PROTOCOL_NOTIFY", Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_SMM_INTERRUPT_REGISTER", Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_SMM_SW_REGISTER2", Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: "EFI_SMM_USB_REGISTER2", Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: handlerEntryPoint, Params: 4, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: notifyFn, Params: 3, Return: "EFI_STATUS"})
	db.addDef(prog.FuncDef{Name: moduleEntryPoint, Params: 2, Return: "EFI_STATUS"})
	return db
}

func (db *fakeTypeDB) addType(t prog.Type)   { db.types[t.Name] = append(db.types[t.Name], t) }
func (db *fakeTypeDB) addDef(d prog.FuncDef) { db.defs[d.Name] = append(db.defs[d.Name], d) }

func (db *fakeTypeDB) FindTypes(name string) []prog.Type {
	return db.types[name]
}

func (db *fakeTypeDB) FindFuncDefs(name string) []prog.FuncDef {
	return db.defs[name]
}

type fakeTx struct {
	db       *fakeTypeDB
	fnEntry  uint64
	callAddr uint64
	staged   bool
}

func (tx *fakeTx) Set(def prog.FuncDef) error { tx.staged = true; return nil }
func (tx *fakeTx) Commit() error {
	if !tx.staged {
		return fmt.Errorf("nothing staged")
	}
	tx.db.overrides++
	if tx.db.dec != nil {
		tx.db.dec.promote(tx.fnEntry)
	}
	return nil
}
func (tx *fakeTx) Rollback() {}

func (db *fakeTypeDB) Override(fnEntry, callAddr uint64) (prog.OverrideTx, error) {
	return &fakeTx{db: db, fnEntry: fnEntry, callAddr: callAddr}, nil
}

// fakeDecomp serves canned IR. A committed override promotes the function's
// repaired variant, emulating the re-derivation after a signature repair.
type fakeDecomp struct {
	funcs    []pcode.FuncInfo
	irs      map[uint64]*pcode.Func
	repaired map[uint64]*pcode.Func
	fail     map[uint64]error
	calls    map[uint64]int
}

func newFakeDecomp() *fakeDecomp {
	return &fakeDecomp{
		irs:      make(map[uint64]*pcode.Func),
		repaired: make(map[uint64]*pcode.Func),
		fail:     make(map[uint64]error),
		calls:    make(map[uint64]int),
	}
}

func (d *fakeDecomp) add(hf *pcode.Func) {
	d.funcs = append(d.funcs, pcode.FuncInfo{Name: hf.Name, Entry: hf.Entry})
	d.irs[hf.Entry] = hf
}

func (d *fakeDecomp) promote(entry uint64) {
	if hf, ok := d.repaired[entry]; ok {
		d.irs[entry] = hf
	}
}

func (d *fakeDecomp) Functions() []pcode.FuncInfo { return d.funcs }

func (d *fakeDecomp) Decompile(entry uint64, timeout time.Duration) (*pcode.Func, error) {
	d.calls[entry]++
	if err := d.fail[entry]; err != nil {
		return nil, err
	}
	hf, ok := d.irs[entry]
	if !ok {
		return nil, fmt.Errorf("no function at %#x", entry)
	}
	return hf, nil
}

func (d *fakeDecomp) Containing(addr uint64) (pcode.FuncInfo, bool) {
	var best pcode.FuncInfo
	found := false
	for _, f := range d.funcs {
		if f.Entry <= addr && (!found || f.Entry > best.Entry) {
			best = f
			found = true
		}
	}
	return best, found
}

// fakeAnn records every annotation.
type fakeAnn struct {
	data     []string // "addr|type|name"
	locals   []string // "fn|type|name"
	created  map[uint64]string
	comments map[uint64][]string
	labels   map[uint64]string
	names    []string // every assigned name, in order
}

func newFakeAnn() *fakeAnn {
	return &fakeAnn{
		created:  make(map[uint64]string),
		comments: make(map[uint64][]string),
		labels:   make(map[uint64]string),
	}
}

func (a *fakeAnn) DefineData(addr uint64, typ prog.Type, name string) error {
	a.data = append(a.data, fmt.Sprintf("%#x|%s|%s", addr, typ.Name, name))
	a.labels[addr] = name
	a.names = append(a.names, name)
	return nil
}

func (a *fakeAnn) DefineLocal(fn string, v *pcode.Varnode, typ prog.Type, name string) error {
	a.locals = append(a.locals, fmt.Sprintf("%s|%s|%s", fn, typ.Name, name))
	a.names = append(a.names, name)
	return nil
}

func (a *fakeAnn) CreateFunction(addr uint64, def prog.FuncDef, name string) error {
	a.created[addr] = name
	a.labels[addr] = name
	a.names = append(a.names, name)
	return nil
}

func (a *fakeAnn) SetComment(addr uint64, text string) error {
	a.comments[addr] = append(a.comments[addr], text)
	return nil
}

func (a *fakeAnn) LabelAt(addr uint64) string { return a.labels[addr] }

// harness wires a complete fake program with an empty catalog.
type harness struct {
	dec *fakeDecomp
	db  *fakeTypeDB
	mem *fakeMem
	ann *fakeAnn
	cat *guid.Catalog
}

func newHarness() *harness {
	h := &harness{
		dec: newFakeDecomp(),
		db:  newFakeTypeDB(),
		mem: newFakeMem(0x1000, 0x8000),
		ann: newFakeAnn(),
		cat: guid.ParseCatalog(""),
	}
	h.db.dec = h.dec
	return h
}

func (h *harness) catalogText(text string) { h.cat = guid.ParseCatalog(text) }

func (h *harness) session() *Session {
	p := &prog.Program{
		ImageBase: 0x1000,
		Entry:     0x2000,
		Decomp:    h.dec,
		Types:     h.db,
		Mem:       h.mem,
		Ann:       h.ann,
	}
	s, err := New(p, h.cat, Options{DecompTimeout: time.Second, RepairTimeout: time.Second})
	if err != nil {
		panic(err)
	}
	return s
}
