// Package ghidra loads a program dump exported by the companion Ghidra
// headless script and implements the engine's collaborator contracts on top
// of it: decompiler, type database, memory model and annotation sink. The
// exchange format mirrors the JSONL convention of the export/apply script
// pair: the Go side analyzes, the Python side applies.
package ghidra

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// programJSON is the top-level program.json structure.
type programJSON struct {
	ImageBase string            `json:"image_base"`
	Entry     string            `json:"entry"`
	Blocks    []blockJSON       `json:"blocks"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type blockJSON struct {
	Name   string `json:"name"`
	Start  string `json:"start"`
	Size   uint64 `json:"size"`
	Offset uint64 `json:"offset"` // into mem.bin
}

// funcJSON is one record in functions.jsonl.
type funcJSON struct {
	Name   string        `json:"name"`
	Entry  string        `json:"entry"`
	Params []varnodeJSON `json:"params,omitempty"`
}

// opJSON is one record in pcode.jsonl.
type opJSON struct {
	Func   string        `json:"func"` // owning function entry
	Op     string        `json:"op"`
	Addr   string        `json:"addr"`
	Order  int           `json:"order"`
	Block  string        `json:"block"`
	Inputs []varnodeJSON `json:"inputs,omitempty"`
	Output *varnodeJSON  `json:"output,omitempty"`
}

// varnodeJSON is a varnode reference. Def is the order of the defining op,
// -1 for free values.
type varnodeJSON struct {
	Space  string `json:"space"`
	Offset string `json:"offset"`
	Size   int    `json:"size"`
	Type   string `json:"type,omitempty"`
	Def    int    `json:"def"`
}

// typesJSON is the types.json structure.
type typesJSON struct {
	Types    []prog.Type    `json:"types"`
	FuncDefs []prog.FuncDef `json:"funcdefs"`
}

// Dump is a loaded program dump. It implements pcode.Decompiler,
// prog.TypeDB and prog.Memory; the Annotator lives in apply.go.
type Dump struct {
	dir string

	imageBase uint64
	entry     uint64
	blocks    []prog.Block
	mem       []byte            // backing bytes, indexed via blocks
	memOff    map[string]uint64 // block name -> offset into mem
	side      map[string][]byte // runtime-created blocks

	funcs  []pcode.FuncInfo
	params map[uint64][]varnodeJSON
	ops    map[uint64][]opJSON // keyed by function entry

	types    typesJSON
	override map[uint64]prog.FuncDef // call address -> forced prototype

	ann *Annotations
}

// Load reads a program dump directory.
func Load(dir string) (*Dump, error) {
	d := &Dump{
		dir:      dir,
		memOff:   make(map[string]uint64),
		params:   make(map[uint64][]varnodeJSON),
		ops:      make(map[uint64][]opJSON),
		override: make(map[uint64]prog.FuncDef),
		ann:      NewAnnotations(),
	}

	var pj programJSON
	if err := readJSON(filepath.Join(dir, "program.json"), &pj); err != nil {
		return nil, fmt.Errorf("program.json: %w", err)
	}
	var err error
	if d.imageBase, err = parseAddr(pj.ImageBase); err != nil {
		return nil, fmt.Errorf("program.json image_base: %w", err)
	}
	if d.entry, err = parseAddr(pj.Entry); err != nil {
		return nil, fmt.Errorf("program.json entry: %w", err)
	}
	if err := d.ann.SeedLabels(pj.Labels); err != nil {
		return nil, fmt.Errorf("program.json labels: %w", err)
	}

	if d.mem, err = os.ReadFile(filepath.Join(dir, "mem.bin")); err != nil {
		return nil, fmt.Errorf("mem.bin: %w", err)
	}
	for _, b := range pj.Blocks {
		start, err := parseAddr(b.Start)
		if err != nil {
			return nil, fmt.Errorf("block %s start: %w", b.Name, err)
		}
		d.blocks = append(d.blocks, prog.Block{Name: b.Name, Start: start, Size: b.Size})
		d.memOff[b.Name] = b.Offset
	}
	sort.Slice(d.blocks, func(i, j int) bool { return d.blocks[i].Start < d.blocks[j].Start })

	funcs, err := readJSONL[funcJSON](filepath.Join(dir, "functions.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("functions.jsonl: %w", err)
	}
	for _, f := range funcs {
		entry, err := parseAddr(f.Entry)
		if err != nil {
			return nil, fmt.Errorf("function %s entry: %w", f.Name, err)
		}
		d.funcs = append(d.funcs, pcode.FuncInfo{Name: f.Name, Entry: entry})
		d.params[entry] = f.Params
	}

	ops, err := readJSONL[opJSON](filepath.Join(dir, "pcode.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("pcode.jsonl: %w", err)
	}
	for _, op := range ops {
		entry, err := parseAddr(op.Func)
		if err != nil {
			return nil, fmt.Errorf("pcode record func: %w", err)
		}
		d.ops[entry] = append(d.ops[entry], op)
	}
	for entry := range d.ops {
		recs := d.ops[entry]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Order < recs[j].Order })
	}

	if err := readJSON(filepath.Join(dir, "types.json"), &d.types); err != nil {
		return nil, fmt.Errorf("types.json: %w", err)
	}

	if err := d.loadSideBlocks(); err != nil {
		return nil, err
	}
	return d, nil
}

// ImageBase returns the image base address.
func (d *Dump) ImageBase() uint64 { return d.imageBase }

// Entry returns the module entry point.
func (d *Dump) Entry() uint64 { return d.entry }

// Program bundles the dump into the engine's collaborator set.
func (d *Dump) Program() *prog.Program {
	return &prog.Program{
		ImageBase: d.imageBase,
		Entry:     d.entry,
		Decomp:    d,
		Types:     d,
		Mem:       d,
		Ann:       d.ann,
	}
}

// Annotations returns the collected annotation output.
func (d *Dump) Annotations() *Annotations { return d.ann }

// Functions implements pcode.Decompiler.
func (d *Dump) Functions() []pcode.FuncInfo { return d.funcs }

// Containing implements pcode.Decompiler. Function extents are approximated
// by the gap to the next entry, which matches how the export script emits
// contiguous function bodies.
func (d *Dump) Containing(addr uint64) (pcode.FuncInfo, bool) {
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

// Decompile implements pcode.Decompiler by materializing the recorded op
// stream for the function. Signature overrides registered against a call
// address re-derive that call's argument list, which is what exercises the
// engine's repair path. The dump is already lifted, so timeout only guards
// against a zero value.
func (d *Dump) Decompile(entry uint64, timeout time.Duration) (*pcode.Func, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("decompile %#x: zero timeout", entry)
	}
	recs, ok := d.ops[entry]
	if !ok {
		return nil, fmt.Errorf("no pcode for function at %#x", entry)
	}
	name := fmt.Sprintf("FUN_%08x", entry)
	for _, f := range d.funcs {
		if f.Entry == entry {
			name = f.Name
			break
		}
	}

	hf := &pcode.Func{Name: name, Entry: entry}
	byOrder := make(map[int]*pcode.Op, len(recs))

	mkVarnode := func(vj varnodeJSON) (*pcode.Varnode, error) {
		off, err := parseAddr(vj.Offset)
		if err != nil {
			return nil, fmt.Errorf("varnode offset: %w", err)
		}
		return &pcode.Varnode{
			Space:  pcode.ParseSpace(vj.Space),
			Offset: off,
			Size:   vj.Size,
			Type:   vj.Type,
		}, nil
	}

	for _, p := range d.params[entry] {
		v, err := mkVarnode(p)
		if err != nil {
			return nil, err
		}
		hf.Params = append(hf.Params, v)
	}

	type pending struct {
		v   *pcode.Varnode
		def int
	}
	var links []pending

	for _, rec := range recs {
		target, err := parseAddr(rec.Addr)
		if err != nil {
			return nil, err
		}
		block, err := parseAddr(rec.Block)
		if err != nil {
			return nil, err
		}
		op := &pcode.Op{
			Seq:        pcode.SeqNum{Target: target, Order: rec.Order},
			Code:       pcode.ParseOpcode(rec.Op),
			BlockStart: block,
		}
		for _, ij := range rec.Inputs {
			v, err := mkVarnode(ij)
			if err != nil {
				return nil, err
			}
			op.Inputs = append(op.Inputs, v)
			if ij.Def >= 0 {
				links = append(links, pending{v, ij.Def})
			}
		}
		if rec.Output != nil {
			v, err := mkVarnode(*rec.Output)
			if err != nil {
				return nil, err
			}
			op.Output = v
		}
		d.applyOverride(op)
		byOrder[rec.Order] = op
		hf.Ops = append(hf.Ops, op)
	}

	for _, l := range links {
		l.v.Def = byOrder[l.def]
	}
	return hf, nil
}

// applyOverride re-derives a CALLIND's argument list under a registered
// signature override: extra arguments are dropped, missing ones are
// synthesized as fresh temporaries.
func (d *Dump) applyOverride(op *pcode.Op) {
	if op.Code != pcode.OpCallInd {
		return
	}
	def, ok := d.override[op.Seq.Target]
	if !ok {
		return
	}
	want := def.Params + 1 // target plus arguments
	for len(op.Inputs) > want {
		op.Inputs = op.Inputs[:len(op.Inputs)-1]
	}
	for len(op.Inputs) < want {
		op.Inputs = append(op.Inputs, &pcode.Varnode{
			Space:  pcode.SpaceUnique,
			Offset: uint64(0x10000 + len(op.Inputs)),
			Size:   8,
		})
	}
}

// FindTypes implements prog.TypeDB.
func (d *Dump) FindTypes(name string) []prog.Type {
	var out []prog.Type
	for _, t := range d.types.Types {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// FindFuncDefs implements prog.TypeDB.
func (d *Dump) FindFuncDefs(name string) []prog.FuncDef {
	var out []prog.FuncDef
	for _, f := range d.types.FuncDefs {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// overrideTx is the dump's override transaction: staged in memory,
// published to the override table on commit, dropped on rollback.
type overrideTx struct {
	d        *Dump
	callAddr uint64
	staged   *prog.FuncDef
	done     bool
}

func (tx *overrideTx) Set(def prog.FuncDef) error {
	tx.staged = &def
	return nil
}

func (tx *overrideTx) Commit() error {
	if tx.done {
		return fmt.Errorf("override transaction already closed")
	}
	tx.done = true
	if tx.staged == nil {
		return fmt.Errorf("override transaction committed without a definition")
	}
	tx.d.override[tx.callAddr] = *tx.staged
	tx.d.ann.AddOverride(tx.callAddr, *tx.staged)
	return nil
}

func (tx *overrideTx) Rollback() {
	if !tx.done {
		tx.staged = nil
		tx.done = true
	}
}

// Override implements prog.TypeDB.
func (d *Dump) Override(fnEntry, callAddr uint64) (prog.OverrideTx, error) {
	return &overrideTx{d: d, callAddr: callAddr}, nil
}

// readJSON decodes one JSON file into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// readJSONL decodes a JSONL file of T records.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// parseAddr parses a 0x-prefixed or bare hex address.
func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	return strconv.ParseUint(s, 16, 64)
}
