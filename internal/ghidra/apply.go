package ghidra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// Annotations collects the engine's side-channel output as commands for the
// companion apply script: typed data, retyped locals, created functions,
// comments and signature overrides.
type Annotations struct {
	Version        string              `json:"version"`
	MakeAccessible bool                `json:"make_accessible,omitempty"`
	Data           []DataDef           `json:"data"`
	Locals         []LocalDef          `json:"locals"`
	Functions      []FuncCreate        `json:"functions"`
	Comments       []Comment           `json:"comments"`
	Overrides      []SignatureOverride `json:"overrides"`

	labels map[uint64]string
}

// DataDef types and names a global.
type DataDef struct {
	Addr string `json:"addr"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// LocalDef retypes and renames a local variable.
type LocalDef struct {
	Func  string `json:"func"`
	Space string `json:"space"`
	Off   string `json:"off"`
	Type  string `json:"type"`
	Name  string `json:"name"`
}

// FuncCreate creates a function with a prototype.
type FuncCreate struct {
	Addr   string `json:"addr"`
	Proto  string `json:"proto"`
	Params int    `json:"params"`
	Name   string `json:"name"`
}

// Comment is a plate comment.
type Comment struct {
	Addr string `json:"addr"`
	Text string `json:"text"`
}

// SignatureOverride forces a call site's signature.
type SignatureOverride struct {
	Addr   string `json:"addr"`
	Proto  string `json:"proto"`
	Params int    `json:"params"`
}

// NewAnnotations returns an empty annotation set.
func NewAnnotations() *Annotations {
	return &Annotations{Version: "1", labels: make(map[uint64]string)}
}

func hexAddr(a uint64) string { return fmt.Sprintf("0x%x", a) }

// DefineData implements prog.Annotator.
func (a *Annotations) DefineData(addr uint64, typ prog.Type, name string) error {
	a.Data = append(a.Data, DataDef{Addr: hexAddr(addr), Type: typ.Name, Name: name})
	a.labels[addr] = name
	return nil
}

// DefineLocal implements prog.Annotator.
func (a *Annotations) DefineLocal(fn string, v *pcode.Varnode, typ prog.Type, name string) error {
	if v == nil {
		return fmt.Errorf("nil varnode for local %s in %s", name, fn)
	}
	a.Locals = append(a.Locals, LocalDef{
		Func:  fn,
		Space: v.Space.String(),
		Off:   hexAddr(v.Offset),
		Type:  typ.Name,
		Name:  name,
	})
	return nil
}

// CreateFunction implements prog.Annotator.
func (a *Annotations) CreateFunction(addr uint64, def prog.FuncDef, name string) error {
	a.Functions = append(a.Functions, FuncCreate{
		Addr:   hexAddr(addr),
		Proto:  def.Name,
		Params: def.Params,
		Name:   name,
	})
	a.labels[addr] = name
	return nil
}

// SetComment implements prog.Annotator.
func (a *Annotations) SetComment(addr uint64, text string) error {
	a.Comments = append(a.Comments, Comment{Addr: hexAddr(addr), Text: text})
	return nil
}

// LabelAt implements prog.Annotator against the labels this run assigned.
func (a *Annotations) LabelAt(addr uint64) string { return a.labels[addr] }

// AddOverride records a committed signature override.
func (a *Annotations) AddOverride(addr uint64, def prog.FuncDef) {
	a.Overrides = append(a.Overrides, SignatureOverride{
		Addr:   hexAddr(addr),
		Proto:  def.Name,
		Params: def.Params,
	})
}

// MarkAccessible records the one-time permission normalization request.
func (a *Annotations) MarkAccessible() { a.MakeAccessible = true }

// SeedLabels preloads existing symbol names (from program.json) so LabelAt
// can preserve them.
func (a *Annotations) SeedLabels(labels map[string]string) error {
	for s, name := range labels {
		addr, err := parseAddr(s)
		if err != nil {
			return fmt.Errorf("label %q: %w", s, err)
		}
		a.labels[addr] = name
	}
	return nil
}

// Save writes annotations.json into the dump directory.
func (a *Annotations) Save(dir string) error {
	f, err := os.Create(filepath.Join(dir, "annotations.json"))
	if err != nil {
		return fmt.Errorf("create annotations.json: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		f.Close()
		return fmt.Errorf("write annotations.json: %w", err)
	}
	return f.Close()
}
