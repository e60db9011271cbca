// Package engine drives the firmware analysis: a single dispatcher pass
// over every function's IR, per-API handlers binding GUIDs and naming
// storage, interprocedural forwarding of the boot/runtime service table
// pointers, and the two defect detectors (SMM callouts, GetVariable
// overflows). All mutable state lives in the Session; nothing is ambient.
package engine

import (
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/zboralski/lattice"

	"efiscout/internal/guid"
	"efiscout/internal/pcode"
	"efiscout/internal/prog"
)

// Options tunes a Session.
type Options struct {
	// DecompTimeout bounds each dispatcher-pass decompilation.
	DecompTimeout time.Duration
	// RepairTimeout bounds the re-decompilation after a signature repair.
	RepairTimeout time.Duration
	// CheckReads extends the overflow detector to treat a read of the
	// DataSize slot between two calls as a modification.
	CheckReads bool
}

// DefaultOptions returns the standard timeouts.
func DefaultOptions() Options {
	return Options{
		DecompTimeout: 120 * time.Second,
		RepairTimeout: 60 * time.Second,
	}
}

// CalloutFinding is one instruction copying a forwarded boot/runtime table
// pointer into a register inside SMM context.
type CalloutFinding struct {
	Addr uint64 // instruction address
	Root string // "bootServices" or "runtimeServices"
}

// OverflowFinding is an unordered pair of GetVariable call sites sharing an
// unmodified DataSize definition.
type OverflowFinding struct {
	First  uint64 // call instruction addresses, First < Second by sequence
	Second uint64
	Func   string
}

// getVarCall records one GetVariable call site for the overflow detector.
type getVarCall struct {
	op      *pcode.Op
	sizeDef pcode.Loc
}

// addrSet is a grow-only set of image addresses.
type addrSet map[uint64]bool

func (s addrSet) add(a uint64)      { s[a] = true }
func (s addrSet) has(a uint64) bool { return s[a] }

// Session owns every catalog, cache and counter for one analysis run.
type Session struct {
	prog    *prog.Program
	catalog *guid.Catalog
	opts    Options

	// Base types resolved once from the type database.
	guidType  prog.Type
	smstPtr   prog.Type
	handlePtr prog.Type
	uintn     prog.Type
	uintnPtr  prog.Type

	nameCount int
	ledger    *Ledger

	// Scan-phase SMI flags gate handler registration resolution.
	hwFlags map[string]bool
	swFlags map[string]bool

	// Software-SMI handler name -> entry address, consumed by the
	// callout detector.
	smiHandlers map[string]uint64

	// Per-function GetVariable call sites, keyed by function entry.
	getVarCalls map[uint64][]getVarCall
	overflows   []OverflowFinding

	callouts     []CalloutFinding
	calloutGraph *lattice.Graph

	// Forwarded root-pointer address sets, frozen once dispatch begins.
	bsAddrs addrSet
	rsAddrs addrSet

	// Decompilation cache and the set of functions dropped after a full
	// scan found no indirect calls.
	decomp  map[uint64]*pcode.Func
	dropped map[uint64]bool
}

// New builds a Session. Resolving the base UEFI types from the type
// database must succeed; a missing type archive is fatal to initialization.
func New(p *prog.Program, cat *guid.Catalog, opts Options) (*Session, error) {
	if opts.DecompTimeout == 0 {
		opts.DecompTimeout = DefaultOptions().DecompTimeout
	}
	if opts.RepairTimeout == 0 {
		opts.RepairTimeout = DefaultOptions().RepairTimeout
	}
	s := &Session{
		prog:        p,
		catalog:     cat,
		opts:        opts,
		ledger:      NewLedger(),
		hwFlags:     make(map[string]bool),
		swFlags:     make(map[string]bool),
		smiHandlers: make(map[string]uint64),
		getVarCalls: make(map[uint64][]getVarCall),
		bsAddrs:     make(addrSet),
		rsAddrs:     make(addrSet),
		decomp:      make(map[uint64]*pcode.Func),
		dropped:     make(map[uint64]bool),
	}
	var err error
	if s.guidType, err = s.baseType("EFI_GUID"); err != nil {
		return nil, err
	}
	if s.smstPtr, err = s.baseType("EFI_SMM_SYSTEM_TABLE2 *"); err != nil {
		return nil, err
	}
	if s.handlePtr, err = s.baseType("EFI_HANDLE *"); err != nil {
		return nil, err
	}
	if s.uintn, err = s.baseType("UINTN"); err != nil {
		return nil, err
	}
	if s.uintnPtr, err = s.baseType("UINTN *"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) baseType(name string) (prog.Type, error) {
	types := s.prog.Types.FindTypes(name)
	if len(types) == 0 {
		return prog.Type{}, fmt.Errorf("type archive is missing %s", name)
	}
	return types[0], nil
}

// Run executes the full pipeline: permission normalization, prior-findings
// load, GUID scan, entry typing, root-pointer forwarding, the dispatcher
// pass, the callout walk and overflow annotation, then ledger persistence.
func (s *Session) Run() error {
	// Skip permission normalization when the marker block already
	// exists: the image was prepared by a prior run.
	if _, ok := s.prog.Mem.BlockByName(MarkerBlock); !ok {
		if err := s.prog.Mem.MakeAccessible(); err != nil {
			return fmt.Errorf("normalize block permissions: %w", err)
		}
	}

	s.ledger = LoadLedger(s.prog.Mem)
	for _, f := range s.ledger.SmiFlags.Hw {
		s.hwFlags[f] = true
	}
	for _, f := range s.ledger.SmiFlags.Sw {
		s.swFlags[f] = true
	}

	s.ScanGuids()

	if err := s.ForwardRootPointers(); err != nil {
		return err
	}

	s.Dispatch()
	s.FindCallouts()
	s.AnnotateOverflows()

	s.ledger.SmiFlags = SmiFlags{Hw: flagList(s.hwFlags), Sw: flagList(s.swFlags)}
	if err := s.ledger.Save(s.prog.Mem); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}
	return nil
}

// ScanGuids runs the catalog scan over the image and defines typed GUID
// data at every match.
func (s *Session) ScanGuids() *guid.ScanResult {
	res := guid.Scan(s.prog.Mem, s.catalog)
	for _, m := range res.Matches {
		if err := s.prog.Ann.DefineData(m.Addr, s.guidType, m.Name); err != nil {
			log.WithField("addr", fmt.Sprintf("%#x", m.Addr)).Warnf("define guid data: %v", err)
		}
	}
	for f := range res.HwFlags {
		s.hwFlags[f] = true
	}
	for f := range res.SwFlags {
		s.swFlags[f] = true
	}
	log.Infof("guid scan: %d matches", len(res.Matches))
	return res
}

// Ledger exposes the findings ledger (read-only use expected).
func (s *Session) Ledger() *Ledger { return s.ledger }

// Callouts returns the recorded SMM callout findings.
func (s *Session) Callouts() []CalloutFinding { return s.callouts }

// Overflows returns the confirmed GetVariable overflow pairs.
func (s *Session) Overflows() []OverflowFinding { return s.overflows }

// nextName returns prefix plus the process-wide counter and advances it.
// Every assigned symbolic name in a run comes through here, which keeps
// names unique across handlers and categories.
func (s *Session) nextName(prefix string) string {
	n := fmt.Sprintf("%s%d", prefix, s.nameCount)
	s.nameCount++
	return n
}

// offset converts an image address to its image-relative offset.
func (s *Session) offset(addr uint64) uint64 { return addr - s.prog.ImageBase }

// decompile fetches the IR for the function at entry, consulting the cache
// first. Timed-out or failed decompilations drop the function from further
// consideration.
func (s *Session) decompile(entry uint64, timeout time.Duration) (*pcode.Func, error) {
	if hf, ok := s.decomp[entry]; ok {
		return hf, nil
	}
	hf, err := s.prog.Decomp.Decompile(entry, timeout)
	if err != nil {
		return nil, err
	}
	s.decomp[entry] = hf
	return hf, nil
}
