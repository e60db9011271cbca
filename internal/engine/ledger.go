package engine

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/apex/log"

	"efiscout/internal/prog"
)

// MarkerBlock names the dedicated non-code memory region the ledger
// round-trips through.
const MarkerBlock = "efiscoutMeta"

// ledgerVersion is the serialization schema version. A persisted ledger
// with any other version is discarded, never partially deserialized.
const ledgerVersion = 1

// ProtocolRecord is one locate/install-protocol binding.
type ProtocolRecord struct {
	Name     string `json:"name"`
	Function string `json:"function"`
	GUID     string `json:"guid"`
}

// InterruptRecord is one SMI handler registration.
type InterruptRecord struct {
	GUID           string `json:"guid,omitempty"` // child registrations only
	Name           string `json:"name,omitempty"`
	FunctionOffset string `json:"functionOffset"`
	FunctionName   string `json:"functionName"`
}

// offsetMap keys records by the decimal image-relative offset and
// serializes them ordered by byte offset, so re-serialization is
// reproducible.
type offsetMap[T any] map[string]T

func (m offsetMap[T]) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseUint(keys[i], 10, 64)
		b, _ := strconv.ParseUint(keys[j], 10, 64)
		return a < b
	})
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// InterruptLedger groups handler registrations by interrupt category.
type InterruptLedger struct {
	Child offsetMap[InterruptRecord] `json:"child"`
	SwSmi offsetMap[InterruptRecord] `json:"swSmi"`
	HwSmi offsetMap[InterruptRecord] `json:"hwSmi"`
}

// SmiFlags lists the dispatch-protocol handler flags the GUID scan raised,
// sorted for reproducible serialization.
type SmiFlags struct {
	Hw []string `json:"hw,omitempty"`
	Sw []string `json:"sw,omitempty"`
}

// GetVariableRecord is one GetVariable call site seen by the overflow
// detector.
type GetVariableRecord struct {
	Function string `json:"function"`
}

// OverflowRecord is a confirmed GetVariable overflow pair, keyed by the
// earlier call's offset.
type OverflowRecord struct {
	Second   string `json:"second"` // offset of the later call
	Function string `json:"function"`
}

// CalloutRecord is one SMM callout instruction.
type CalloutRecord struct {
	Root string `json:"root"` // "bootServices" or "runtimeServices"
}

// Ledger aggregates every finding of a run, keyed by category then by
// image-relative offset. It is the sole externally visible output.
type Ledger struct {
	Version         int                          `json:"version"`
	SmiFlags        SmiFlags                     `json:"smiFlags"`
	LocateProtocol  offsetMap[ProtocolRecord]    `json:"locateProtocol"`
	InstallProtocol offsetMap[ProtocolRecord]    `json:"installProtocol"`
	Interrupts      InterruptLedger              `json:"interrupts"`
	GetVariable     offsetMap[GetVariableRecord] `json:"getVariable"`
	Overflows       offsetMap[OverflowRecord]    `json:"overflows"`
	Callouts        offsetMap[CalloutRecord]     `json:"callouts"`
}

// NewLedger returns an empty ledger at the current schema version.
func NewLedger() *Ledger {
	return &Ledger{
		Version:         ledgerVersion,
		LocateProtocol:  make(offsetMap[ProtocolRecord]),
		InstallProtocol: make(offsetMap[ProtocolRecord]),
		Interrupts: InterruptLedger{
			Child: make(offsetMap[InterruptRecord]),
			SwSmi: make(offsetMap[InterruptRecord]),
			HwSmi: make(offsetMap[InterruptRecord]),
		},
		GetVariable: make(offsetMap[GetVariableRecord]),
		Overflows:   make(offsetMap[OverflowRecord]),
		Callouts:    make(offsetMap[CalloutRecord]),
	}
}

// normalize re-allocates any maps a partially populated decode left nil.
func (l *Ledger) normalize() {
	if l.LocateProtocol == nil {
		l.LocateProtocol = make(offsetMap[ProtocolRecord])
	}
	if l.InstallProtocol == nil {
		l.InstallProtocol = make(offsetMap[ProtocolRecord])
	}
	if l.Interrupts.Child == nil {
		l.Interrupts.Child = make(offsetMap[InterruptRecord])
	}
	if l.Interrupts.SwSmi == nil {
		l.Interrupts.SwSmi = make(offsetMap[InterruptRecord])
	}
	if l.Interrupts.HwSmi == nil {
		l.Interrupts.HwSmi = make(offsetMap[InterruptRecord])
	}
	if l.GetVariable == nil {
		l.GetVariable = make(offsetMap[GetVariableRecord])
	}
	if l.Overflows == nil {
		l.Overflows = make(offsetMap[OverflowRecord])
	}
	if l.Callouts == nil {
		l.Callouts = make(offsetMap[CalloutRecord])
	}
}

// flagList renders a flag set as a sorted list, nil when empty.
func flagList(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// OffsetKey renders an image-relative offset as a ledger key.
func OffsetKey(off uint64) string { return strconv.FormatUint(off, 10) }

// LoadLedger reads the marker block back into a ledger. A missing block,
// undecodable payload or schema mismatch starts from an empty ledger.
func LoadLedger(mem prog.Memory) *Ledger {
	raw, err := mem.ReadBlock(MarkerBlock)
	if err != nil {
		return NewLedger()
	}
	var l Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		log.Warnf("findings marker block is unreadable, starting empty: %v", err)
		return NewLedger()
	}
	if l.Version != ledgerVersion {
		log.Warnf("findings schema version %d (want %d), starting empty", l.Version, ledgerVersion)
		return NewLedger()
	}
	l.normalize()
	return &l
}

// Save serializes the ledger into the marker block, replacing any prior
// region. Re-serializing an unchanged ledger produces identical bytes.
func (l *Ledger) Save(mem prog.Memory) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if _, ok := mem.BlockByName(MarkerBlock); ok {
		if err := mem.RemoveBlock(MarkerBlock); err != nil {
			return err
		}
	}
	return mem.CreateBlock(MarkerBlock, data)
}
