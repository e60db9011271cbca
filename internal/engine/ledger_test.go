package engine

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/0xrawsec/toast"
)

func sampleLedger() *Ledger {
	l := NewLedger()
	l.LocateProtocol["4112"] = ProtocolRecord{
		Name:     "EFI_MM_ACCESS_PROTOCOL",
		Function: "InitProtocols",
		GUID:     "C2702B74-800C-4131-9164-BCAC8DEC7AB1",
	}
	l.InstallProtocol["8208"] = ProtocolRecord{
		Name:     "MY_PROTOCOL",
		Function: "Install",
		GUID:     "0A1B2C3D-0001-0002-0304-050607080910",
	}
	l.Interrupts.SwSmi["4200"] = InterruptRecord{
		FunctionOffset: "8192",
		FunctionName:   "swSmiHandler0",
	}
	l.Interrupts.Child["4352"] = InterruptRecord{
		GUID:           "18A3C6DC-5EEA-48C8-A1C1-B53389F98999",
		Name:           "EFI_SMM_SW_DISPATCH2_PROTOCOL",
		FunctionOffset: "8448",
		FunctionName:   "ChildSmiHandler0",
	}
	l.SmiFlags = SmiFlags{Hw: []string{"usbHandler"}, Sw: []string{"swSmiHandler"}}
	l.GetVariable["4400"] = GetVariableRecord{Function: "ReadConfig"}
	l.Overflows["4400"] = OverflowRecord{Second: "4500", Function: "ReadConfig"}
	l.Callouts["8720"] = CalloutRecord{Root: "bootServices"}
	return l
}

func TestLedgerRoundTrip(t *testing.T) {
	tt := toast.FromT(t)
	mem := newFakeMem(0x1000, 0x100)

	l := sampleLedger()
	tt.CheckErr(l.Save(mem))

	got := LoadLedger(mem)
	if !reflect.DeepEqual(got, l) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, l)
	}
}

func TestLedgerSaveReplacesPriorBlock(t *testing.T) {
	tt := toast.FromT(t)
	mem := newFakeMem(0x1000, 0x100)

	l := sampleLedger()
	tt.CheckErr(l.Save(mem))

	l.LocateProtocol["9000"] = ProtocolRecord{Name: "SECOND", Function: "g"}
	tt.CheckErr(l.Save(mem))

	got := LoadLedger(mem)
	tt.Assert(len(got.LocateProtocol) == 2)
}

func TestLedgerMissingBlockStartsEmpty(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	l := LoadLedger(mem)
	if l.Version != ledgerVersion || len(l.LocateProtocol) != 0 {
		t.Fatalf("ledger = %+v", l)
	}
	// Maps must be usable, never nil.
	l.Interrupts.HwSmi["1"] = InterruptRecord{}
	l.GetVariable["1"] = GetVariableRecord{}
	l.Overflows["1"] = OverflowRecord{}
	l.Callouts["1"] = CalloutRecord{}
}

func TestLedgerUnreadableBlockStartsEmpty(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	if err := mem.CreateBlock(MarkerBlock, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	l := LoadLedger(mem)
	if len(l.LocateProtocol) != 0 {
		t.Fatalf("ledger = %+v", l)
	}
}

func TestLedgerVersionMismatchStartsEmpty(t *testing.T) {
	mem := newFakeMem(0x1000, 0x100)
	stale := `{"version":99,"locateProtocol":{"1":{"name":"X","function":"f","guid":"g"}}}`
	if err := mem.CreateBlock(MarkerBlock, []byte(stale)); err != nil {
		t.Fatal(err)
	}
	l := LoadLedger(mem)
	if len(l.LocateProtocol) != 0 {
		t.Fatal("stale-schema records partially deserialized")
	}
	if l.Version != ledgerVersion {
		t.Fatalf("version = %d", l.Version)
	}
}

func TestLedgerSerializationDeterministic(t *testing.T) {
	l := sampleLedger()
	a, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("re-serialization differs")
	}
}

func TestLedgerKeysOrderedByOffset(t *testing.T) {
	tt := toast.FromT(t)

	l := NewLedger()
	l.LocateProtocol["9"] = ProtocolRecord{Name: "A"}
	l.LocateProtocol["10"] = ProtocolRecord{Name: "B"}
	l.LocateProtocol["100"] = ProtocolRecord{Name: "C"}

	raw, err := json.Marshal(l)
	tt.CheckErr(err)

	// Numeric order, not lexicographic: 9 before 10 before 100.
	i9 := bytes.Index(raw, []byte(`"9":`))
	i10 := bytes.Index(raw, []byte(`"10":`))
	i100 := bytes.Index(raw, []byte(`"100":`))
	tt.Assert(i9 >= 0 && i10 >= 0 && i100 >= 0)
	tt.Assert(i9 < i10 && i10 < i100)
}

func TestOffsetKey(t *testing.T) {
	if OffsetKey(4112) != "4112" {
		t.Fatalf("OffsetKey(4112) = %q", OffsetKey(4112))
	}
	if OffsetKey(0) != "0" {
		t.Fatalf("OffsetKey(0) = %q", OffsetKey(0))
	}
}
