package guid

import (
	"github.com/apex/log"

	"efiscout/internal/prog"
)

// SmiCategory classifies a dispatch-protocol GUID by the interrupt class it
// serves.
type SmiCategory int

const (
	CatHardware SmiCategory = iota
	CatSoftware
)

// dispatchFlag names the handler-registration flag a well-known dispatch
// protocol gates.
type dispatchFlag struct {
	Flag string
	Cat  SmiCategory
}

// dispatchProtocols maps dispatch-protocol GUID symbolic names to the SMI
// flag they set when the GUID constant appears in the image.
var dispatchProtocols = map[string]dispatchFlag{
	"EFI_SMM_GPI_DISPATCH2_PROTOCOL_GUID":            {"gpiHandler", CatHardware},
	"EFI_SMM_ICHN_DISPATCH2_PROTOCOL_GUID":           {"ichnHandler", CatHardware},
	"EFI_SMM_IO_TRAP_DISPATCH2_PROTOCOL_GUID":        {"ioTrapHandler", CatHardware},
	"EFI_SMM_PERIODIC_TIMER_DISPATCH2_PROTOCOL_GUID": {"periodicTimerHandler", CatHardware},
	"EFI_SMM_POWER_BUTTON_DISPATCH2_PROTOCOL_GUID":   {"pwrButtonHandler", CatHardware},
	"EFI_SMM_SX_DISPATCH2_PROTOCOL_GUID":             {"sxHandler", CatHardware},
	"EFI_SMM_USB_DISPATCH2_PROTOCOL_GUID":            {"usbHandler", CatHardware},
	"EFI_SMM_STANDBY_BUTTON_DISPATCH2_PROTOCOL_GUID": {"standbyButtonHandler", CatHardware},
	"PCH_TCO_SMI_DISPATCH_PROTOCOL_GUID":             {"pchTcoHandler", CatHardware},
	"PCH_PCIE_SMI_DISPATCH_PROTOCOL_GUID":            {"pchPcieHandler", CatHardware},
	"PCH_ACPI_SMI_DISPATCH_PROTOCOL_GUID":            {"pchAcpiHandler", CatHardware},
	"PCH_GPIO_UNLOCK_SMI_DISPATCH_PROTOCOL_GUID":     {"pchGpioUnlockHandler", CatHardware},
	"PCH_SMI_DISPATCH_PROTOCOL_GUID":                 {"pchHandler", CatHardware},
	"PCH_ESPI_SMI_DISPATCH_PROTOCOL_GUID":            {"pchEspiHandler", CatHardware},
	"EFI_ACPI_EN_DISPATCH_PROTOCOL_GUID":             {"acpiEnHandler", CatHardware},
	"EFI_ACPI_DIS_DISPATCH_PROTOCOL_GUID":            {"acpiDisHandler", CatHardware},
	"EFI_SMM_SW_DISPATCH2_PROTOCOL_GUID":             {"swSmiHandler", CatSoftware},
}

// Match is one GUID constant located in the image.
type Match struct {
	Addr uint64
	GUID GUID
	Name string
}

// ScanResult is the outcome of the image-wide GUID scan.
type ScanResult struct {
	Matches []Match
	HwFlags map[string]bool
	SwFlags map[string]bool
}

// Scan walks every memory block 4-byte aligned, reading 16-byte windows and
// testing each against the catalog. The all-zero GUID never matches, and a
// failed read skips the candidate address. Matches against well-known
// dispatch protocols additionally set the corresponding SMI flag.
func Scan(mem prog.Memory, cat *Catalog) *ScanResult {
	res := &ScanResult{
		HwFlags: make(map[string]bool),
		SwFlags: make(map[string]bool),
	}
	raw := make([]byte, Size)
	for _, blk := range mem.Blocks() {
		if blk.Size < Size {
			continue
		}
		end := blk.Start + blk.Size - Size
		for addr := blk.Start; addr <= end; addr += 4 {
			if err := mem.ReadAt(addr, raw); err != nil {
				continue
			}
			g, _ := FromBytes(raw)
			if g.IsZero() {
				continue
			}
			name, ok := cat.Lookup(g)
			if !ok {
				continue
			}
			log.WithField("addr", addr).Debug(name)
			res.Matches = append(res.Matches, Match{Addr: addr, GUID: g, Name: name})
			if df, ok := dispatchProtocols[name]; ok {
				switch df.Cat {
				case CatHardware:
					res.HwFlags[df.Flag] = true
				case CatSoftware:
					res.SwFlags[df.Flag] = true
				}
			}
		}
	}
	return res
}
