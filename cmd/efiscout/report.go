package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"efiscout/internal/engine"
	"efiscout/internal/ghidra"
)

func cmdReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	inDir := fs.String("in", "", "program dump directory")
	asJSON := fs.Bool("json", false, "emit the raw ledger JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inDir == "" {
		return fmt.Errorf("--in is required")
	}

	dump, err := ghidra.Load(*inDir)
	if err != nil {
		return fmt.Errorf("load dump: %w", err)
	}
	led := engine.LoadLedger(dump)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(led)
	}

	printProtocols := func(title string, m map[string]engine.ProtocolRecord) {
		if len(m) == 0 {
			return
		}
		fmt.Printf("%s:\n", title)
		for _, off := range sortedOffsets(keys(m)) {
			r := m[off]
			fmt.Printf("  +%-8s %-40s %s  in %s\n", off, r.Name, r.GUID, r.Function)
		}
	}
	printInterrupts := func(title string, m map[string]engine.InterruptRecord) {
		if len(m) == 0 {
			return
		}
		fmt.Printf("%s:\n", title)
		for _, off := range sortedOffsets(keys(m)) {
			r := m[off]
			fmt.Printf("  +%-8s %-24s handler %s at +%s", off, r.Name, r.FunctionName, r.FunctionOffset)
			if r.GUID != "" {
				fmt.Printf("  guid %s", r.GUID)
			}
			fmt.Println()
		}
	}

	if len(led.SmiFlags.Hw)+len(led.SmiFlags.Sw) > 0 {
		fmt.Printf("smi flags: hw %v  sw %v\n", led.SmiFlags.Hw, led.SmiFlags.Sw)
	}
	printProtocols("locate protocol", led.LocateProtocol)
	printProtocols("install protocol", led.InstallProtocol)
	printInterrupts("child SMI", led.Interrupts.Child)
	printInterrupts("software SMI", led.Interrupts.SwSmi)
	printInterrupts("hardware SMI", led.Interrupts.HwSmi)
	if len(led.Callouts) > 0 {
		fmt.Printf("smm callouts:\n")
		for _, off := range sortedOffsets(keys(led.Callouts)) {
			fmt.Printf("  +%-8s %s table pointer\n", off, led.Callouts[off].Root)
		}
	}
	if len(led.Overflows) > 0 {
		fmt.Printf("getVariable overflows:\n")
		for _, off := range sortedOffsets(keys(led.Overflows)) {
			r := led.Overflows[off]
			fmt.Printf("  +%-8s paired with +%s  in %s\n", off, r.Second, r.Function)
		}
	}
	return nil
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// sortedOffsets orders decimal offset keys numerically.
func sortedOffsets(offs []string) []string {
	sort.Slice(offs, func(i, j int) bool {
		a, _ := strconv.ParseUint(offs[i], 10, 64)
		b, _ := strconv.ParseUint(offs[j], 10, 64)
		return a < b
	})
	return offs
}
