package main

import (
	"flag"
	"fmt"
	"os"

	"efiscout/internal/ghidra"
	"efiscout/internal/guid"
)

func cmdGuids(args []string) error {
	fs := flag.NewFlagSet("guids", flag.ExitOnError)
	inDir := fs.String("in", "", "program dump directory")
	guidDB := fs.String("guid-db", "", "GUID database file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inDir == "" {
		return fmt.Errorf("--in is required")
	}
	if *guidDB == "" {
		return fmt.Errorf("--guid-db is required")
	}

	cat, err := guid.LoadCatalog(*guidDB)
	if err != nil {
		return err
	}
	dump, err := ghidra.Load(*inDir)
	if err != nil {
		return fmt.Errorf("load dump: %w", err)
	}

	res := guid.Scan(dump, cat)
	for _, m := range res.Matches {
		fmt.Printf("0x%x  %s  %s\n", m.Addr, m.GUID, m.Name)
	}
	fmt.Fprintf(os.Stderr, "%d matches (%d hw SMI flags, %d sw SMI flags)\n",
		len(res.Matches), len(res.HwFlags), len(res.SwFlags))
	return nil
}
