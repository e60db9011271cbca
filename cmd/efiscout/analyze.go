package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"

	"efiscout/internal/engine"
	"efiscout/internal/ghidra"
	"efiscout/internal/guid"
	"efiscout/internal/output"
	"efiscout/internal/render"
)

func cmdAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	inDir := fs.String("in", "", "program dump directory")
	guidDB := fs.String("guid-db", "", "GUID database file")
	timeout := fs.Int("timeout", 120, "per-function decompile budget in seconds")
	checkReads := fs.Bool("check-reads", false, "treat DataSize reads as modifications")
	verbose := fs.Bool("verbose", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inDir == "" {
		return fmt.Errorf("--in is required")
	}
	if *guidDB == "" {
		return fmt.Errorf("--guid-db is required")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cat, err := guid.LoadCatalog(*guidDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "loaded %d catalog entries\n", cat.Len())

	dump, err := ghidra.Load(*inDir)
	if err != nil {
		return fmt.Errorf("load dump: %w", err)
	}

	opts := engine.DefaultOptions()
	opts.DecompTimeout = time.Duration(*timeout) * time.Second
	opts.CheckReads = *checkReads

	sess, err := engine.New(dump.Program(), cat, opts)
	if err != nil {
		return err
	}
	if err := sess.Run(); err != nil {
		return err
	}

	if err := dump.Annotations().Save(*inDir); err != nil {
		return err
	}
	if err := output.WriteFindingsJSON(*inDir, sess.Ledger()); err != nil {
		return err
	}
	dot := render.CallgraphDOT(sess.CalloutGraph(), calloutFuncs(sess, dump),
		"SMM handler call graph", render.Default)
	if err := output.WriteCallgraphDOT(*inDir, dot); err != nil {
		return err
	}

	led := sess.Ledger()
	fmt.Fprintf(os.Stderr, "wrote annotations.json, findings.json, callgraph.dot\n")
	fmt.Fprintf(os.Stderr, "  locate protocol:  %d\n", len(led.LocateProtocol))
	fmt.Fprintf(os.Stderr, "  install protocol: %d\n", len(led.InstallProtocol))
	fmt.Fprintf(os.Stderr, "  interrupts:       %d child, %d sw, %d hw\n",
		len(led.Interrupts.Child), len(led.Interrupts.SwSmi), len(led.Interrupts.HwSmi))
	fmt.Fprintf(os.Stderr, "  smm callouts:     %d\n", len(sess.Callouts()))
	fmt.Fprintf(os.Stderr, "  overflow pairs:   %d\n", len(sess.Overflows()))
	return nil
}
