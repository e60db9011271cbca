package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"efiscout/internal/engine"
	"efiscout/internal/ghidra"
	"efiscout/internal/guid"
	"efiscout/internal/render"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	inDir := fs.String("in", "", "program dump directory")
	guidDB := fs.String("guid-db", "", "GUID database file")
	timeout := fs.Int("timeout", 120, "per-function decompile budget in seconds")

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

	opts := engine.DefaultOptions()
	opts.DecompTimeout = time.Duration(*timeout) * time.Second

	sess, err := engine.New(dump.Program(), cat, opts)
	if err != nil {
		return err
	}
	if err := sess.Run(); err != nil {
		return err
	}

	dot := render.CallgraphDOT(sess.CalloutGraph(), calloutFuncs(sess, dump),
		"SMM handler call graph", render.Default)
	fmt.Print(dot)
	fmt.Fprintf(os.Stderr, "%d handlers walked, %d callouts\n",
		len(sess.CalloutGraph().Nodes), len(sess.Callouts()))
	return nil
}

// calloutFuncs names every function containing a callout finding.
func calloutFuncs(sess *engine.Session, dump *ghidra.Dump) map[string]bool {
	flagged := make(map[string]bool)
	for _, f := range sess.Callouts() {
		if fi, ok := dump.Containing(f.Addr); ok {
			flagged[fi.Name] = true
		}
	}
	return flagged
}
