package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
)

func main() {
	log.SetHandler(clihandler.Default)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = cmdAnalyze(os.Args[2:])
	case "guids":
		err = cmdGuids(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "report":
		err = cmdReport(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `efiscout: UEFI/SMM firmware module analyzer

Usage:
  efiscout analyze --in <dir> --guid-db <path>   Run the full analysis over a program dump
  efiscout guids   --in <dir> --guid-db <path>   GUID catalog scan only
  efiscout graph   --in <dir> --guid-db <path>   Emit the SMM handler call graph as DOT
  efiscout report  --in <dir> [--json]           Render the persisted findings ledger

Flags:
  --in <dir>         Program dump directory (Ghidra headless export)
  --guid-db <path>   GUID database file (guids-db.ini format)
  --timeout <sec>    Per-function decompile budget (default 120)
  --check-reads      Treat reads of the DataSize slot as modifications
  --verbose          Debug logging
`)
}
