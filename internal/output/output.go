// Package output writes efiscout analysis results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFindingsJSON writes the findings ledger to findings.json.
func WriteFindingsJSON(dir string, ledger any) error {
	return writeJSON(filepath.Join(dir, "findings.json"), ledger)
}

// WriteCallgraphDOT writes the handler call graph to callgraph.dot.
func WriteCallgraphDOT(dir string, dot string) error {
	path := filepath.Join(dir, "callgraph.dot")
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
