// Package render produces Graphviz DOT output from analysis results.
package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zboralski/lattice"
)

// Theme holds colors for callgraph rendering.
type Theme struct {
	Background string
	NodeFill   string
	NodeBorder string
	TextColor  string
	EdgeColor  string

	// Accent for functions carrying a callout finding.
	CalloutFill   string
	CalloutBorder string
}

// Default is a monochrome theme with a red callout accent.
var Default = Theme{
	Background: "#F5F5F5",
	NodeFill:   "white",
	NodeBorder: "#1A1A1A",
	TextColor:  "#1A1A1A",
	EdgeColor:  "#424242",

	CalloutFill:   "#FFEBEE",
	CalloutBorder: "#C62828",
}

// CallgraphDOT renders the call graph reachable from the software-SMI
// handlers as DOT. Functions named in flagged get the callout accent.
// Output is deterministic: nodes and edges are emitted sorted.
func CallgraphDOT(g *lattice.Graph, flagged map[string]bool, title string, t Theme) string {
	var b strings.Builder

	b.WriteString("digraph callgraph {\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  label=%q;\n", title)
	fmt.Fprintf(&b, "  fontcolor=%q;\n", t.TextColor)
	b.WriteString("  node [shape=box, style=filled];\n")

	if g != nil {
		nodes := append([]string(nil), g.Nodes...)
		sort.Strings(nodes)
		for _, name := range nodes {
			fill, border := t.NodeFill, t.NodeBorder
			if flagged[name] {
				fill, border = t.CalloutFill, t.CalloutBorder
			}
			fmt.Fprintf(&b, "  %s [label=%q, fillcolor=%q, color=%q, fontcolor=%q];\n",
				dotID(name), truncLabel(name, 48), fill, border, t.TextColor)
		}

		edges := append([]lattice.Edge(nil), g.Edges...)
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Caller != edges[j].Caller {
				return edges[i].Caller < edges[j].Caller
			}
			return edges[i].Callee < edges[j].Callee
		})
		for _, e := range edges {
			fmt.Fprintf(&b, "  %s -> %s [color=%q];\n", dotID(e.Caller), dotID(e.Callee), t.EdgeColor)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

// dotID creates a safe DOT identifier from a function name.
func dotID(name string) string {
	var b strings.Builder
	b.WriteString("n_")
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			fmt.Fprintf(&b, "_%04x", c)
		}
	}
	return b.String()
}

// truncLabel shortens a label to maxLen, appending "..." if truncated.
func truncLabel(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
