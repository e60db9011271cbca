package guid

import (
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
)

// Vendor tags recognized in the database and skipped. They classify the
// entry's origin but carry no analysis meaning.
var vendorTags = map[string]bool{
	"[edk]":     true,
	"[ami]":     true,
	"[ami+]":    true,
	"[apple]":   true,
	"[intel]":   true,
	"[insyde]":  true,
	"[acer]":    true,
	"[phoenix]": true,
	"[new]":     true,
}

// guidSuffix is the trailing suffix stripped from a GUID symbolic name to
// derive its protocol class name.
const guidSuffix = "_GUID"

// smmAccessAlias maps the access-protocol variant onto its SMM-specific
// counterpart, whose definition carries the usable member layout.
var smmAccessAlias = map[string]string{
	"EFI_SMM_ACCESS2_PROTOCOL": "EFI_MM_ACCESS_PROTOCOL",
}

// Catalog maps canonical GUID strings to symbolic protocol names. It is
// loaded once and read-only afterwards.
type Catalog struct {
	names map[string]string // upper-case canonical string -> symbolic name
}

// LoadCatalog reads and parses the flat GUID database at path. A missing or
// unreadable database is fatal to initialization.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("guid database: %w", err)
	}
	return ParseCatalog(string(data)), nil
}

// ParseCatalog parses the database text: NAME = GUID pairs, each optionally
// prefixed by a bracketed vendor tag, separated by any mix of spaces,
// braces, equals signs and line breaks. Malformed entries are skipped.
func ParseCatalog(text string) *Catalog {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ' ', '{', '}', '=', '\n', '\r', '\t':
			return true
		}
		return false
	})

	c := &Catalog{names: make(map[string]string)}
	skipped := 0
	for i := 0; i < len(fields); {
		if vendorTags[strings.ToLower(fields[i])] {
			i++
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		name, raw := fields[i], fields[i+1]
		i += 2
		g, err := Parse(raw)
		if err != nil {
			skipped++
			continue
		}
		c.names[g.String()] = name
	}
	if skipped > 0 {
		log.Warnf("guid database: skipped %d malformed entries", skipped)
	}
	return c
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.names) }

// Lookup resolves a GUID to its symbolic name. Unknown GUIDs return ok
// false, never an error.
func (c *Catalog) Lookup(g GUID) (string, bool) {
	name, ok := c.names[g.String()]
	return name, ok
}

// LookupString resolves a canonical GUID string case-insensitively.
func (c *Catalog) LookupString(s string) (string, bool) {
	g, err := Parse(s)
	if err != nil {
		return "", false
	}
	return c.Lookup(g)
}

// ProtocolName derives the protocol class name from a GUID symbolic name by
// stripping the _GUID suffix, then applying the SMM access alias.
func ProtocolName(guidName string) string {
	name := strings.TrimSuffix(guidName, guidSuffix)
	if alias, ok := smmAccessAlias[name]; ok {
		return alias
	}
	return name
}
