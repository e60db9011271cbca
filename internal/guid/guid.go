// Package guid implements the EFI GUID codec, the protocol-name catalog and
// the image-wide GUID scan.
package guid

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Size is the raw size of an EFI GUID.
const Size = 16

// GUID is a 16-byte EFI GUID in its binary layout: one 32-bit field, two
// 16-bit fields (all little-endian) and an 8-byte trailing array.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// Unknown is the placeholder used when a GUID operand cannot be resolved.
var Unknown = GUID{0xFFFFFFFF, 0xFFFF, 0xFFFF, [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}

// FromBytes decodes the 16-byte binary layout.
func FromBytes(raw []byte) (GUID, error) {
	if len(raw) < Size {
		return GUID{}, fmt.Errorf("guid: short input: %d bytes", len(raw))
	}
	var g GUID
	g.Data1 = binary.LittleEndian.Uint32(raw[0:4])
	g.Data2 = binary.LittleEndian.Uint16(raw[4:6])
	g.Data3 = binary.LittleEndian.Uint16(raw[6:8])
	copy(g.Data4[:], raw[8:16])
	return g, nil
}

// Bytes encodes the GUID back to its 16-byte binary layout.
func (g GUID) Bytes() []byte {
	raw := make([]byte, Size)
	binary.LittleEndian.PutUint32(raw[0:4], g.Data1)
	binary.LittleEndian.PutUint16(raw[4:6], g.Data2)
	binary.LittleEndian.PutUint16(raw[6:8], g.Data3)
	copy(raw[8:16], g.Data4[:])
	return raw
}

// String renders the canonical hyphenated form, upper-case hex:
// XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX.
func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1],
		g.Data4[2], g.Data4[3], g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// Short returns the first 8 hex characters of the canonical form, used to
// synthesize names like unknownProtocol_8C8CE578.
func (g GUID) Short() string { return g.String()[:8] }

// IsZero reports whether the GUID is all zero bytes.
func (g GUID) IsZero() bool {
	return g.Data1 == 0 && g.Data2 == 0 && g.Data3 == 0 && g.Data4 == [8]byte{}
}

// Parse decodes a canonical hyphenated string, case-insensitively.
// It is the inverse of String.
func Parse(s string) (GUID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return GUID{}, fmt.Errorf("guid: malformed %q", s)
	}
	hex := strings.ToUpper(s[0:8] + s[9:13] + s[14:18] + s[19:23] + s[24:36])
	var nib [32]byte
	for i := 0; i < 32; i++ {
		c := hex[i]
		switch {
		case c >= '0' && c <= '9':
			nib[i] = c - '0'
		case c >= 'A' && c <= 'F':
			nib[i] = c - 'A' + 10
		default:
			return GUID{}, fmt.Errorf("guid: bad hex digit in %q", s)
		}
	}
	byteAt := func(i int) byte { return nib[2*i]<<4 | nib[2*i+1] }
	var g GUID
	g.Data1 = uint32(byteAt(0))<<24 | uint32(byteAt(1))<<16 | uint32(byteAt(2))<<8 | uint32(byteAt(3))
	g.Data2 = uint16(byteAt(4))<<8 | uint16(byteAt(5))
	g.Data3 = uint16(byteAt(6))<<8 | uint16(byteAt(7))
	for i := 0; i < 8; i++ {
		g.Data4[i] = byteAt(8 + i)
	}
	return g, nil
}
