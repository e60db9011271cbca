package engine

import (
	"github.com/apex/log"
	"golang.org/x/arch/x86/x86asm"
)

// checkHandlerEntry decodes the first bytes at a resolved SMI handler
// address as x86-64 before a function is created there. A non-decodable
// entry usually means the register call's handler operand resolved into
// data; the function is still created, but the mismatch is worth a warning.
func (s *Session) checkHandlerEntry(addr uint64, name string) {
	buf := make([]byte, 16)
	if err := s.prog.Mem.ReadAt(addr, buf); err != nil {
		log.Warnf("handler %s: cannot read entry bytes at %#x: %v", name, addr, err)
		return
	}
	if _, err := x86asm.Decode(buf, 64); err != nil {
		log.Warnf("handler %s: entry at %#x does not decode as x86-64 code", name, addr)
	}
}
