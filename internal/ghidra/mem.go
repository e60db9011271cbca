package ghidra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"efiscout/internal/prog"
)

// sideBlockDir holds blocks the engine creates at runtime (the findings
// marker block). They live as raw files so a later run reads them back.
const sideBlockDir = "blocks"

// loadSideBlocks reads previously created side blocks from the dump.
func (d *Dump) loadSideBlocks() error {
	d.side = make(map[string][]byte)
	entries, err := os.ReadDir(filepath.Join(d.dir, sideBlockDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("side blocks: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, sideBlockDir, e.Name()))
		if err != nil {
			return fmt.Errorf("side block %s: %w", e.Name(), err)
		}
		d.side[strings.TrimSuffix(e.Name(), ".bin")] = data
	}
	return nil
}

// ReadAt implements prog.Memory against the image blocks.
func (d *Dump) ReadAt(addr uint64, p []byte) error {
	for _, b := range d.blocks {
		if addr < b.Start || addr+uint64(len(p)) > b.Start+b.Size {
			continue
		}
		off := d.memOff[b.Name] + (addr - b.Start)
		if off+uint64(len(p)) > uint64(len(d.mem)) {
			return fmt.Errorf("read at %#x: beyond mem.bin", addr)
		}
		copy(p, d.mem[off:off+uint64(len(p))])
		return nil
	}
	return fmt.Errorf("read at %#x: no covering block", addr)
}

// Blocks implements prog.Memory.
func (d *Dump) Blocks() []prog.Block { return d.blocks }

// BlockByName implements prog.Memory, covering both image and side blocks.
func (d *Dump) BlockByName(name string) (prog.Block, bool) {
	for _, b := range d.blocks {
		if b.Name == name {
			return b, true
		}
	}
	if data, ok := d.side[name]; ok {
		return prog.Block{Name: name, Size: uint64(len(data))}, true
	}
	return prog.Block{}, false
}

// ReadBlock implements prog.Memory.
func (d *Dump) ReadBlock(name string) ([]byte, error) {
	if data, ok := d.side[name]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	for _, b := range d.blocks {
		if b.Name != name {
			continue
		}
		out := make([]byte, b.Size)
		if err := d.ReadAt(b.Start, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("no block named %q", name)
}

// CreateBlock implements prog.Memory: the block is kept in memory and
// persisted as a side file so a subsequent run resumes from it.
func (d *Dump) CreateBlock(name string, data []byte) error {
	if _, ok := d.BlockByName(name); ok {
		return fmt.Errorf("block %q already exists", name)
	}
	dir := filepath.Join(d.dir, sideBlockDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, name+".bin"), data, 0o644); err != nil {
		return err
	}
	d.side[name] = append([]byte(nil), data...)
	return nil
}

// RemoveBlock implements prog.Memory for side blocks. Image blocks are
// never removed.
func (d *Dump) RemoveBlock(name string) error {
	if _, ok := d.side[name]; !ok {
		return fmt.Errorf("no removable block named %q", name)
	}
	delete(d.side, name)
	err := os.Remove(filepath.Join(d.dir, sideBlockDir, name+".bin"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MakeAccessible implements prog.Memory. The dump carries no permission
// bits, so the request is recorded for the apply script to replay.
func (d *Dump) MakeAccessible() error {
	d.ann.MarkAccessible()
	return nil
}
