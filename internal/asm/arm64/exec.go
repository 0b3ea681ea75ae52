//go:build (darwin || linux) && arm64

package arm64

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CodeBlock is a page-aligned, executable mapping holding generated
// instructions. Blocks are immutable once mapped; rewriting guest code goes
// through a fresh block.
type CodeBlock struct {
	mem   []byte
	entry uintptr
}

// Entry returns the address of the first instruction in the block.
func (b *CodeBlock) Entry() uintptr { return b.entry }

// Size returns the mapped size in bytes.
func (b *CodeBlock) Size() int { return len(b.mem) }

// Close unmaps the block. The block must not be executing.
func (b *CodeBlock) Close() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("arm64: unmap code block: %w", err)
	}
	return nil
}

// MapCode copies the instruction words into a fresh anonymous mapping,
// remaps it read-execute, and invalidates the instruction cache over the
// new code. The data cache and instruction cache are not coherent on
// arm64, so the invalidation is required before the code may run.
func MapCode(instrs []uint32) (*CodeBlock, error) {
	if len(instrs) == 0 {
		return nil, fmt.Errorf("arm64: empty code block")
	}

	size := len(instrs) * InstrSize
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("arm64: mmap code block: %w", err)
	}

	for i, instr := range instrs {
		binary.LittleEndian.PutUint32(mem[i*InstrSize:], instr)
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("arm64: mprotect code block: %w", err)
	}

	entry := uintptr(unsafe.Pointer(&mem[0]))
	ClearCacheRange(entry, uintptr(size))

	return &CodeBlock{mem: mem, entry: entry}, nil
}
