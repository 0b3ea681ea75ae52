//go:build linux || darwin

// Package guestmem manages the guest-visible address space. Guest code
// executes natively, so guest addresses are host addresses: the space is
// one anonymous mapping and all bookkeeping is page-granular protection
// state layered over it. An access fault inside the space is resolvable
// by restoring the page to read-write; anything outside is a genuine
// guest bug.
package guestmem

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/eden-emulator/mirror/internal/asm/arm64"
	"github.com/eden-emulator/mirror/internal/nce"
)

var _ nce.Memory = (*Space)(nil)

const PageSize = 0x1000

type PageState uint8

const (
	PageData PageState = iota // read-write
	PageCode                  // read-execute
	PageInvalidated           // faulted back to read-write
)

// Space is one guest address space.
type Space struct {
	mem    []byte
	states []PageState
}

func New(size uint64) (*Space, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("guestmem: size %#x not page aligned", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("guestmem: map %#x bytes: %w", size, err)
	}
	return &Space{
		mem:    mem,
		states: make([]PageState, size/PageSize),
	}, nil
}

func (s *Space) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	s.states = nil
	return err
}

// Base returns the guest (and host) address of the start of the space.
//
//go:nosplit
func (s *Space) Base() uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.mem[0])))
}

//go:nosplit
func (s *Space) Size() uint64 {
	return uint64(len(s.mem))
}

// Contains reports whether [addr, addr+size) lies inside the space.
//
//go:nosplit
func (s *Space) Contains(addr, size uint64) bool {
	base := s.Base()
	return addr >= base && size <= s.Size() && addr-base <= s.Size()-size
}

func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.mem)) {
		return 0, io.EOF
	}
	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Space) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.mem)) {
		return 0, fmt.Errorf("guestmem: write [%#x, %#x) outside space", off, off+int64(len(p)))
	}
	return copy(s.mem[off:], p), nil
}

// LoadCode writes an instruction image at the given offset, marks the
// covering pages execute-only-plus-read, and synchronizes the instruction
// cache. The offset must be page aligned so data never shares a code page.
func (s *Space) LoadCode(off uint64, words []uint32) error {
	if off%PageSize != 0 {
		return fmt.Errorf("guestmem: code offset %#x not page aligned", off)
	}
	if len(words) == 0 {
		return nil
	}
	size := uint64(len(words)) * arm64.InstrSize
	if off+size > s.Size() {
		return fmt.Errorf("guestmem: code image [%#x, %#x) outside space", off, off+size)
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(s.mem[off+uint64(i)*arm64.InstrSize:], w)
	}

	end := (off + size + PageSize - 1) &^ (PageSize - 1)
	if err := unix.Mprotect(s.mem[off:end], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("guestmem: protect code pages: %w", err)
	}
	for page := off / PageSize; page < end/PageSize; page++ {
		s.states[page] = PageCode
	}
	arm64.ClearCacheRange(uintptr(unsafe.Pointer(&s.mem[off])), uintptr(size))
	return nil
}

// InvalidateRange restores faulted pages to read-write and reports
// whether the access may be retried. Addresses outside the space are not
// resolvable.
//
// Called from the engine's fault handler on its signal stack; must not
// grow the goroutine stack or allocate.
//
//go:nosplit
func (s *Space) InvalidateRange(addr, size uint64) bool {
	if size == 0 || !s.Contains(addr, size) {
		return false
	}
	base := s.Base()
	start := (addr - base) &^ (PageSize - 1)
	end := (addr - base + size + PageSize - 1) &^ (PageSize - 1)
	if err := unix.Mprotect(s.mem[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false
	}
	for page := start / PageSize; page < end/PageSize; page++ {
		s.states[page] = PageInvalidated
	}
	return true
}

// State returns the protection state of the page containing addr.
func (s *Space) State(addr uint64) PageState {
	return s.states[(addr-s.Base())/PageSize]
}
