//go:build !(linux || darwin)

package guestmem

import "errors"

const PageSize = 0x1000

type PageState uint8

const (
	PageData PageState = iota
	PageCode
	PageInvalidated
)

// Space is unavailable without mmap support.
type Space struct{}

func New(size uint64) (*Space, error) {
	return nil, ErrUnsupported
}

func (s *Space) Close() error                          { return nil }
func (s *Space) Base() uint64                          { return 0 }
func (s *Space) Size() uint64                          { return 0 }
func (s *Space) Contains(addr, size uint64) bool       { return false }
func (s *Space) ReadAt(p []byte, off int64) (int, error)  { return 0, errors.New("guestmem: not supported") }
func (s *Space) WriteAt(p []byte, off int64) (int, error) { return 0, errors.New("guestmem: not supported") }
func (s *Space) LoadCode(off uint64, words []uint32) error {
	return errors.New("guestmem: not supported")
}
func (s *Space) InvalidateRange(addr, size uint64) bool { return false }
func (s *Space) State(addr uint64) PageState            { return PageData }
