//go:build linux || darwin

package guestmem

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func newSpace(t *testing.T, size uint64) *Space {
	t.Helper()
	s, err := New(size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsUnalignedSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("zero size accepted")
	}
	if _, err := New(PageSize + 1); err == nil {
		t.Fatal("unaligned size accepted")
	}
}

func TestReadWriteAt(t *testing.T) {
	s := newSpace(t, 4*PageSize)

	payload := []byte("guest data")
	if _, err := s.WriteAt(payload, PageSize); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if _, err := s.ReadAt(got, PageSize); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q", got)
	}

	if _, err := s.WriteAt(payload, int64(s.Size())-2); err == nil {
		t.Fatal("out-of-range write accepted")
	}
	if _, err := s.ReadAt(got, int64(s.Size())); err != io.EOF {
		t.Fatalf("read at end: %v", err)
	}
}

func TestContains(t *testing.T) {
	s := newSpace(t, 2*PageSize)
	base := s.Base()

	if !s.Contains(base, 1) {
		t.Error("first byte not contained")
	}
	if !s.Contains(base+s.Size()-8, 8) {
		t.Error("final word not contained")
	}
	if s.Contains(base+s.Size(), 1) {
		t.Error("end address contained")
	}
	if s.Contains(base-1, 1) {
		t.Error("address below base contained")
	}
	if s.Contains(base, s.Size()+1) {
		t.Error("oversized range contained")
	}
}

func TestLoadCodeProtectsPages(t *testing.T) {
	s := newSpace(t, 4*PageSize)

	words := []uint32{0xD503201F, 0xD65F03C0}
	if err := s.LoadCode(PageSize, words); err != nil {
		t.Fatal(err)
	}

	if st := s.State(s.Base() + PageSize); st != PageCode {
		t.Fatalf("code page state %d", st)
	}
	if st := s.State(s.Base()); st != PageData {
		t.Fatalf("neighbouring page state %d", st)
	}

	// Code pages stay readable.
	got := make([]byte, 4)
	if _, err := s.ReadAt(got, PageSize); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(got) != words[0] {
		t.Fatalf("code word %#08x", binary.LittleEndian.Uint32(got))
	}
}

func TestLoadCodeRejectsBadOffsets(t *testing.T) {
	s := newSpace(t, 2*PageSize)
	if err := s.LoadCode(4, []uint32{0}); err == nil {
		t.Fatal("unaligned offset accepted")
	}
	if err := s.LoadCode(PageSize, make([]uint32, 2*PageSize/4)); err == nil {
		t.Fatal("overflowing image accepted")
	}
}

func TestLoadCodeEmptyImage(t *testing.T) {
	s := newSpace(t, 2*PageSize)

	// An empty image is a no-op, even at the very end of the space where
	// there is no byte to address.
	if err := s.LoadCode(s.Size(), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadCode(PageSize, []uint32{}); err != nil {
		t.Fatal(err)
	}
	if st := s.State(s.Base() + PageSize); st != PageData {
		t.Fatalf("page state %d after empty load", st)
	}
}

func TestInvalidateRange(t *testing.T) {
	s := newSpace(t, 4*PageSize)
	if err := s.LoadCode(PageSize, []uint32{0xD503201F}); err != nil {
		t.Fatal(err)
	}

	addr := s.Base() + PageSize + 8
	if !s.InvalidateRange(addr, 4) {
		t.Fatal("in-space range not resolvable")
	}
	if st := s.State(addr); st != PageInvalidated {
		t.Fatalf("state %d after invalidation", st)
	}

	// The page is writable again.
	if _, err := s.WriteAt([]byte{1, 2, 3, 4}, PageSize); err != nil {
		t.Fatal(err)
	}

	if s.InvalidateRange(s.Base()+s.Size(), 4) {
		t.Fatal("out-of-space range resolvable")
	}
	if s.InvalidateRange(addr, 0) {
		t.Fatal("empty range resolvable")
	}
}
