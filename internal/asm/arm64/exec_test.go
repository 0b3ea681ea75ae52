//go:build (darwin || linux) && arm64

package arm64

import "testing"

func TestMapCode(t *testing.T) {
	block, err := MapCode([]uint32{EncodeNop(), EncodeRet()})
	if err != nil {
		t.Fatal(err)
	}
	defer block.Close()

	if block.Entry() == 0 {
		t.Fatal("mapped block has no entry")
	}
	if block.Entry()%uintptr(InstrSize) != 0 {
		t.Fatalf("entry %#x not instruction aligned", block.Entry())
	}
	if block.Size() < 2*InstrSize {
		t.Fatalf("block size %d too small", block.Size())
	}

	if err := block.Close(); err != nil {
		t.Fatal(err)
	}
	// Closing twice is allowed.
	if err := block.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMapCodeRejectsEmpty(t *testing.T) {
	if _, err := MapCode(nil); err == nil {
		t.Fatal("empty block mapped")
	}
}
