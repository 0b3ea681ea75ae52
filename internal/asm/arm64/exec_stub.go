//go:build !((darwin || linux) && arm64)

package arm64

import "fmt"

// CodeBlock is a stub on hosts that cannot execute generated A64 code.
type CodeBlock struct{}

func (b *CodeBlock) Entry() uintptr { return 0 }
func (b *CodeBlock) Size() int      { return 0 }
func (b *CodeBlock) Close() error   { return nil }

func MapCode(instrs []uint32) (*CodeBlock, error) {
	return nil, fmt.Errorf("arm64: native code execution not supported on this platform")
}
