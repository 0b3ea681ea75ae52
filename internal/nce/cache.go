package nce

import (
	"github.com/eden-emulator/mirror/internal/asm/arm64"
)

// Guest code runs out of host-mapped memory at its guest addresses, so
// cache maintenance operates on the guest address directly.

// InvalidateCacheRange makes modified guest code in [addr, addr+size)
// safe to execute natively.
func (e *Engine) InvalidateCacheRange(addr, size uint64) {
	arm64.ClearCacheRange(uintptr(addr), uintptr(size))
}

// ClearInstructionCache synchronizes the instruction stream after bulk
// code changes whose exact extent is unknown.
func (e *Engine) ClearInstructionCache() {
	arm64.SynchronizeCaches()
}
