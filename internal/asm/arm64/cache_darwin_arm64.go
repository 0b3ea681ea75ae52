//go:build darwin && arm64

package arm64

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// On darwin the kernel exports sys_icache_invalidate, which performs the
// clean/invalidate/barrier sequence for us. Resolve it lazily out of
// libSystem the same way the Hypervisor.framework bindings resolve their
// symbols.
var (
	icacheOnce       sync.Once
	icacheInvalidate func(start unsafe.Pointer, size uintptr)
)

func loadICache() {
	lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		panic("arm64: dlopen libSystem: " + err.Error())
	}
	purego.RegisterLibFunc(&icacheInvalidate, lib, "sys_icache_invalidate")
}

// ClearCacheRange makes newly written instructions in [addr, addr+size)
// safe to execute.
func ClearCacheRange(addr, size uintptr) {
	if size == 0 {
		return
	}
	icacheOnce.Do(loadICache)
	icacheInvalidate(unsafe.Pointer(addr), size)
}
