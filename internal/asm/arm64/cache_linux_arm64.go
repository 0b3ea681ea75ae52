//go:build linux && arm64

package arm64

// cacheLineSize is the conservative clean/invalidate granule. Reading
// CTR_EL0 would give the exact value; 64 bytes covers every supported core.
const cacheLineSize = 64

// icacheInvalidate cleans the data cache and invalidates the instruction
// cache over [begin, end), then issues the barrier sequence. Implemented in
// assembly (cache_linux_arm64.s).
func icacheInvalidate(begin, end uintptr)

// ClearCacheRange makes newly written instructions in [addr, addr+size)
// safe to execute.
func ClearCacheRange(addr, size uintptr) {
	if size == 0 {
		return
	}
	begin := addr &^ (cacheLineSize - 1)
	end := (addr + size + cacheLineSize - 1) &^ (cacheLineSize - 1)
	icacheInvalidate(begin, end)
}
