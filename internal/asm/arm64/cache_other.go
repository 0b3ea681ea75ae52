//go:build !((darwin || linux) && arm64)

package arm64

// ClearCacheRange is a no-op on hosts without split instruction/data
// caches visible to userspace. Generated code never runs on these hosts
// anyway; the encoder is still useful for tests and tooling.
func ClearCacheRange(addr, size uintptr) {}
