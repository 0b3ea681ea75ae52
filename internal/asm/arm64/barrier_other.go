//go:build !arm64

package arm64

// SynchronizeCaches is a no-op off arm64 hosts.
func SynchronizeCaches() {}
