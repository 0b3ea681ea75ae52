//go:build arm64

package arm64

// SynchronizeCaches issues the full barrier sequence (DSB ISH, ISB) so
// that completed cache maintenance becomes visible to the instruction
// stream. Implemented in assembly (barrier_arm64.s).
func SynchronizeCaches()
