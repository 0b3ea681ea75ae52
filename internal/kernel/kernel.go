// Package kernel holds the emulated-kernel objects the execution engine
// collaborates with: threads that own the ABI-visible parameter block and
// processes that track patched entry points.
package kernel

import (
	"sync"

	"github.com/eden-emulator/mirror/internal/nce"
)

// Thread is a schedulable guest thread. The zero value is not usable;
// NewThread stamps the parameter block with the TLS sentinel the signal
// trampolines look for.
type Thread struct {
	params nce.NativeExecutionParameters
	owner  *Process
}

var _ nce.Thread = (*Thread)(nil)

func NewThread(owner *Process) *Thread {
	t := &Thread{owner: owner}
	t.params.Magic = nce.TlsMagic
	return t
}

// Parameters is read from the engine's fault handler, so it must stay
// go:nosplit-safe.
//
//go:nosplit
func (t *Thread) Parameters() *nce.NativeExecutionParameters {
	return &t.params
}

func (t *Thread) Owner() nce.Process {
	return t.owner
}

// Process tracks the native trampoline entries registered for patched
// guest program counters. Lookup is on the engine's run path; entries are
// added when a module is patched, including dynamically loaded ones, so
// access is guarded.
type Process struct {
	mu           sync.RWMutex
	postHandlers map[uint64]uintptr
}

var _ nce.Process = (*Process)(nil)

func NewProcess() *Process {
	return &Process{postHandlers: make(map[uint64]uintptr)}
}

// RegisterPostHandler associates a guest program counter with a generated
// trampoline entry.
func (p *Process) RegisterPostHandler(pc uint64, entry uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.postHandlers[pc] = entry
}

// PostHandler returns the trampoline entry for pc, or 0 when the address
// has no patched entry point.
func (p *Process) PostHandler(pc uint64) uintptr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.postHandlers[pc]
}
