// Package nce executes ARM64 guest code directly on an ARM64 host. One
// engine instance is bound to one host worker thread; the emulated-kernel
// scheduler hands it guest threads to run, and guest execution proceeds on
// the worker's native call stack until the guest halts, faults, or is
// interrupted from another thread.
package nce

import (
	"errors"
	"fmt"

	"github.com/eden-emulator/mirror/internal/debug"
)

var ErrNativeExecutionUnsupported = errors.New("nce: native execution unsupported on this platform")

// GuestPageSize is the page granularity used when asking the memory
// manager to resolve an access fault.
const GuestPageSize = 0x1000

// Memory is the guest memory manager collaborator. InvalidateRange reports
// whether an access to the range is valid after invalidation, i.e. whether
// the faulting instruction should be retried.
//
// InvalidateRange is invoked from the engine's fault handler on its
// dedicated signal stack. Implementations must be go:nosplit-safe: no
// allocation, no stack growth, no locks shared with regular goroutines.
type Memory interface {
	InvalidateRange(addr, size uint64) bool
}

// InstructionExecutor emulates exactly one guest instruction against live
// signal-context register state. It is the software fallback for accesses
// the host CPU cannot complete (misaligned device memory, for example).
// Like Memory, it runs inside the engine's fault handler and must not
// allocate or grow the stack.
type InstructionExecutor interface {
	// ExecuteOne returns the continuation program counter and true on
	// success, or false if the instruction could not be matched.
	ExecuteOne(sctx *SignalContext, mem Memory) (uint64, bool)
}

// System is the emulated system the engine runs under.
type System interface {
	ApplicationMemory() Memory
	Executor() InstructionExecutor
}

// Thread is the emulated-kernel thread object handed to RunThread.
type Thread interface {
	Parameters() *NativeExecutionParameters
	Owner() Process
}

// Process exposes the registered-entry-point lookup used to select the
// trampoline transfer path. PostHandler returns the native trampoline
// entry for a guest program counter, or 0 when none is registered.
type Process interface {
	PostHandler(pc uint64) uintptr
}

// transferFunc switches the worker thread into guest code and returns the
// accumulated halt reason once the guest slice ends. trampoline is the
// generated entry to use, or 0 for the exception-level-change path. Both
// strategies share the saveGuestContext/restoreGuestContext contract.
type transferFunc func(e *Engine, params *NativeExecutionParameters, trampoline uintptr) HaltReason

// Engine runs guest threads natively on one host worker thread.
type Engine struct {
	system    System
	coreIndex int

	ctx           GuestContext
	runningThread Thread

	// Set by Initialize on supported hosts.
	tid         int
	stack       []byte
	transfer    transferFunc
	signalBreak func(tid int)
}

// NewEngine creates an engine for one emulated core. Initialize must be
// called from the worker thread that will run guest code before the first
// RunThread.
func NewEngine(system System, coreIndex int) *Engine {
	e := &Engine{
		system:      system,
		coreIndex:   coreIndex,
		transfer:    platformTransfer,
		signalBreak: platformSignalBreak,
	}
	e.ctx.parent = e
	e.ctx.system = system
	return e
}

// RunThread transfers control to the guest thread's code and blocks until
// it halts, faults fatally, or is interrupted. The returned bitmask holds
// every reason latched during the slice; each reason is observed exactly
// once.
func (e *Engine) RunThread(thread Thread) HaltReason {
	// An interrupt may have arrived before entry. Returning it here
	// closes the race where a signal sent just before scheduling would
	// otherwise target a thread that is not yet running.
	if hr := HaltReason(e.ctx.EsrEl1.Swap(0)); hr != HaltReasonNone {
		return hr
	}

	params := thread.Parameters()
	tpidrEl0 := e.ctx.TpidrEl0
	tpidrroEl0 := e.ctx.TpidrroEl0

	e.runningThread = thread
	params.setNativeContext(&e.ctx)
	params.TpidrEl0 = tpidrEl0
	params.TpidrroEl0 = tpidrroEl0

	// Release: an interrupter that observes isRunning must also observe
	// the context published above.
	params.setRunning(true)

	hr := e.transfer(e, params, thread.Owner().PostHandler(e.ctx.Pc))

	finalTpidrEl0 := params.TpidrEl0

	params.setRunning(false)
	params.setNativeContext(nil)
	e.runningThread = nil

	e.ctx.TpidrEl0 = finalTpidrEl0

	return hr
}

// StepThread reports a single-step halt without entering guest code.
// Stepping is delegated entirely to the interpreter fallback.
func (e *Engine) StepThread(thread Thread) HaltReason {
	return HaltReasonStepThread
}

// SignalInterrupt asks a possibly-running guest thread to stop at the next
// safe point. Callable from any host thread; best-effort and asynchronous.
func (e *Engine) SignalInterrupt(thread Thread) {
	// Latch first so a thread that is not running observes the break on
	// its next RunThread fast path.
	e.ctx.EsrEl1.Or(uint64(HaltReasonBreakLoop))

	params := thread.Parameters()
	params.lock()

	if params.IsRunning() {
		// The running worker's break handler completes a save cycle and
		// releases the lock; it is not released here.
		debug.Writef("nce.SignalInterrupt", "signalling core %d tid %d", e.coreIndex, e.tid)
		e.signalBreak(e.tid)
	} else {
		params.unlock()
	}
}

// LockThread takes the thread-parameter lock on behalf of the scheduler,
// for explicit hand-off of a thread between engine instances.
func (e *Engine) LockThread(thread Thread) {
	thread.Parameters().lock()
}

// UnlockThread detaches the thread from this engine and releases the
// parameter lock taken by LockThread (or left held by a fatal fault).
func (e *Engine) UnlockThread(thread Thread) {
	params := thread.Parameters()
	e.ctx.TpidrEl0 = params.TpidrEl0
	e.ctx.TpidrroEl0 = params.TpidrroEl0
	params.setNativeContext(nil)
	params.unlock()
}

// GetSvcNumber returns the immediate operand of the last supervisor call
// the guest executed.
func (e *Engine) GetSvcNumber() uint32 {
	return e.ctx.Svc
}

// GetSvcArguments copies the eight argument registers captured at the
// supervisor-call site.
func (e *Engine) GetSvcArguments(args *[8]uint64) {
	copy(args[:], e.ctx.CpuRegisters[:8])
}

// SetSvcArguments writes the eight result registers the guest observes
// when it resumes after a supervisor call.
func (e *Engine) SetSvcArguments(args [8]uint64) {
	copy(e.ctx.CpuRegisters[:8], args[:])
}

// SetTpidrroEl0 sets the guest's read-only thread pointer.
func (e *Engine) SetTpidrroEl0(value uint64) {
	e.ctx.TpidrroEl0 = value
}

// GetContext captures the full guest register file.
func (e *Engine) GetContext(tctx *ThreadContext) {
	copy(tctx.R[:], e.ctx.CpuRegisters[:29])
	tctx.Fp = e.ctx.CpuRegisters[29]
	tctx.Lr = e.ctx.CpuRegisters[30]
	tctx.Sp = e.ctx.Sp
	tctx.Pc = e.ctx.Pc
	tctx.Pstate = e.ctx.Pstate
	tctx.V = e.ctx.VectorRegisters
	tctx.Fpcr = e.ctx.Fpcr
	tctx.Fpsr = e.ctx.Fpsr
	tctx.Tpidr = e.ctx.TpidrEl0
}

// SetContext replaces the full guest register file.
func (e *Engine) SetContext(tctx *ThreadContext) {
	copy(e.ctx.CpuRegisters[:29], tctx.R[:])
	e.ctx.CpuRegisters[29] = tctx.Fp
	e.ctx.CpuRegisters[30] = tctx.Lr
	e.ctx.Sp = tctx.Sp
	e.ctx.Pc = tctx.Pc
	e.ctx.Pstate = tctx.Pstate
	e.ctx.VectorRegisters = tctx.V
	e.ctx.Fpcr = tctx.Fpcr
	e.ctx.Fpsr = tctx.Fpsr
	e.ctx.TpidrEl0 = tctx.Tpidr
}

// Initialize prepares the engine on its worker thread: records the worker
// thread id for targeted interrupt delivery, allocates the dedicated
// signal stack, and installs the process-wide fault handlers on first use.
// The caller must have locked the goroutine to its OS thread.
func (e *Engine) Initialize() error {
	if err := e.initializePlatform(); err != nil {
		return fmt.Errorf("nce: initialize core %d: %w", e.coreIndex, err)
	}
	debug.Writef("nce.Initialize", "core %d ready, tid %d", e.coreIndex, e.tid)
	return nil
}
