package nce

import (
	"sync/atomic"
	"unsafe"
)

// Vector128 is a 128-bit SIMD register value.
type Vector128 = [2]uint64

// HaltReason is a bitmask of causes for guest execution returning control
// to the caller of RunThread. Multiple reasons may be latched before the
// synchronous path observes them, so the bits are combinable.
type HaltReason uint64

const (
	HaltReasonNone       HaltReason = 0
	HaltReasonStepThread HaltReason = 1 << 0

	// HaltReasonDataAbort is reserved. Resolvable data aborts retry the
	// instruction and unresolvable ones skip it; neither latches a halt.
	HaltReasonDataAbort             HaltReason = 1 << 1
	HaltReasonBreakLoop             HaltReason = 1 << 2
	HaltReasonSupervisorCall        HaltReason = 1 << 3
	HaltReasonInstructionBreakpoint HaltReason = 1 << 4
	HaltReasonPrefetchAbort         HaltReason = 1 << 5
)

func (hr HaltReason) String() string {
	if hr == HaltReasonNone {
		return "none"
	}
	var s string
	add := func(bit HaltReason, name string) {
		if hr&bit == 0 {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(HaltReasonStepThread, "step-thread")
	add(HaltReasonDataAbort, "data-abort")
	add(HaltReasonBreakLoop, "break-loop")
	add(HaltReasonSupervisorCall, "supervisor-call")
	add(HaltReasonInstructionBreakpoint, "instruction-breakpoint")
	add(HaltReasonPrefetchAbort, "prefetch-abort")
	return s
}

// HostContext holds the host callee-saved state captured while a worker
// thread is inside guest code. It is only meaningful during that window.
//
// HostTpidrEl0 has no equivalent in the original engine's contract: the Go
// runtime anchors per-thread state in tpidr_el0, so the signal trampolines
// must restore it before any Go code runs on the faulting thread.
type HostContext struct {
	HostSavedRegs  [12]uint64    // x19-x30; [11] is the transfer return address
	HostSavedVregs [8]Vector128  // q8-q15
	HostSp         uint64
	HostTpidrEl0   uint64
}

// GuestContext is the register file and halt state of one engine instance.
// It is owned by the single host worker thread bound to the engine; the
// only cross-thread access is the atomic EsrEl1 halt-reason latch.
type GuestContext struct {
	CpuRegisters    [31]uint64
	_               [8]byte // keep the vector file 16-byte aligned
	VectorRegisters [32]Vector128
	Fpsr            uint32
	Fpcr            uint32
	Pc              uint64
	Sp              uint64
	TpidrEl0        uint64
	TpidrroEl0      uint64
	Pstate          uint32
	Svc             uint32

	// EsrEl1 is the pending halt-reason bitmask. Writers use fetch-or;
	// the single reader drains it with an atomic exchange.
	EsrEl1 atomic.Uint64

	HostCtx HostContext

	// lastHalt receives the drained EsrEl1 value when saveGuestContext
	// hands control back to the host. Only the owning worker thread
	// reads it, after the transfer has completed.
	lastHalt uint64

	parent *Engine
	system System
}

// Fixed GuestContext offsets consumed by generated trampoline code and the
// transfer assembly. Checked against the real layout at init.
const (
	GuestContextCpuRegisters    = 0x000
	GuestContextVectorRegisters = 0x100
	GuestContextFpsr            = 0x300
	GuestContextFpcr            = 0x304
	GuestContextPc              = 0x308
	GuestContextSp              = 0x310
	GuestContextTpidrEl0        = 0x318
	GuestContextTpidrroEl0      = 0x320
	GuestContextPstate          = 0x328
	GuestContextSvc             = 0x32C
	GuestContextEsrEl1          = 0x330
	GuestContextHostSavedRegs   = 0x338
	GuestContextHostSavedVregs  = 0x398
	GuestContextHostSp          = 0x418
	GuestContextHostTpidrEl0    = 0x420
	GuestContextLastHalt        = 0x428
)

// Spin-lock states for NativeExecutionParameters.Lock.
const (
	SpinLockUnlocked uint32 = 0
	SpinLockLocked   uint32 = 1
)

// TlsMagic marks a thread-local parameter block as belonging to a guest
// thread. The fault trampolines read it through tpidr_el0 to decide
// whether a signal interrupted guest code or ordinary host code.
const TlsMagic uint32 = 0x4E454445 // "EDEN"

// NativeExecutionParameters is the per-guest-thread state shared between
// the engine, the signal trampolines, and generated trampoline code. The
// layout is ABI-visible: while guest code runs, tpidr_el0 points here.
type NativeExecutionParameters struct {
	TpidrEl0      uint64
	TpidrroEl0    uint64
	nativeContext unsafe.Pointer // *GuestContext, nil while not running

	// Lock gates concurrent access to this block. It is the single
	// source of truth for whether an interrupt may be delivered to the
	// thread's register state right now.
	Lock atomic.Uint32

	isRunning atomic.Uint32
	Magic     uint32
}

// Fixed NativeExecutionParameters offsets, mirrored by the transfer
// assembly and generated code.
const (
	TpidrEl0Offset      = 0x00
	TpidrroEl0Offset    = 0x08
	NativeContextOffset = 0x10
	LockOffset          = 0x18
	IsRunningOffset     = 0x1C
	TlsMagicOffset      = 0x20
)

func init() {
	var ctx GuestContext
	var params NativeExecutionParameters

	check := func(got uintptr, want uintptr, name string) {
		if got != want {
			panic("nce: " + name + " offset drifted from ABI constant")
		}
	}

	check(unsafe.Offsetof(ctx.CpuRegisters), GuestContextCpuRegisters, "CpuRegisters")
	check(unsafe.Offsetof(ctx.VectorRegisters), GuestContextVectorRegisters, "VectorRegisters")
	check(unsafe.Offsetof(ctx.Fpsr), GuestContextFpsr, "Fpsr")
	check(unsafe.Offsetof(ctx.Fpcr), GuestContextFpcr, "Fpcr")
	check(unsafe.Offsetof(ctx.Pc), GuestContextPc, "Pc")
	check(unsafe.Offsetof(ctx.Sp), GuestContextSp, "Sp")
	check(unsafe.Offsetof(ctx.TpidrEl0), GuestContextTpidrEl0, "TpidrEl0")
	check(unsafe.Offsetof(ctx.TpidrroEl0), GuestContextTpidrroEl0, "TpidrroEl0")
	check(unsafe.Offsetof(ctx.Pstate), GuestContextPstate, "Pstate")
	check(unsafe.Offsetof(ctx.Svc), GuestContextSvc, "Svc")
	check(unsafe.Offsetof(ctx.EsrEl1), GuestContextEsrEl1, "EsrEl1")
	check(unsafe.Offsetof(ctx.HostCtx)+unsafe.Offsetof(ctx.HostCtx.HostSavedRegs), GuestContextHostSavedRegs, "HostSavedRegs")
	check(unsafe.Offsetof(ctx.HostCtx)+unsafe.Offsetof(ctx.HostCtx.HostSavedVregs), GuestContextHostSavedVregs, "HostSavedVregs")
	check(unsafe.Offsetof(ctx.HostCtx)+unsafe.Offsetof(ctx.HostCtx.HostSp), GuestContextHostSp, "HostSp")
	check(unsafe.Offsetof(ctx.HostCtx)+unsafe.Offsetof(ctx.HostCtx.HostTpidrEl0), GuestContextHostTpidrEl0, "HostTpidrEl0")
	check(unsafe.Offsetof(ctx.lastHalt), GuestContextLastHalt, "lastHalt")

	check(unsafe.Offsetof(params.TpidrEl0), TpidrEl0Offset, "params.TpidrEl0")
	check(unsafe.Offsetof(params.TpidrroEl0), TpidrroEl0Offset, "params.TpidrroEl0")
	check(unsafe.Offsetof(params.nativeContext), NativeContextOffset, "params.nativeContext")
	check(unsafe.Offsetof(params.Lock), LockOffset, "params.Lock")
	check(unsafe.Offsetof(params.isRunning), IsRunningOffset, "params.isRunning")
	check(unsafe.Offsetof(params.Magic), TlsMagicOffset, "params.Magic")
}

// NativeContext returns the GuestContext currently executing this thread,
// or nil when the thread is not scheduled onto an engine.
//
//go:nosplit
func (p *NativeExecutionParameters) NativeContext() *GuestContext {
	return (*GuestContext)(atomic.LoadPointer(&p.nativeContext))
}

func (p *NativeExecutionParameters) setNativeContext(ctx *GuestContext) {
	atomic.StorePointer(&p.nativeContext, unsafe.Pointer(ctx))
}

// IsRunning reports whether guest code is executing on this thread right
// now. The store in RunThread is a release operation paired with this
// acquire load, so an observer that sees true also sees a consistent
// native context.
func (p *NativeExecutionParameters) IsRunning() bool {
	return p.isRunning.Load() != 0
}

func (p *NativeExecutionParameters) setRunning(running bool) {
	if running {
		p.isRunning.Store(1)
	} else {
		p.isRunning.Store(0)
	}
}

// lock spin-waits for the parameter block. Critical sections are
// microsecond-scale register copies, so this deliberately never parks.
func (p *NativeExecutionParameters) lock() {
	for !p.Lock.CompareAndSwap(SpinLockUnlocked, SpinLockLocked) {
	}
}

//go:nosplit
func (p *NativeExecutionParameters) unlock() {
	p.Lock.Store(SpinLockUnlocked)
}

// ThreadContext is the full architectural register snapshot exposed to
// debuggers and state save: 29 general registers plus named frame pointer
// and link register.
type ThreadContext struct {
	R      [29]uint64
	Fp     uint64
	Lr     uint64
	Sp     uint64
	Pc     uint64
	Pstate uint32
	V      [32]Vector128
	Fpcr   uint32
	Fpsr   uint32
	Tpidr  uint64
}
