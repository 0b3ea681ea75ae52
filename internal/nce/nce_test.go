package nce

import (
	"testing"
	"unsafe"
)

func newTestEngine(t *testing.T) (*Engine, *fakeThread) {
	t.Helper()
	sys := &fakeSystem{mem: &fakeMemory{}, exec: &fakeExecutor{}}
	e := NewEngine(sys, 0)
	return e, newFakeThread()
}

func TestRunThreadFastPathShortCircuits(t *testing.T) {
	e, thread := newTestEngine(t)
	e.transfer = func(*Engine, *NativeExecutionParameters, uintptr) HaltReason {
		t.Fatal("transfer must not run when a halt is already latched")
		return 0
	}

	e.ctx.EsrEl1.Or(uint64(HaltReasonBreakLoop))

	if hr := e.RunThread(thread); hr != HaltReasonBreakLoop {
		t.Fatalf("RunThread = %v, want break-loop", hr)
	}
	if e.ctx.EsrEl1.Load() != 0 {
		t.Fatal("fast path must drain the latch")
	}
	if thread.params.IsRunning() {
		t.Fatal("fast path must not mark the thread running")
	}
}

func TestRunThreadPublishesAndCleansUp(t *testing.T) {
	e, thread := newTestEngine(t)
	e.ctx.TpidrEl0 = 0x111
	e.ctx.TpidrroEl0 = 0x222

	var observed struct {
		running    bool
		ctx        *GuestContext
		tpidrEl0   uint64
		tpidrroEl0 uint64
		trampoline uintptr
	}
	e.transfer = func(_ *Engine, params *NativeExecutionParameters, trampoline uintptr) HaltReason {
		observed.running = params.IsRunning()
		observed.ctx = params.NativeContext()
		observed.tpidrEl0 = params.TpidrEl0
		observed.tpidrroEl0 = params.TpidrroEl0
		observed.trampoline = trampoline

		// The guest writes its thread pointer before halting.
		params.TpidrEl0 = 0x999
		return HaltReasonSupervisorCall
	}

	if hr := e.RunThread(thread); hr != HaltReasonSupervisorCall {
		t.Fatalf("RunThread = %v", hr)
	}

	if !observed.running {
		t.Fatal("thread not marked running during the slice")
	}
	if observed.ctx != &e.ctx {
		t.Fatal("native context not published for the slice")
	}
	if observed.tpidrEl0 != 0x111 || observed.tpidrroEl0 != 0x222 {
		t.Fatalf("thread pointers %#x/%#x not staged", observed.tpidrEl0, observed.tpidrroEl0)
	}
	if observed.trampoline != 0 {
		t.Fatalf("trampoline %#x for an unregistered pc", observed.trampoline)
	}

	if thread.params.IsRunning() {
		t.Fatal("thread still marked running after the slice")
	}
	if thread.params.NativeContext() != nil {
		t.Fatal("native context not detached after the slice")
	}
	if e.runningThread != nil {
		t.Fatal("running thread not cleared")
	}
	if e.ctx.TpidrEl0 != 0x999 {
		t.Fatalf("final guest tpidr %#x not captured", e.ctx.TpidrEl0)
	}
}

func TestRunThreadSelectsTrampoline(t *testing.T) {
	e, _ := newTestEngine(t)
	proc := &fakeProcess{handlers: map[uint64]uintptr{0x4000: 0xBEEF}}
	thread := &fakeThread{owner: proc}
	thread.params.Magic = TlsMagic

	e.ctx.Pc = 0x4000

	var got uintptr
	e.transfer = func(_ *Engine, _ *NativeExecutionParameters, trampoline uintptr) HaltReason {
		got = trampoline
		return HaltReasonSupervisorCall
	}
	e.RunThread(thread)

	if got != 0xBEEF {
		t.Fatalf("trampoline = %#x, want the registered entry", got)
	}
}

func TestStepThreadDoesNotExecute(t *testing.T) {
	e, thread := newTestEngine(t)
	e.transfer = func(*Engine, *NativeExecutionParameters, uintptr) HaltReason {
		t.Fatal("StepThread must not enter guest code")
		return 0
	}
	if hr := e.StepThread(thread); hr != HaltReasonStepThread {
		t.Fatalf("StepThread = %v", hr)
	}
}

func TestSignalInterruptIdleThread(t *testing.T) {
	e, thread := newTestEngine(t)
	signalled := false
	e.signalBreak = func(tid int) { signalled = true }

	e.SignalInterrupt(thread)

	if signalled {
		t.Fatal("idle thread must not be signalled")
	}
	if thread.params.Lock.Load() != SpinLockUnlocked {
		t.Fatal("lock must be released on the idle path")
	}
	if hr := HaltReason(e.ctx.EsrEl1.Load()); hr != HaltReasonBreakLoop {
		t.Fatalf("latched %v, want break-loop", hr)
	}

	// The next run observes the break immediately.
	e.transfer = func(*Engine, *NativeExecutionParameters, uintptr) HaltReason {
		t.Fatal("latched break must short-circuit the next run")
		return 0
	}
	if hr := e.RunThread(thread); hr != HaltReasonBreakLoop {
		t.Fatalf("RunThread = %v", hr)
	}
}

func TestSignalInterruptRunningThread(t *testing.T) {
	e, thread := newTestEngine(t)
	e.tid = 42

	var signalledTid int
	e.signalBreak = func(tid int) { signalledTid = tid }

	thread.params.setRunning(true)
	e.SignalInterrupt(thread)

	if signalledTid != 42 {
		t.Fatalf("signalled tid %d, want the worker tid", signalledTid)
	}
	// The running thread's break handler owns the unlock.
	if thread.params.Lock.Load() != SpinLockLocked {
		t.Fatal("lock must stay held for the running thread")
	}
}

func TestLockUnlockThread(t *testing.T) {
	e, thread := newTestEngine(t)
	thread.params.setNativeContext(&e.ctx)
	thread.params.TpidrEl0 = 0xAA
	thread.params.TpidrroEl0 = 0xBB

	e.LockThread(thread)
	if thread.params.Lock.Load() != SpinLockLocked {
		t.Fatal("LockThread must hold the parameter lock")
	}

	e.UnlockThread(thread)
	if thread.params.Lock.Load() != SpinLockUnlocked {
		t.Fatal("UnlockThread must release the parameter lock")
	}
	if thread.params.NativeContext() != nil {
		t.Fatal("UnlockThread must detach the native context")
	}
	if e.ctx.TpidrEl0 != 0xAA || e.ctx.TpidrroEl0 != 0xBB {
		t.Fatal("UnlockThread must capture the guest thread pointers")
	}
}

func TestSvcSurface(t *testing.T) {
	e, _ := newTestEngine(t)
	e.ctx.Svc = 0x26
	for i := 0; i < 8; i++ {
		e.ctx.CpuRegisters[i] = uint64(0x10 + i)
	}

	if n := e.GetSvcNumber(); n != 0x26 {
		t.Fatalf("GetSvcNumber = %#x", n)
	}

	var args [8]uint64
	e.GetSvcArguments(&args)
	for i, a := range args {
		if a != uint64(0x10+i) {
			t.Fatalf("arg %d = %#x", i, a)
		}
	}

	ret := [8]uint64{0xE0, 0xE1, 0xE2, 0xE3, 0xE4, 0xE5, 0xE6, 0xE7}
	e.SetSvcArguments(ret)
	if e.ctx.CpuRegisters[3] != 0xE3 {
		t.Fatalf("x3 = %#x after SetSvcArguments", e.ctx.CpuRegisters[3])
	}
	if e.ctx.CpuRegisters[8] != 0 {
		t.Fatal("SetSvcArguments must not touch x8")
	}
}

func TestSetTpidrroEl0(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetTpidrroEl0(0x77)
	if e.ctx.TpidrroEl0 != 0x77 {
		t.Fatalf("tpidrro = %#x", e.ctx.TpidrroEl0)
	}
}

func TestCacheMaintenanceIsSafe(t *testing.T) {
	e, _ := newTestEngine(t)
	buf := make([]byte, 256)
	e.InvalidateCacheRange(uint64(uintptr(unsafe.Pointer(&buf[0]))), uint64(len(buf)))
	e.ClearInstructionCache()
}
