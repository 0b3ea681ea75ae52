package nce

import "unsafe"

// Context transfer and fault resolution. Everything here operates on a
// SignalContext, whether it arrived from a real signal frame or from a
// test. A handler returning true means the thread resumes guest code at
// sigreturn; false means the guest slice is over and the thread resumes
// host code instead.

// paramsFromRegs recovers the parameter block pointer passed through a
// general register.
//
//go:nosplit
func paramsFromRegs(addr uint64) *NativeExecutionParameters {
	return (*NativeExecutionParameters)(unsafe.Pointer(uintptr(addr)))
}

// restoreGuestContext rewrites a signal frame so that sigreturn lands in
// guest code. The parameter block pointer is staged in x9 by the transfer
// caller. Host callee-saved state is captured first so saveGuestContext
// can reproduce the frame on the way out.
//
//go:nosplit
func restoreGuestContext(sctx *SignalContext) *NativeExecutionParameters {
	params := paramsFromRegs(sctx.Regs[9])
	gctx := params.NativeContext()

	copy(gctx.HostCtx.HostSavedRegs[:], sctx.Regs[19:31])
	copy(gctx.HostCtx.HostSavedVregs[:], sctx.Vregs[8:16])
	gctx.HostCtx.HostSp = sctx.Sp

	sctx.Pc = gctx.Pc
	sctx.Sp = gctx.Sp
	sctx.Pstate = uint64(gctx.Pstate)
	sctx.Fpcr = gctx.Fpcr
	sctx.Fpsr = gctx.Fpsr
	copy(sctx.Regs[:], gctx.CpuRegisters[:])
	sctx.Vregs = gctx.VectorRegisters

	return params
}

// saveGuestContext is the exact inverse: it copies the guest register file
// out of the frame, restores the captured host state, and points the frame
// at the transfer return address so sigreturn unwinds the host call. The
// drained halt-reason latch is left in lastHalt and in x0 for the
// assembly return path.
//
//go:nosplit
func saveGuestContext(gctx *GuestContext, sctx *SignalContext) {
	copy(gctx.CpuRegisters[:], sctx.Regs[:])
	gctx.VectorRegisters = sctx.Vregs
	gctx.Fpsr = sctx.Fpsr
	gctx.Fpcr = sctx.Fpcr
	gctx.Pc = sctx.Pc
	gctx.Sp = sctx.Sp
	gctx.Pstate = uint32(sctx.Pstate)

	sctx.Sp = gctx.HostCtx.HostSp
	copy(sctx.Regs[19:31], gctx.HostCtx.HostSavedRegs[:])
	copy(sctx.Vregs[8:16], gctx.HostCtx.HostSavedVregs[:])
	sctx.Pc = gctx.HostCtx.HostSavedRegs[11]

	gctx.lastHalt = gctx.EsrEl1.Swap(0)
	sctx.Regs[0] = gctx.lastHalt
}

// handleFailedGuestFault resolves a fault no collaborator could repair.
// A fault on the instruction fetch itself is unrecoverable and ends the
// slice; anything else is a data abort, skipped so the guest can continue.
//
//go:nosplit
func handleFailedGuestFault(gctx *GuestContext, faultAddr uint64, sctx *SignalContext) bool {
	if sctx.Pc != faultAddr {
		sctx.Pc += 4
		return true
	}

	gctx.EsrEl1.Or(uint64(HaltReasonPrefetchAbort))

	// Forcibly mark the parameters locked; guest state is still live in
	// the frame. An interrupter that wins the lock race sends a signal
	// this thread is masking, which is harmless once the slice ends; one
	// that loses waits for the unlock below the transfer return.
	gctx.parent.runningThread.Parameters().Lock.Store(SpinLockLocked)

	saveGuestContext(gctx, sctx)
	return false
}

// handleGuestAccessFault asks the memory manager to repair an invalid
// access, page-aligned. Success means the faulting instruction is retried.
//
//go:nosplit
func handleGuestAccessFault(gctx *GuestContext, faultAddr uint64, sctx *SignalContext) bool {
	addr := faultAddr &^ (GuestPageSize - 1)
	if gctx.system.ApplicationMemory().InvalidateRange(addr, GuestPageSize) {
		return true
	}
	return handleFailedGuestFault(gctx, faultAddr, sctx)
}

// handleGuestAlignmentFault falls back to software execution of the
// single faulting instruction.
//
//go:nosplit
func handleGuestAlignmentFault(gctx *GuestContext, faultAddr uint64, sctx *SignalContext) bool {
	if nextPC, ok := gctx.system.Executor().ExecuteOne(sctx, gctx.system.ApplicationMemory()); ok {
		sctx.Pc = nextPC
		return true
	}
	return handleFailedGuestFault(gctx, faultAddr, sctx)
}
