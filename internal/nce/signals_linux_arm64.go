//go:build linux && arm64

package nce

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Signal assignments. The original engine design used SIGURG to break a
// running guest, but the Go runtime reserves SIGURG for asynchronous
// preemption, so SIGUSR1 carries the break request instead. SIGUSR2 enters
// guest code by exception level change; SIGSEGV and SIGBUS report guest
// access and alignment faults.
const (
	sigTransfer       = int(unix.SIGUSR2)
	sigBreak          = int(unix.SIGUSR1)
	sigAlignmentFault = int(unix.SIGBUS)
	sigAccessFault    = int(unix.SIGSEGV)
)

const signalStackSize = 128 * 1024

// mcontext (struct sigcontext) offset within the kernel ucontext.
const mcontextOffset = 0xB0

// si_addr offset within siginfo_t.
const siginfoAddrOffset = 16

// Kernel struct sigaction for rt_sigaction on arm64. The kernel supplies
// the vdso sigreturn trampoline, so no restorer is needed.
type sigactiont struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

// Handlers installed before ours, for chaining host faults. Read by the
// fault trampolines, so these are plain globals rather than struct fields.
var (
	savedAlignmentHandler uintptr
	savedAccessHandler    uintptr
)

var (
	installOnce sync.Once
	installErr  error
)

// Assembly entry points (trampolines_linux_arm64.s). Their addresses are
// only reachable through the addrOf helpers.
func transferTrampoline()
func breakTrampoline()
func alignmentFaultTrampoline()
func accessFaultTrampoline()

func addrOfTransferTrampoline() uintptr
func addrOfBreakTrampoline() uintptr
func addrOfAlignmentFaultTrampoline() uintptr
func addrOfAccessFaultTrampoline() uintptr

// Guest execution entry points (transfer_linux_arm64.s).
func nativeRunGuestEL(tid uint64, params *NativeExecutionParameters)
func nativeRunGuestTrampoline(params *NativeExecutionParameters, gctx *GuestContext, trampoline uintptr)

func sigmask(sigs ...int) uint64 {
	var m uint64
	for _, sig := range sigs {
		m |= 1 << (uint(sig) - 1)
	}
	return m
}

func rtSigaction(sig int, act, old *sigactiont) error {
	_, _, errno := unix.Syscall6(unix.SYS_RT_SIGACTION,
		uintptr(sig),
		uintptr(unsafe.Pointer(act)),
		uintptr(unsafe.Pointer(old)),
		8, 0, 0)
	if errno != 0 {
		return fmt.Errorf("rt_sigaction(%d): %w", sig, errno)
	}
	return nil
}

// stackt is the kernel stack_t for sigaltstack.
type stackt struct {
	sp    uintptr
	flags int32
	_     int32
	size  uint64
}

func sigaltstack(ss *stackt) error {
	_, _, errno := unix.Syscall(unix.SYS_SIGALTSTACK,
		uintptr(unsafe.Pointer(ss)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("sigaltstack: %w", errno)
	}
	return nil
}

// installSignalHandlers claims the four engine signals process-wide. The
// previous SIGSEGV and SIGBUS actions are recorded so host faults (a nil
// map write in emulator code, say) still reach the runtime's handler.
func installSignalHandlers() error {
	mask := sigmask(sigTransfer, sigBreak, sigAlignmentFault, sigAccessFault)

	install := func(sig int, handler uintptr, flags uint64, old *sigactiont) error {
		act := sigactiont{
			handler: handler,
			flags:   flags,
			mask:    mask,
		}
		return rtSigaction(sig, &act, old)
	}

	if err := install(sigTransfer, addrOfTransferTrampoline(),
		unix.SA_SIGINFO|unix.SA_ONSTACK, nil); err != nil {
		return err
	}
	if err := install(sigBreak, addrOfBreakTrampoline(),
		unix.SA_SIGINFO|unix.SA_ONSTACK, nil); err != nil {
		return err
	}

	var oldAlignment, oldAccess sigactiont
	if err := install(sigAlignmentFault, addrOfAlignmentFaultTrampoline(),
		unix.SA_SIGINFO|unix.SA_ONSTACK, &oldAlignment); err != nil {
		return err
	}
	if err := install(sigAccessFault, addrOfAccessFaultTrampoline(),
		unix.SA_SIGINFO|unix.SA_ONSTACK|unix.SA_RESTART, &oldAccess); err != nil {
		return err
	}
	savedAlignmentHandler = oldAlignment.handler
	savedAccessHandler = oldAccess.handler
	return nil
}

func (e *Engine) initializePlatform() error {
	if e.tid == 0 {
		e.tid = unix.Gettid()
	}

	if e.stack == nil {
		stack, err := unix.Mmap(-1, 0, signalStackSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return fmt.Errorf("map signal stack: %w", err)
		}
		ss := stackt{
			sp:   uintptr(unsafe.Pointer(&stack[0])),
			size: signalStackSize,
		}
		if err := sigaltstack(&ss); err != nil {
			unix.Munmap(stack)
			return err
		}
		e.stack = stack
	}

	installOnce.Do(func() {
		installErr = installSignalHandlers()
	})
	return installErr
}

// platformTransfer runs the guest slice on the current thread. Both entry
// strategies leave the drained halt reason in lastHalt before control
// returns here.
func platformTransfer(e *Engine, params *NativeExecutionParameters, trampoline uintptr) HaltReason {
	if trampoline != 0 {
		nativeRunGuestTrampoline(params, &e.ctx, trampoline)
	} else {
		nativeRunGuestEL(uint64(e.tid), params)
	}
	return HaltReason(e.ctx.lastHalt)
}

func platformSignalBreak(tid int) {
	unix.Tgkill(unix.Getpid(), tid, unix.Signal(sigBreak))
}

//go:nosplit
func sigctx(uc unsafe.Pointer) *SignalContext {
	return (*SignalContext)(unsafe.Add(uc, mcontextOffset))
}

//go:nosplit
func faultAddr(info unsafe.Pointer) uint64 {
	return *(*uint64)(unsafe.Add(info, siginfoAddrOffset))
}

// The handlers below run on the signal stack with the runtime bypassed,
// so they must not grow the stack or enter the scheduler.

//go:nosplit
func transferHandlerGo(uc unsafe.Pointer) *NativeExecutionParameters {
	return restoreGuestContext(sigctx(uc))
}

//go:nosplit
func breakHandlerGo(params *NativeExecutionParameters, uc unsafe.Pointer) {
	saveGuestContext(params.NativeContext(), sigctx(uc))
	params.unlock()
}

//go:nosplit
func alignmentFaultHandlerGo(params *NativeExecutionParameters, info, uc unsafe.Pointer) uint64 {
	if handleGuestAlignmentFault(params.NativeContext(), faultAddr(info), sigctx(uc)) {
		return 1
	}
	return 0
}

//go:nosplit
func accessFaultHandlerGo(params *NativeExecutionParameters, info, uc unsafe.Pointer) uint64 {
	if handleGuestAccessFault(params.NativeContext(), faultAddr(info), sigctx(uc)) {
		return 1
	}
	return 0
}
