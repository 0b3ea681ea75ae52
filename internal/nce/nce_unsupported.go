//go:build !(linux && arm64)

package nce

func (e *Engine) initializePlatform() error {
	return ErrNativeExecutionUnsupported
}

func platformTransfer(e *Engine, params *NativeExecutionParameters, trampoline uintptr) HaltReason {
	panic("nce: engine not initialized")
}

func platformSignalBreak(tid int) {}
