package nce

// SignalContext mirrors the machine context the kernel hands to a signal
// handler on linux/arm64 (struct sigcontext with the leading fpsimd record
// of the __reserved area). The fault handlers treat it as the engine's
// register-file view: mutating it changes the state the thread resumes
// with at sigreturn.
//
// The struct is plain data, so tests fabricate SignalContext values
// directly instead of delivering real signals.
type SignalContext struct {
	FaultAddress uint64
	Regs         [31]uint64
	Sp           uint64
	Pc           uint64
	Pstate       uint64
	_            [8]byte // __reserved is 16-byte aligned
	FpsimdMagic  uint32
	FpsimdSize   uint32
	Fpsr         uint32
	Fpcr         uint32
	Vregs        [32]Vector128
}

// Magic/size header of the fpsimd record, from the kernel ABI.
const (
	fpsimdMagic uint32 = 0x46508001
	fpsimdSize  uint32 = 0x210
)
