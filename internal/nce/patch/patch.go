// Package patch rewrites guest code so it can run natively. Supervisor
// calls and thread-pointer accesses cannot be executed as-is: a real SVC
// would enter the host kernel, and the real tpidr_el0 points at the
// engine's parameter block while guest code runs. The patcher replaces
// each such site with a branch to a stub appended after the module text,
// and records the program counters where execution re-enters guest code
// after a supervisor call so the engine can take the trampoline path.
package patch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/eden-emulator/mirror/internal/asm/arm64"
	"github.com/eden-emulator/mirror/internal/nce"
)

var ErrUnalignedBase = errors.New("patch: module base not instruction aligned")

// Module is the result of patching one contiguous guest code image. Text
// is the rewritten image plus appended stubs, to be loaded at Base.
type Module struct {
	Base uint64
	Text []uint32

	// Returns lists the guest program counters immediately after each
	// patched supervisor call. These are the re-entry points eligible
	// for the trampoline run path.
	Returns []uint64

	// Svcs holds the supervisor-call immediates in discovery order.
	Svcs []uint16
}

type siteKind int

const (
	siteSvc siteKind = iota
	siteMrsTpidr
	siteMrsTpidrro
	siteMsrTpidr
)

type site struct {
	index int // instruction index in the original text
	kind  siteKind
	reg   arm64.Reg
	imm   uint16
}

// program accumulates generated instructions, capturing the first encoder
// error so call sites stay linear.
type program struct {
	words []uint32
	err   error
}

func (p *program) emit(instr uint32, err error) {
	if p.err != nil {
		return
	}
	if err != nil {
		p.err = err
		return
	}
	p.words = append(p.words, instr)
}

func (p *program) emitRaw(instr uint32) {
	p.emit(instr, nil)
}

func (p *program) emitSeq(instrs []uint32, err error) {
	if p.err != nil {
		return
	}
	if err != nil {
		p.err = err
		return
	}
	p.words = append(p.words, instrs...)
}

func (p *program) pos() int { return len(p.words) }

// classify finds the sites in text that need rewriting. Unhandled system
// register accesses (counter reads, for example) are left alone; they
// either execute natively or surface as faults the engine resolves.
func classify(text []uint32) (sites []site, skipped int) {
	for i, instr := range text {
		if imm, ok := arm64.AsSvc(instr); ok {
			sites = append(sites, site{index: i, kind: siteSvc, imm: imm})
			continue
		}
		if reg, sysreg, ok := arm64.AsMrs(instr); ok {
			switch sysreg {
			case arm64.SysRegTpidrEl0:
				if reg != arm64.XZR {
					sites = append(sites, site{index: i, kind: siteMrsTpidr, reg: reg})
				}
			case arm64.SysRegTpidrroEl0:
				if reg != arm64.XZR {
					sites = append(sites, site{index: i, kind: siteMrsTpidrro, reg: reg})
				}
			default:
				skipped++
			}
			continue
		}
		if reg, sysreg, ok := arm64.AsMsr(instr); ok {
			switch sysreg {
			case arm64.SysRegTpidrEl0:
				sites = append(sites, site{index: i, kind: siteMsrTpidr, reg: reg})
			default:
				skipped++
			}
		}
	}
	return sites, skipped
}

// PatchModule rewrites a guest code image loaded at base. The input slice
// is not modified.
func PatchModule(text []uint32, base uint64) (*Module, error) {
	if base%arm64.InstrSize != 0 {
		return nil, ErrUnalignedBase
	}

	sites, skipped := classify(text)
	if skipped > 0 {
		slog.Warn("unpatched system register accesses in module",
			"base", fmt.Sprintf("%#x", base), "count", skipped)
	}

	m := &Module{Base: base}
	m.Text = append(m.Text, text...)

	stubs := &program{}
	for _, s := range sites {
		stubStart := len(text) + stubs.pos()

		switch s.kind {
		case siteSvc:
			returnPC := base + uint64(s.index+1)*arm64.InstrSize
			emitSvcExit(stubs, s.imm, returnPC)
			m.Returns = append(m.Returns, returnPC)
			m.Svcs = append(m.Svcs, s.imm)
		case siteMrsTpidr:
			emitTpidrRead(stubs, s.reg, nce.TpidrEl0Offset)
			emitBranchBack(stubs, s.index, len(text))
		case siteMrsTpidrro:
			emitTpidrRead(stubs, s.reg, nce.TpidrroEl0Offset)
			emitBranchBack(stubs, s.index, len(text))
		case siteMsrTpidr:
			emitTpidrWrite(stubs, s.reg)
			emitBranchBack(stubs, s.index, len(text))
		}
		if stubs.err != nil {
			return nil, fmt.Errorf("patch: stub for site %#x: %w",
				base+uint64(s.index)*arm64.InstrSize, stubs.err)
		}

		branch, err := arm64.EncodeBranch(int64(stubStart-s.index) * arm64.InstrSize)
		if err != nil {
			return nil, fmt.Errorf("patch: branch to stub: %w", err)
		}
		m.Text[s.index] = branch
	}

	m.Text = append(m.Text, stubs.words...)

	slog.Debug("patched module",
		"base", fmt.Sprintf("%#x", base),
		"instructions", len(text),
		"sites", len(sites),
		"stub_words", len(stubs.words))
	return m, nil
}

// emitBranchBack appends a branch from the current stub position to the
// instruction after the patched site. textLen is the original text length
// in instructions; stubs live immediately after it.
func emitBranchBack(p *program, siteIndex, textLen int) {
	if p.err != nil {
		return
	}
	offset := int64((siteIndex+1)-(textLen+p.pos())) * arm64.InstrSize
	p.emit(arm64.EncodeBranch(offset))
}

// emitTpidrRead generalizes MRS Xt, tpidr(ro)_el0: the live tpidr_el0
// holds the parameter block, whose first two fields are the guest thread
// pointers.
func emitTpidrRead(p *program, dst arm64.Reg, offset uint16) {
	p.emit(arm64.EncodeMrs(dst, arm64.SysRegTpidrEl0))
	p.emit(arm64.EncodeLdrImm64(dst, dst, offset))
}

// emitTpidrWrite generalizes MSR tpidr_el0, Xt into a store to the
// parameter block, borrowing a scratch register over the guest stack.
func emitTpidrWrite(p *program, src arm64.Reg) {
	scratch := arm64.X17
	if src == scratch {
		scratch = arm64.X16
	}
	p.emit(arm64.EncodeStpPre64(scratch, arm64.XZR, arm64.SP, -16))
	p.emit(arm64.EncodeMrs(scratch, arm64.SysRegTpidrEl0))
	p.emit(arm64.EncodeStrImm64(src, scratch, nce.TpidrEl0Offset))
	p.emit(arm64.EncodeLdpPost64(scratch, arm64.XZR, arm64.SP, 16))
}

// emitSvcExit generates the stub that ends a guest slice at a supervisor
// call: save the full guest register file into the native context through
// tpidr_el0, latch and drain the halt reason, then restore host state and
// return to the engine. Runs with every guest register live, so x0/x1 are
// parked on the guest stack first.
func emitSvcExit(p *program, imm uint16, returnPC uint64) {
	p.emit(arm64.EncodeStpPre64(arm64.X0, arm64.X1, arm64.SP, -16))
	p.emit(arm64.EncodeMrs(arm64.X0, arm64.SysRegTpidrEl0))
	p.emit(arm64.EncodeLdrImm64(arm64.X0, arm64.X0, nce.NativeContextOffset))

	// x2-x30; the parked x0/x1 follow.
	for r := arm64.X2; r < arm64.X30; r += 2 {
		p.emit(arm64.EncodeStpImm64(r, r+1, arm64.X0, int16(8*uint16(r))))
	}
	p.emit(arm64.EncodeStrImm64(arm64.X30, arm64.X0, nce.GuestContextCpuRegisters+8*30))
	p.emit(arm64.EncodeLdpPost64(arm64.X2, arm64.X3, arm64.SP, 16))
	p.emit(arm64.EncodeStpImm64(arm64.X2, arm64.X3, arm64.X0, nce.GuestContextCpuRegisters))

	p.emit(arm64.EncodeMovFromSP(arm64.X1))
	p.emit(arm64.EncodeStrImm64(arm64.X1, arm64.X0, nce.GuestContextSp))

	for v := arm64.VReg(0); v < 32; v += 2 {
		p.emit(arm64.EncodeStpQ(v, v+1, arm64.X0, int16(nce.GuestContextVectorRegisters+16*uint16(v))))
	}

	p.emit(arm64.EncodeMrs(arm64.X1, arm64.SysRegFpsr))
	p.emit(arm64.EncodeStrImm32(arm64.X1, arm64.X0, nce.GuestContextFpsr))
	p.emit(arm64.EncodeMrs(arm64.X1, arm64.SysRegFpcr))
	p.emit(arm64.EncodeStrImm32(arm64.X1, arm64.X0, nce.GuestContextFpcr))
	p.emit(arm64.EncodeMrs(arm64.X1, arm64.SysRegNzcv))
	p.emit(arm64.EncodeStrImm32(arm64.X1, arm64.X0, nce.GuestContextPstate))

	p.emit(arm64.EncodeMovZ(arm64.X1, imm, 0))
	p.emit(arm64.EncodeStrImm32(arm64.X1, arm64.X0, nce.GuestContextSvc))

	p.emitSeq(arm64.EncodeMovImm64(arm64.X1, returnPC))
	p.emit(arm64.EncodeStrImm64(arm64.X1, arm64.X0, nce.GuestContextPc))

	// esr_el1 |= SupervisorCall, then drain it for the engine.
	p.emit(arm64.EncodeMovZ(arm64.X1, uint16(nce.HaltReasonSupervisorCall), 0))
	p.emit(arm64.EncodeAddImm(arm64.X2, arm64.X0, nce.GuestContextEsrEl1))
	p.emit(arm64.EncodeLdSetAL(arm64.X1, arm64.X3, arm64.X2))
	p.emit(arm64.EncodeSwpAL(arm64.XZR, arm64.X1, arm64.X2))
	p.emit(arm64.EncodeStrImm64(arm64.X1, arm64.X0, nce.GuestContextLastHalt))

	// Host state back, then return through the saved x30.
	p.emit(arm64.EncodeAddImm(arm64.X2, arm64.X0, nce.GuestContextHostSavedRegs))
	for i := 0; i < 12; i += 2 {
		p.emit(arm64.EncodeLdpImm64(arm64.X19+arm64.Reg(i), arm64.X20+arm64.Reg(i), arm64.X2, int16(8*i)))
	}
	p.emit(arm64.EncodeLdrImm64(arm64.X1, arm64.X0, nce.GuestContextHostSp))
	p.emit(arm64.EncodeMovToSP(arm64.X1))
	p.emit(arm64.EncodeAddImm(arm64.X2, arm64.X0, nce.GuestContextHostSavedVregs))
	for v := arm64.VReg(8); v < 16; v += 2 {
		p.emit(arm64.EncodeLdpQ(v, v+1, arm64.X2, int16(16*(v-8))))
	}
	p.emit(arm64.EncodeLdrImm64(arm64.X1, arm64.X0, nce.GuestContextHostTpidrEl0))
	p.emit(arm64.EncodeMsr(arm64.SysRegTpidrEl0, arm64.X1))
	p.emitRaw(arm64.EncodeRet())
}
