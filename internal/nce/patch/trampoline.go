package patch

import (
	"fmt"

	"github.com/eden-emulator/mirror/internal/asm/arm64"
	"github.com/eden-emulator/mirror/internal/nce"
)

// Trampoline is the generated host-side entry that restores the full
// guest register file from the native context and branches to the guest
// program counter. One trampoline serves every registered re-entry point;
// it runs with tpidr_el0 already pointing at the parameter block.
//
// x17 is consumed as the branch target. Re-entry points sit at call
// boundaries where x16/x17 are scratch, so guest code never observes the
// clobber.
type Trampoline struct {
	block *arm64.CodeBlock
}

// NewTrampoline assembles the entry sequence into executable memory.
// Fails on hosts without executable-mapping support.
func NewTrampoline() (*Trampoline, error) {
	p := &program{}
	emitGuestEntry(p)
	if p.err != nil {
		return nil, fmt.Errorf("patch: assemble entry trampoline: %w", p.err)
	}
	block, err := arm64.MapCode(p.words)
	if err != nil {
		return nil, fmt.Errorf("patch: map entry trampoline: %w", err)
	}
	return &Trampoline{block: block}, nil
}

// Entry returns the executable address handed to the engine as a post
// handler.
func (t *Trampoline) Entry() uintptr {
	return t.block.Entry()
}

func (t *Trampoline) Close() error {
	return t.block.Close()
}

// RegisterPostHandlers points every re-entry program counter of m at the
// trampoline.
func (m *Module) RegisterPostHandlers(proc interface {
	RegisterPostHandler(pc uint64, entry uintptr)
}, t *Trampoline) {
	for _, pc := range m.Returns {
		proc.RegisterPostHandler(pc, t.Entry())
	}
}

func emitGuestEntry(p *program) {
	p.emit(arm64.EncodeMrs(arm64.X0, arm64.SysRegTpidrEl0))
	p.emit(arm64.EncodeLdrImm64(arm64.X0, arm64.X0, nce.NativeContextOffset))

	p.emit(arm64.EncodeLdrImm32(arm64.X1, arm64.X0, nce.GuestContextFpsr))
	p.emit(arm64.EncodeMsr(arm64.SysRegFpsr, arm64.X1))
	p.emit(arm64.EncodeLdrImm32(arm64.X1, arm64.X0, nce.GuestContextFpcr))
	p.emit(arm64.EncodeMsr(arm64.SysRegFpcr, arm64.X1))
	p.emit(arm64.EncodeLdrImm32(arm64.X1, arm64.X0, nce.GuestContextPstate))
	p.emit(arm64.EncodeMsr(arm64.SysRegNzcv, arm64.X1))

	for v := arm64.VReg(0); v < 32; v += 2 {
		p.emit(arm64.EncodeLdpQ(v, v+1, arm64.X0, int16(nce.GuestContextVectorRegisters+16*uint16(v))))
	}

	p.emit(arm64.EncodeLdrImm64(arm64.X1, arm64.X0, nce.GuestContextSp))
	p.emit(arm64.EncodeMovToSP(arm64.X1))
	p.emit(arm64.EncodeLdrImm64(arm64.X17, arm64.X0, nce.GuestContextPc))

	for r := arm64.X1; r < arm64.X16; r += 2 {
		p.emit(arm64.EncodeLdpImm64(r, r+1, arm64.X0, int16(8*uint16(r))))
	}
	for r := arm64.X18; r < arm64.X29; r += 2 {
		p.emit(arm64.EncodeLdpImm64(r, r+1, arm64.X0, int16(8*uint16(r))))
	}
	p.emit(arm64.EncodeLdrImm64(arm64.X30, arm64.X0, nce.GuestContextCpuRegisters+8*30))
	p.emit(arm64.EncodeLdrImm64(arm64.X0, arm64.X0, nce.GuestContextCpuRegisters))

	p.emit(arm64.EncodeBr(arm64.X17))
}
