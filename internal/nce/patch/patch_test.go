package patch

import (
	"errors"
	"testing"

	"github.com/eden-emulator/mirror/internal/asm/arm64"
	"github.com/eden-emulator/mirror/internal/nce"
)

// encoder returns a helper that unwraps single-instruction encoder
// results, failing the test on any encoding error.
func encoder(t *testing.T) func(instr uint32, err error) uint32 {
	return func(instr uint32, err error) uint32 {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return instr
	}
}

// branchTarget decodes B <offset> at instruction index and returns the
// target instruction index.
func branchTarget(t *testing.T, index int, instr uint32) int {
	t.Helper()
	if instr&0xFC000000 != 0x14000000 {
		t.Fatalf("instruction %#08x at %d is not an unconditional branch", instr, index)
	}
	offset := int32(instr<<6) >> 6
	return index + int(offset)
}

func TestClassify(t *testing.T) {
	enc := encoder(t)
	text := []uint32{
		arm64.EncodeNop(),
		arm64.EncodeSvc(0x26),
		enc(arm64.EncodeMrs(arm64.X3, arm64.SysRegTpidrEl0)),
		enc(arm64.EncodeMrs(arm64.XZR, arm64.SysRegTpidrEl0)),
		enc(arm64.EncodeMrs(arm64.X4, arm64.SysRegTpidrroEl0)),
		enc(arm64.EncodeMrs(arm64.X5, arm64.SysRegCntpctEl0)),
		enc(arm64.EncodeMsr(arm64.SysRegTpidrEl0, arm64.X6)),
		enc(arm64.EncodeMsr(arm64.SysRegFpcr, arm64.X7)),
	}

	sites, skipped := classify(text)

	want := []site{
		{index: 1, kind: siteSvc, imm: 0x26},
		{index: 2, kind: siteMrsTpidr, reg: arm64.X3},
		{index: 4, kind: siteMrsTpidrro, reg: arm64.X4},
		{index: 6, kind: siteMsrTpidr, reg: arm64.X6},
	}
	if len(sites) != len(want) {
		t.Fatalf("found %d sites, want %d", len(sites), len(want))
	}
	for i, s := range sites {
		if s != want[i] {
			t.Errorf("site %d: %+v, want %+v", i, s, want[i])
		}
	}
	// The zero-register read and the counter/fpcr accesses stay native;
	// only the unknown system registers count as skipped.
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}

func TestPatchModuleRejectsUnalignedBase(t *testing.T) {
	if _, err := PatchModule([]uint32{arm64.EncodeNop()}, 0x1002); !errors.Is(err, ErrUnalignedBase) {
		t.Fatalf("err = %v", err)
	}
}

func TestPatchModuleSvc(t *testing.T) {
	enc := encoder(t)
	const base = 0x10000
	orig := []uint32{
		arm64.EncodeNop(),
		arm64.EncodeSvc(0x1F),
		arm64.EncodeRet(),
	}
	text := append([]uint32(nil), orig...)

	m, err := PatchModule(text, base)
	if err != nil {
		t.Fatal(err)
	}

	for i := range orig {
		if text[i] != orig[i] {
			t.Fatalf("input slice modified at %d", i)
		}
	}
	if m.Base != base {
		t.Fatalf("base %#x", m.Base)
	}
	if len(m.Svcs) != 1 || m.Svcs[0] != 0x1F {
		t.Fatalf("svcs %v", m.Svcs)
	}
	if len(m.Returns) != 1 || m.Returns[0] != base+2*arm64.InstrSize {
		t.Fatalf("returns %#x, want %#x", m.Returns, base+2*arm64.InstrSize)
	}

	if m.Text[0] != orig[0] || m.Text[2] != orig[2] {
		t.Fatal("instructions outside the site were rewritten")
	}
	if target := branchTarget(t, 1, m.Text[1]); target != len(orig) {
		t.Fatalf("site branches to %d, want first stub word %d", target, len(orig))
	}

	stub := m.Text[len(orig):]
	if len(stub) == 0 {
		t.Fatal("no stub emitted")
	}
	if stub[len(stub)-1] != arm64.EncodeRet() {
		t.Fatalf("svc stub ends with %#08x, want ret", stub[len(stub)-1])
	}
	// The stub begins by parking x0/x1 and locating the native context.
	if want := enc(arm64.EncodeStpPre64(arm64.X0, arm64.X1, arm64.SP, -16)); stub[0] != want {
		t.Fatalf("stub[0] = %#08x, want %#08x", stub[0], want)
	}
	if want := enc(arm64.EncodeMrs(arm64.X0, arm64.SysRegTpidrEl0)); stub[1] != want {
		t.Fatalf("stub[1] = %#08x, want %#08x", stub[1], want)
	}

	// The drained halt reason must land in the last-halt slot.
	found := false
	for _, instr := range stub {
		if instr == enc(arm64.EncodeStrImm64(arm64.X1, arm64.X0, nce.GuestContextLastHalt)) {
			found = true
		}
	}
	if !found {
		t.Fatal("svc stub never stores the drained halt reason")
	}
}

func TestPatchModuleTpidrRead(t *testing.T) {
	enc := encoder(t)
	const base = 0x2000
	text := []uint32{
		enc(arm64.EncodeMrs(arm64.X9, arm64.SysRegTpidrEl0)),
		arm64.EncodeRet(),
	}

	m, err := PatchModule(text, base)
	if err != nil {
		t.Fatal(err)
	}

	stubStart := branchTarget(t, 0, m.Text[0])
	if stubStart != len(text) {
		t.Fatalf("stub at %d, want %d", stubStart, len(text))
	}

	stub := m.Text[stubStart:]
	if want := enc(arm64.EncodeMrs(arm64.X9, arm64.SysRegTpidrEl0)); stub[0] != want {
		t.Fatalf("stub[0] = %#08x", stub[0])
	}
	if want := enc(arm64.EncodeLdrImm64(arm64.X9, arm64.X9, nce.TpidrEl0Offset)); stub[1] != want {
		t.Fatalf("stub[1] = %#08x", stub[1])
	}
	if target := branchTarget(t, stubStart+2, stub[2]); target != 1 {
		t.Fatalf("stub branches back to %d, want 1", target)
	}
}

func TestPatchModuleTpidrWrite(t *testing.T) {
	enc := encoder(t)
	const base = 0x3000
	text := []uint32{
		arm64.EncodeNop(),
		enc(arm64.EncodeMsr(arm64.SysRegTpidrEl0, arm64.X17)),
		arm64.EncodeRet(),
	}

	m, err := PatchModule(text, base)
	if err != nil {
		t.Fatal(err)
	}

	stubStart := branchTarget(t, 1, m.Text[1])
	stub := m.Text[stubStart:]

	// x17 is the source here, so the scratch register falls back to x16.
	if want := enc(arm64.EncodeMrs(arm64.X16, arm64.SysRegTpidrEl0)); stub[1] != want {
		t.Fatalf("stub[1] = %#08x, want scratch x16", stub[1])
	}
	if want := enc(arm64.EncodeStrImm64(arm64.X17, arm64.X16, nce.TpidrEl0Offset)); stub[2] != want {
		t.Fatalf("stub[2] = %#08x", stub[2])
	}
	if target := branchTarget(t, stubStart+4, stub[4]); target != 2 {
		t.Fatalf("stub branches back to %d, want 2", target)
	}
}

func TestPatchModuleMultipleSites(t *testing.T) {
	const base = 0x4000
	text := []uint32{
		arm64.EncodeSvc(1),
		arm64.EncodeNop(),
		arm64.EncodeSvc(2),
		arm64.EncodeRet(),
	}

	m, err := PatchModule(text, base)
	if err != nil {
		t.Fatal(err)
	}

	if len(m.Svcs) != 2 || m.Svcs[0] != 1 || m.Svcs[1] != 2 {
		t.Fatalf("svcs %v", m.Svcs)
	}
	wantReturns := []uint64{base + 1*arm64.InstrSize, base + 3*arm64.InstrSize}
	for i, pc := range wantReturns {
		if m.Returns[i] != pc {
			t.Fatalf("return %d = %#x, want %#x", i, m.Returns[i], pc)
		}
	}

	// Each site gets its own stub, laid out in discovery order.
	first := branchTarget(t, 0, m.Text[0])
	second := branchTarget(t, 2, m.Text[2])
	if first != len(text) {
		t.Fatalf("first stub at %d", first)
	}
	if second <= first {
		t.Fatalf("second stub at %d, not after first at %d", second, first)
	}
	if second >= len(m.Text) {
		t.Fatalf("second stub %d beyond text end %d", second, len(m.Text))
	}
}

func TestPatchModuleNoSites(t *testing.T) {
	text := []uint32{arm64.EncodeNop(), arm64.EncodeRet()}
	m, err := PatchModule(text, 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Text) != len(text) {
		t.Fatalf("text grew to %d words with no sites", len(m.Text))
	}
	if len(m.Returns) != 0 || len(m.Svcs) != 0 {
		t.Fatal("phantom site results")
	}
}

func TestGuestEntrySequence(t *testing.T) {
	enc := encoder(t)
	p := &program{}
	emitGuestEntry(p)
	if p.err != nil {
		t.Fatal(p.err)
	}

	if want := enc(arm64.EncodeMrs(arm64.X0, arm64.SysRegTpidrEl0)); p.words[0] != want {
		t.Fatalf("entry[0] = %#08x", p.words[0])
	}
	last := p.words[len(p.words)-1]
	if want := enc(arm64.EncodeBr(arm64.X17)); last != want {
		t.Fatalf("entry ends with %#08x, want br x17", last)
	}

	// x0 must be the final register restored before the branch; anything
	// later would lose the context pointer.
	if want := enc(arm64.EncodeLdrImm64(arm64.X0, arm64.X0, nce.GuestContextCpuRegisters)); p.words[len(p.words)-2] != want {
		t.Fatalf("entry[-2] = %#08x, want final x0 load", p.words[len(p.words)-2])
	}
}
