package arm64

import "fmt"

// Raw A64 instruction encoders. Each returns a single little-endian
// instruction word. Only the subset needed for trampoline generation is
// implemented; unsupported operands return an error instead of silently
// emitting a different instruction.

// EncodeMovZ encodes MOVZ Xd, #imm16, LSL #(16*hw).
func EncodeMovZ(dst Reg, imm uint16, hw uint8) (uint32, error) {
	if err := checkReg(dst); err != nil {
		return 0, err
	}
	if hw > 3 {
		return 0, fmt.Errorf("movz shift %d: %w", hw, ErrBadImmediate)
	}
	return 0xD2800000 | uint32(hw)<<21 | uint32(imm)<<5 | uint32(dst), nil
}

// EncodeMovK encodes MOVK Xd, #imm16, LSL #(16*hw).
func EncodeMovK(dst Reg, imm uint16, hw uint8) (uint32, error) {
	if err := checkReg(dst); err != nil {
		return 0, err
	}
	if hw > 3 {
		return 0, fmt.Errorf("movk shift %d: %w", hw, ErrBadImmediate)
	}
	return 0xF2800000 | uint32(hw)<<21 | uint32(imm)<<5 | uint32(dst), nil
}

// EncodeMovImm64 encodes an arbitrary 64-bit immediate load as a
// MOVZ/MOVK sequence, emitting only the halfwords that are non-zero.
func EncodeMovImm64(dst Reg, value uint64) ([]uint32, error) {
	first, err := EncodeMovZ(dst, uint16(value), 0)
	if err != nil {
		return nil, err
	}
	out := []uint32{first}
	for hw := uint8(1); hw < 4; hw++ {
		half := uint16(value >> (16 * hw))
		if half == 0 {
			continue
		}
		instr, err := EncodeMovK(dst, half, hw)
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
	}
	return out, nil
}

// EncodeMovReg encodes MOV Xd, Xm (an alias of ORR Xd, XZR, Xm).
func EncodeMovReg(dst, src Reg) (uint32, error) {
	if err := checkReg(dst, src); err != nil {
		return 0, err
	}
	return 0xAA0003E0 | uint32(src)<<16 | uint32(dst), nil
}

// EncodeMovToSP encodes MOV SP, Xn (ADD SP, Xn, #0).
func EncodeMovToSP(src Reg) (uint32, error) {
	if err := checkReg(src); err != nil {
		return 0, err
	}
	return 0x91000000 | uint32(src)<<5 | 31, nil
}

// EncodeMovFromSP encodes MOV Xd, SP (ADD Xd, SP, #0).
func EncodeMovFromSP(dst Reg) (uint32, error) {
	if err := checkReg(dst); err != nil {
		return 0, err
	}
	return 0x91000000 | 31<<5 | uint32(dst), nil
}

// EncodeAddImm encodes ADD Xd, Xn, #imm12.
func EncodeAddImm(dst, src Reg, imm uint16) (uint32, error) {
	if err := checkReg(dst, src); err != nil {
		return 0, err
	}
	if imm > 0xFFF {
		return 0, fmt.Errorf("add immediate %d: %w", imm, ErrBadImmediate)
	}
	return 0x91000000 | uint32(imm)<<10 | uint32(src)<<5 | uint32(dst), nil
}

// EncodeLdrImm64 encodes LDR Xt, [Xn, #imm] with an unsigned scaled offset.
func EncodeLdrImm64(dst, base Reg, imm uint16) (uint32, error) {
	if err := checkReg(dst, base); err != nil {
		return 0, err
	}
	if imm%8 != 0 || imm/8 > 0xFFF {
		return 0, fmt.Errorf("ldr offset %d: %w", imm, ErrBadOffset)
	}
	return 0xF9400000 | uint32(imm/8)<<10 | uint32(base)<<5 | uint32(dst), nil
}

// EncodeStrImm64 encodes STR Xt, [Xn, #imm] with an unsigned scaled offset.
func EncodeStrImm64(src, base Reg, imm uint16) (uint32, error) {
	if err := checkReg(src, base); err != nil {
		return 0, err
	}
	if imm%8 != 0 || imm/8 > 0xFFF {
		return 0, fmt.Errorf("str offset %d: %w", imm, ErrBadOffset)
	}
	return 0xF9000000 | uint32(imm/8)<<10 | uint32(base)<<5 | uint32(src), nil
}

// EncodeLdrImm32 encodes LDR Wt, [Xn, #imm].
func EncodeLdrImm32(dst, base Reg, imm uint16) (uint32, error) {
	if err := checkReg(dst, base); err != nil {
		return 0, err
	}
	if imm%4 != 0 || imm/4 > 0xFFF {
		return 0, fmt.Errorf("ldr offset %d: %w", imm, ErrBadOffset)
	}
	return 0xB9400000 | uint32(imm/4)<<10 | uint32(base)<<5 | uint32(dst), nil
}

// EncodeStrImm32 encodes STR Wt, [Xn, #imm].
func EncodeStrImm32(src, base Reg, imm uint16) (uint32, error) {
	if err := checkReg(src, base); err != nil {
		return 0, err
	}
	if imm%4 != 0 || imm/4 > 0xFFF {
		return 0, fmt.Errorf("str offset %d: %w", imm, ErrBadOffset)
	}
	return 0xB9000000 | uint32(imm/4)<<10 | uint32(base)<<5 | uint32(src), nil
}

// EncodeStpImm64 encodes STP Xt1, Xt2, [Xn, #imm] (signed offset form).
func EncodeStpImm64(t1, t2, base Reg, imm int16) (uint32, error) {
	if err := checkReg(t1, t2, base); err != nil {
		return 0, err
	}
	if imm%8 != 0 || imm/8 < -64 || imm/8 > 63 {
		return 0, fmt.Errorf("stp offset %d: %w", imm, ErrBadOffset)
	}
	imm7 := uint32(imm/8) & 0x7F
	return 0xA9000000 | imm7<<15 | uint32(t2)<<10 | uint32(base)<<5 | uint32(t1), nil
}

// EncodeLdpImm64 encodes LDP Xt1, Xt2, [Xn, #imm] (signed offset form).
func EncodeLdpImm64(t1, t2, base Reg, imm int16) (uint32, error) {
	instr, err := EncodeStpImm64(t1, t2, base, imm)
	if err != nil {
		return 0, err
	}
	return instr | 0x00400000, nil
}

// EncodeStpPre64 encodes STP Xt1, Xt2, [Xn, #imm]! (pre-index, writeback).
func EncodeStpPre64(t1, t2, base Reg, imm int16) (uint32, error) {
	instr, err := EncodeStpImm64(t1, t2, base, imm)
	if err != nil {
		return 0, err
	}
	return instr&^0xFFC00000 | 0xA9800000, nil
}

// EncodeLdpPost64 encodes LDP Xt1, Xt2, [Xn], #imm (post-index, writeback).
func EncodeLdpPost64(t1, t2, base Reg, imm int16) (uint32, error) {
	instr, err := EncodeStpImm64(t1, t2, base, imm)
	if err != nil {
		return 0, err
	}
	return instr&^0xFFC00000 | 0xA8C00000, nil
}

// EncodeStpQ encodes STP Qt1, Qt2, [Xn, #imm] for 128-bit SIMD registers.
func EncodeStpQ(t1, t2 VReg, base Reg, imm int16) (uint32, error) {
	if t1 > 31 || t2 > 31 {
		return 0, ErrBadRegister
	}
	if err := checkReg(base); err != nil {
		return 0, err
	}
	if imm%16 != 0 || imm/16 < -64 || imm/16 > 63 {
		return 0, fmt.Errorf("stp.q offset %d: %w", imm, ErrBadOffset)
	}
	imm7 := uint32(imm/16) & 0x7F
	return 0xAD000000 | imm7<<15 | uint32(t2)<<10 | uint32(base)<<5 | uint32(t1), nil
}

// EncodeLdpQ encodes LDP Qt1, Qt2, [Xn, #imm] for 128-bit SIMD registers.
func EncodeLdpQ(t1, t2 VReg, base Reg, imm int16) (uint32, error) {
	instr, err := EncodeStpQ(t1, t2, base, imm)
	if err != nil {
		return 0, err
	}
	return instr | 0x00400000, nil
}

// EncodeBranch encodes B with a signed byte offset from the branch itself.
func EncodeBranch(offset int64) (uint32, error) {
	if offset%4 != 0 || offset < -(1<<27) || offset >= 1<<27 {
		return 0, fmt.Errorf("branch offset %d: %w", offset, ErrBadOffset)
	}
	return 0x14000000 | uint32(offset/4)&0x03FFFFFF, nil
}

// EncodeBranchLink encodes BL with a signed byte offset.
func EncodeBranchLink(offset int64) (uint32, error) {
	instr, err := EncodeBranch(offset)
	if err != nil {
		return 0, err
	}
	return instr | 0x80000000, nil
}

// EncodeBr encodes BR Xn.
func EncodeBr(target Reg) (uint32, error) {
	if err := checkReg(target); err != nil {
		return 0, err
	}
	return 0xD61F0000 | uint32(target)<<5, nil
}

// EncodeBlr encodes BLR Xn.
func EncodeBlr(target Reg) (uint32, error) {
	if err := checkReg(target); err != nil {
		return 0, err
	}
	return 0xD63F0000 | uint32(target)<<5, nil
}

// EncodeRet encodes RET (via X30).
func EncodeRet() uint32 { return 0xD65F03C0 }

// EncodeSvc encodes SVC #imm16.
func EncodeSvc(imm uint16) uint32 { return 0xD4000001 | uint32(imm)<<5 }

// EncodeBrk encodes BRK #imm16.
func EncodeBrk(imm uint16) uint32 { return 0xD4200000 | uint32(imm)<<5 }

// EncodeNop encodes NOP.
func EncodeNop() uint32 { return 0xD503201F }

// System register operand encodings (op0:op1:CRn:CRm:op2 packed as the
// 15-bit field shared by MRS and MSR).
const (
	SysRegTpidrEl0   uint32 = 0x5E82 // op0=3 op1=3 CRn=13 CRm=0 op2=2
	SysRegTpidrroEl0 uint32 = 0x5E83 // op0=3 op1=3 CRn=13 CRm=0 op2=3
	SysRegNzcv       uint32 = 0x5A10 // op0=3 op1=3 CRn=4  CRm=2 op2=0
	SysRegFpcr       uint32 = 0x5A20 // op0=3 op1=3 CRn=4  CRm=4 op2=0
	SysRegFpsr       uint32 = 0x5A21 // op0=3 op1=3 CRn=4  CRm=4 op2=1
	SysRegCntpctEl0  uint32 = 0x5F01 // op0=3 op1=3 CRn=14 CRm=0 op2=1
	SysRegCntfrqEl0  uint32 = 0x5F00 // op0=3 op1=3 CRn=14 CRm=0 op2=0
)

// EncodeMrs encodes MRS Xt, <sysreg>.
func EncodeMrs(dst Reg, sysreg uint32) (uint32, error) {
	if err := checkReg(dst); err != nil {
		return 0, err
	}
	return 0xD5300000 | (sysreg&0x7FFF)<<5 | uint32(dst), nil
}

// EncodeMsr encodes MSR <sysreg>, Xt.
func EncodeMsr(sysreg uint32, src Reg) (uint32, error) {
	if err := checkReg(src); err != nil {
		return 0, err
	}
	return 0xD5100000 | (sysreg&0x7FFF)<<5 | uint32(src), nil
}

// EncodeLdSetAL encodes LDSETAL Xs, Xt, [Xn]: an acquire-release atomic
// fetch-or of Xs into [Xn], old value to Xt. Requires FEAT_LSE.
func EncodeLdSetAL(src, dst, base Reg) (uint32, error) {
	if err := checkReg(src, dst, base); err != nil {
		return 0, err
	}
	return 0xF8E03000 | uint32(src)<<16 | uint32(base)<<5 | uint32(dst), nil
}

// EncodeSwpAL encodes SWPAL Xs, Xt, [Xn]: an acquire-release atomic
// exchange of Xs into [Xn], old value to Xt. Requires FEAT_LSE.
func EncodeSwpAL(src, dst, base Reg) (uint32, error) {
	if err := checkReg(src, dst, base); err != nil {
		return 0, err
	}
	return 0xF8E08000 | uint32(src)<<16 | uint32(base)<<5 | uint32(dst), nil
}

// Barrier and cache maintenance words.
const (
	InstrDsbIsh  uint32 = 0xD5033B9F // DSB ISH
	InstrDmbIsh  uint32 = 0xD5033BBF // DMB ISH
	InstrIsb     uint32 = 0xD5033FDF // ISB
	InstrDcCvau  uint32 = 0xD50B7B20 // DC CVAU, X0 (or with Xt)
	InstrIcIvau  uint32 = 0xD50B7520 // IC IVAU, X0 (or with Xt)
	InstrMsrNzcv uint32 = 0xD51B4200 // MSR NZCV, X0 (or with Xt)
	InstrMrsNzcv uint32 = 0xD53B4200 // MRS X0, NZCV (or with Xt)
)
