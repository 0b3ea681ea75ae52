package arm64

// Instruction classifiers used when scanning guest code. These match only
// the exact forms the engine cares about; anything else is reported as not
// matching so callers fall through to native execution.

// AsSvc reports whether instr is SVC #imm16 and returns the immediate.
func AsSvc(instr uint32) (uint16, bool) {
	if instr&0xFFE0001F != 0xD4000001 {
		return 0, false
	}
	return uint16(instr >> 5), true
}

// AsBrk reports whether instr is BRK #imm16 and returns the immediate.
func AsBrk(instr uint32) (uint16, bool) {
	if instr&0xFFE0001F != 0xD4200000 {
		return 0, false
	}
	return uint16(instr >> 5), true
}

// AsMrs reports whether instr is MRS Xt, <sysreg> and returns the target
// register and the packed system-register operand.
func AsMrs(instr uint32) (Reg, uint32, bool) {
	if instr&0xFFF00000 != 0xD5300000 {
		return 0, 0, false
	}
	return Reg(instr & 0x1F), (instr >> 5) & 0x7FFF, true
}

// AsMsr reports whether instr is MSR <sysreg>, Xt and returns the source
// register and the packed system-register operand.
func AsMsr(instr uint32) (Reg, uint32, bool) {
	if instr&0xFFF00000 != 0xD5100000 {
		return 0, 0, false
	}
	return Reg(instr & 0x1F), (instr >> 5) & 0x7FFF, true
}
