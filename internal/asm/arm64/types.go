package arm64

import "errors"

// Reg is an A64 general-purpose register number. Register 31 encodes
// either SP or XZR depending on the instruction.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR Reg = 31
	SP  Reg = 31
)

// VReg is an A64 SIMD register number (V0-V31).
type VReg uint8

var (
	ErrBadRegister  = errors.New("arm64: register out of range")
	ErrBadImmediate = errors.New("arm64: immediate out of range")
	ErrBadOffset    = errors.New("arm64: offset not encodable")
)

// InstrSize is the width of every A64 instruction in bytes.
const InstrSize = 4

func checkReg(regs ...Reg) error {
	for _, r := range regs {
		if r > 31 {
			return ErrBadRegister
		}
	}
	return nil
}
