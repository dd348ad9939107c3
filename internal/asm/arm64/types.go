package arm64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
)

// General purpose register identifiers. Index 31 is SP when used as a base or
// in ADD/SUB immediate forms and XZR elsewhere.
const (
	X0 asm.Variable = iota
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
	SP
)

type operandSize uint8

const (
	size32 operandSize = 32
	size64 operandSize = 64
)

// Reg stores the logical register plus the width used by the instruction.
type Reg struct {
	id   asm.Variable
	size operandSize
}

func (r Reg) validate() error {
	if r.id < X0 || r.id > SP {
		return fmt.Errorf("arm64 asm: invalid register %d", r.id)
	}
	switch r.size {
	case size32, size64:
		return nil
	default:
		return fmt.Errorf("arm64 asm: unsupported register width %d", r.size)
	}
}

func (r Reg) ID() asm.Variable { return r.id }

func (r Reg) String() string {
	if r.id == SP {
		return "sp"
	}
	if r.size == size64 {
		return fmt.Sprintf("x%d", r.id)
	}
	return fmt.Sprintf("w%d", r.id)
}

func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// VReg is one of the 32 Advanced SIMD registers v0-v31. The lane layout is
// chosen per instruction, not per register.
type VReg uint8

const NumVRegs = 32

func V(n int) VReg { return VReg(n) }

func (v VReg) validate() error {
	if int(v) >= NumVRegs {
		return fmt.Errorf("arm64 asm: invalid vector register v%d", v)
	}
	return nil
}

func (v VReg) String() string { return fmt.Sprintf("v%d", uint8(v)) }

// Memory represents [base + imm] addressing with an unsigned, scaled offset.
type Memory struct {
	base    Reg
	hasBase bool
	disp    int32
}

func Mem(base Reg) Memory {
	return Memory{base: base, hasBase: true}
}

func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if !m.hasBase {
		return fmt.Errorf("arm64 asm: memory reference missing base register")
	}
	if m.base.size != size64 {
		return fmt.Errorf("arm64 asm: memory base must be a 64-bit register")
	}
	return m.base.validate()
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	return f(ctx)
}

// word emits a single pre-encoded instruction after running the validators.
func word(encode func() (uint32, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		w, err := encode()
		if err != nil {
			return err
		}
		c.emit32(w)
		return nil
	})
}
