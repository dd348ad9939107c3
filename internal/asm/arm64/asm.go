package arm64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
)

// LoadConstantBytes binds the provided data to the named constant variable.
func LoadConstantBytes(target asm.Variable, data []byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.AddConstant(target, data)
		return nil
	})
}

// LoadAddress computes the address of a pooled constant into dst with ADR.
func LoadAddress(dst Reg, constant asm.Variable) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		if !c.hasConstant(constant) {
			return fmt.Errorf("arm64 asm: constant %v not defined", constant)
		}
		w, err := encodeADR(dst)
		if err != nil {
			return err
		}
		c.emitConstRef(w, pcrelADR, constant)
		return nil
	})
}

// LoadLabelAddress computes the address of a label into dst with ADR.
func LoadLabelAddress(dst Reg, label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		w, err := encodeADR(dst)
		if err != nil {
			return err
		}
		c.emitLabelRef(w, pcrelADR, label)
		return nil
	})
}

// LoadLiteral loads a 32 or 64-bit value stored at label.
func LoadLiteral(dst Reg, label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		w, err := encodeLiteralLoad(dst)
		if err != nil {
			return err
		}
		c.emitLabelRef(w, pcrelLiteral, label)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := dst.validate(); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		if dst.size == size32 {
			return emitMovImmediate(c, Reg64(dst.id), uint64(uint32(value)))
		}
		return emitMovImmediate(c, dst, uint64(value))
	})
}

func emitMovImmediate(c *Context, dst Reg, value uint64) error {
	if dst.id == SP {
		return fmt.Errorf("arm64 asm: cannot move an immediate into sp")
	}
	// Small negative values fit a single MOVN.
	if inv := ^value; inv <= 0xFFFF {
		w, err := encodeMovn(dst, uint16(inv), 0)
		if err != nil {
			return err
		}
		c.emit32(w)
		return nil
	}
	if value == 0 {
		w, err := encodeMovz(dst, 0, 0)
		if err != nil {
			return err
		}
		c.emit32(w)
		return nil
	}
	first := true
	for shift := uint32(0); shift < 64; shift += 16 {
		chunk := uint16((value >> shift) & 0xFFFF)
		if chunk == 0 {
			continue
		}
		var (
			w   uint32
			err error
		)
		if first {
			w, err = encodeMovz(dst, chunk, shift)
			first = false
		} else {
			w, err = encodeMovk(dst, chunk, shift)
		}
		if err != nil {
			return err
		}
		c.emit32(w)
	}
	return nil
}

func MovReg(dst, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeMoveReg(dst, src) })
}

// MovRegFromSP copies the stack pointer into dst. ARM64 treats the SP
// register differently from general-purpose registers, so MOV cannot use it
// as a source operand.
func MovRegFromSP(dst Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeAddImm64(dst, Reg64(SP), 0) })
}

// AddRegImm adds a signed constant to reg, splitting it into 12-bit chunks.
func AddRegImm(reg Reg, value int64) asm.Fragment {
	return AddImm(reg, reg, value)
}

// AddImm computes dst = src + value. A zero value with dst == src emits
// nothing.
func AddImm(dst, src Reg, value int64) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := dst.validate(); err != nil {
			return err
		}
		if err := src.validate(); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		if value == 0 && dst.id != src.id {
			w, err := encodeAddImm64(dst, src, 0)
			if err != nil {
				return err
			}
			c.emit32(w)
			return nil
		}
		cur := src
		for value != 0 {
			chunk := value
			if chunk > 0xFFF {
				chunk = 0xFFF
			} else if chunk < -0xFFF {
				chunk = -0xFFF
			}
			var w uint32
			if chunk > 0 {
				w, err = encodeAddImm64(dst, cur, uint16(chunk))
			} else {
				w, err = encodeSubImm64(dst, cur, uint16(-chunk))
			}
			if err != nil {
				return err
			}
			c.emit32(w)
			value -= chunk
			cur = dst
		}
		return nil
	})
}

func SubRegImm(reg Reg, value uint16) asm.Fragment {
	return word(func() (uint32, error) { return encodeSubImm64(reg, reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeAddReg64(dst, dst, src) })
}

func AddReg(dst, left, right Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeAddReg64(dst, left, right) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeSubReg64(dst, dst, src) })
}

func MulReg(dst, left, right Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeMulReg(dst, left, right) })
}

func CmpRegReg(left, right Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeCmpReg64(left, right) })
}

func CmpRegImm(reg Reg, value int64) asm.Fragment {
	return word(func() (uint32, error) {
		if value < 0 || value > 0xFFF {
			return 0, fmt.Errorf("arm64 asm: CmpRegImm immediate %d out of range", value)
		}
		return encodeCmpImm64(reg, uint16(value))
	})
}

func MovToMemory64(mem Memory, src Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeLoadStoreX(src, mem, true) })
}

func MovFromMemory64(dst Reg, mem Memory) asm.Fragment {
	return word(func() (uint32, error) { return encodeLoadStoreX(dst, mem, false) })
}

// PushPair stores two X registers below sp and moves sp down by 16.
func PushPair(first, second Reg) asm.Fragment {
	return word(func() (uint32, error) {
		if first.size != size64 || second.size != size64 {
			return 0, fmt.Errorf("arm64 asm: PushPair requires X registers")
		}
		return encodePair(opStpXPre, 3, uint32(first.id), uint32(second.id), Reg64(SP), -16)
	})
}

// PopPair is the inverse of PushPair.
func PopPair(first, second Reg) asm.Fragment {
	return word(func() (uint32, error) {
		if first.size != size64 || second.size != size64 {
			return 0, fmt.Errorf("arm64 asm: PopPair requires X registers")
		}
		return encodePair(opLdpXPost, 3, uint32(first.id), uint32(second.id), Reg64(SP), 16)
	})
}

// PushPairD saves the low 64 bits of two vector registers.
func PushPairD(first, second VReg) asm.Fragment {
	return word(func() (uint32, error) {
		return encodePair(opStpDPre, 3, uint32(first), uint32(second), Reg64(SP), -16)
	})
}

func PopPairD(first, second VReg) asm.Fragment {
	return word(func() (uint32, error) {
		return encodePair(opLdpDPost, 3, uint32(first), uint32(second), Reg64(SP), 16)
	})
}

// PushPairQ saves two full 128-bit vector registers.
func PushPairQ(first, second VReg) asm.Fragment {
	return word(func() (uint32, error) {
		return encodePair(opStpQPre, 4, uint32(first), uint32(second), Reg64(SP), -32)
	})
}

func PopPairQ(first, second VReg) asm.Fragment {
	return word(func() (uint32, error) {
		return encodePair(opLdpQPost, 4, uint32(first), uint32(second), Reg64(SP), 32)
	})
}

// ReadCycleCounter reads CNTVCT_EL0 into dst.
func ReadCycleCounter(dst Reg) asm.Fragment {
	return word(func() (uint32, error) { return encodeMRS(dst, sysRegCNTVCT) })
}

func Jump(label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, branchB, 0)
		return nil
	})
}

func JumpIfGreaterOrEqual(label asm.Label) asm.Fragment { return condJump(label, condGE) }
func JumpIfLess(label asm.Label) asm.Fragment           { return condJump(label, condLT) }

func condJump(label asm.Label, cond condition) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, branchCond, cond)
		return nil
	})
}

func Call(label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitBranch(label, branchBL, 0)
		return nil
	})
}

func CallReg(target Reg) asm.Fragment {
	return word(func() (uint32, error) {
		if err := target.validate(); err != nil {
			return 0, err
		}
		if target.size != size64 || target.id == SP {
			return 0, fmt.Errorf("arm64 asm: BLR requires a 64-bit general register")
		}
		return 0xD63F0000 | (uint32(target.id) << 5), nil
	})
}

func Ret() asm.Fragment {
	return word(func() (uint32, error) { return 0xD65F03C0, nil })
}
