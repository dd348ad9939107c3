package arm64

import (
	"fmt"
)

func encodeAddImm64(dst, src Reg, imm uint16) (uint32, error) {
	if dst.size != size64 || src.size != size64 {
		return 0, fmt.Errorf("arm64 asm: ADD immediate requires 64-bit registers")
	}
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: immediate out of range for ADD (%d)", imm)
	}
	return 0x91000000 | (uint32(imm) << 10) | (uint32(src.id) << 5) | uint32(dst.id), nil
}

func encodeSubImm64(dst, src Reg, imm uint16) (uint32, error) {
	if dst.size != size64 || src.size != size64 {
		return 0, fmt.Errorf("arm64 asm: SUB immediate requires 64-bit registers")
	}
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: immediate out of range for SUB (%d)", imm)
	}
	return 0xD1000000 | (uint32(imm) << 10) | (uint32(src.id) << 5) | uint32(dst.id), nil
}

// threeReg64 covers the shifted-register data processing forms whose only
// difference is the opcode base.
func threeReg64(name string, base uint32, dst, left, right Reg) (uint32, error) {
	if dst.size != size64 || left.size != size64 || right.size != size64 {
		return 0, fmt.Errorf("arm64 asm: %s register requires 64-bit operands", name)
	}
	if dst.id == SP || left.id == SP || right.id == SP {
		return 0, fmt.Errorf("arm64 asm: %s register cannot address sp", name)
	}
	return base | (uint32(right.id) << 16) | (uint32(left.id) << 5) | uint32(dst.id), nil
}

func encodeAddReg64(dst, left, right Reg) (uint32, error) {
	return threeReg64("ADD", 0x8B000000, dst, left, right)
}

func encodeSubReg64(dst, left, right Reg) (uint32, error) {
	return threeReg64("SUB", 0xCB000000, dst, left, right)
}

func encodeMulReg(dst, left, right Reg) (uint32, error) {
	// MADD dst, left, right, xzr
	return threeReg64("MUL", 0x9B007C00, dst, left, right)
}

func encodeCmpReg64(left, right Reg) (uint32, error) {
	if left.size != size64 || right.size != size64 {
		return 0, fmt.Errorf("arm64 asm: CMP register requires 64-bit operands")
	}
	return 0xEB00001F | (uint32(right.id) << 16) | (uint32(left.id) << 5), nil
}

func encodeCmpImm64(reg Reg, imm uint16) (uint32, error) {
	if reg.size != size64 {
		return 0, fmt.Errorf("arm64 asm: CMP immediate requires 64-bit operand")
	}
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: immediate out of range for CMP (%d)", imm)
	}
	return 0xF100001F | (uint32(imm) << 10) | (uint32(reg.id) << 5), nil
}

func encodeMoveReg(dst, src Reg) (uint32, error) {
	switch {
	case dst.id == SP || src.id == SP:
		return 0, fmt.Errorf("arm64 asm: MOV register cannot address sp, use MovRegFromSP")
	case dst.size == size64 && src.size == size64:
		return 0xAA0003E0 | (uint32(src.id) << 16) | uint32(dst.id), nil
	case dst.size <= size32 && src.size <= size32:
		return 0x2A0003E0 | (uint32(src.id) << 16) | uint32(dst.id), nil
	case dst.size == size64 && src.size <= size32:
		return 0x2A0003E0 | (uint32(src.id) << 16) | uint32(dst.id), nil
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported MOV width dst=%d src=%d", dst.size, src.size)
	}
}

func encodeMovWide(base uint32, name string, dst Reg, imm uint16, shift uint32) (uint32, error) {
	if dst.size != size64 {
		return 0, fmt.Errorf("arm64 asm: %s requires 64-bit destination", name)
	}
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("arm64 asm: invalid %s shift %d", name, shift)
	}
	hw := shift / 16
	return base | (hw << 21) | (uint32(imm) << 5) | uint32(dst.id), nil
}

func encodeMovz(dst Reg, imm uint16, shift uint32) (uint32, error) {
	return encodeMovWide(0xD2800000, "MOVZ", dst, imm, shift)
}

func encodeMovk(dst Reg, imm uint16, shift uint32) (uint32, error) {
	return encodeMovWide(0xF2800000, "MOVK", dst, imm, shift)
}

func encodeMovn(dst Reg, imm uint16, shift uint32) (uint32, error) {
	return encodeMovWide(0x92800000, "MOVN", dst, imm, shift)
}

type accessWidth uint8

const (
	width8   accessWidth = 1
	width16  accessWidth = 2
	width32  accessWidth = 4
	width64  accessWidth = 8
	width128 accessWidth = 16
)

func (w accessWidth) scale() uint32 {
	switch w {
	case width8:
		return 0
	case width16:
		return 1
	case width32:
		return 2
	case width64:
		return 3
	default:
		return 4
	}
}

func scaledOffset(mem Memory, w accessWidth) (uint32, error) {
	if err := mem.validate(); err != nil {
		return 0, err
	}
	if mem.disp < 0 {
		return 0, fmt.Errorf("arm64 asm: negative offsets not supported in unsigned load/store")
	}
	if mem.disp%int32(w) != 0 {
		return 0, fmt.Errorf("arm64 asm: misaligned offset %d for %d-byte access", mem.disp, w)
	}
	imm := mem.disp / int32(w)
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: offset out of range (%d)", mem.disp)
	}
	return uint32(imm)<<10 | uint32(mem.base.id)<<5, nil
}

// encodeLoadStoreX encodes LDR/STR of an X register with an unsigned
// scaled offset.
func encodeLoadStoreX(reg Reg, mem Memory, store bool) (uint32, error) {
	base := uint32(0xF9000000)
	if !store {
		base |= 0x00400000
	}
	if reg.size != size64 {
		return 0, fmt.Errorf("arm64 asm: register width mismatch for 8-byte load/store")
	}
	if reg.id == SP {
		return 0, fmt.Errorf("arm64 asm: sp cannot be the transfer register")
	}
	off, err := scaledOffset(mem, width64)
	if err != nil {
		return 0, err
	}
	return base | off | uint32(reg.id), nil
}

// encodePair encodes STP/LDP with pre- or post-index writeback. scale is the
// log2 of the register size in bytes.
func encodePair(base uint32, scale uint, first, second uint32, baseReg Reg, offset int32) (uint32, error) {
	if baseReg.size != size64 {
		return 0, fmt.Errorf("arm64 asm: pair base must be a 64-bit register")
	}
	unit := int32(1) << scale
	if offset%unit != 0 {
		return 0, fmt.Errorf("arm64 asm: pair offset %d not a multiple of %d", offset, unit)
	}
	imm := offset / unit
	if imm < -64 || imm > 63 {
		return 0, fmt.Errorf("arm64 asm: pair offset %d out of range", offset)
	}
	return base | (uint32(imm)&0x7F)<<15 | second<<10 | uint32(baseReg.id)<<5 | first, nil
}

const (
	opStpXPre  = 0xA9800000
	opLdpXPost = 0xA8C00000
	opStpDPre  = 0x6D800000
	opLdpDPost = 0x6CC00000
	opStpQPre  = 0xAD800000
	opLdpQPost = 0xACC00000
)

func encodeADR(dst Reg) (uint32, error) {
	if dst.size != size64 || dst.id == SP {
		return 0, fmt.Errorf("arm64 asm: ADR requires a 64-bit general register")
	}
	return 0x10000000 | uint32(dst.id), nil
}

func encodeLiteralLoad(reg Reg) (uint32, error) {
	switch reg.size {
	case size64:
		return 0x58000000 | uint32(reg.id), nil
	case size32:
		return 0x18000000 | uint32(reg.id), nil
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported literal load width %d", reg.size)
	}
}

// System register fields for MRS, packed as o0:op1:CRn:CRm:op2.
type sysReg uint32

const (
	// CNTVCT_EL0, the virtual counter readable from EL0.
	sysRegCNTVCT sysReg = 1<<14 | 3<<11 | 14<<7 | 0<<3 | 2
)

func encodeMRS(dst Reg, reg sysReg) (uint32, error) {
	if dst.size != size64 || dst.id == SP {
		return 0, fmt.Errorf("arm64 asm: MRS requires a 64-bit general register")
	}
	return 0xD5300000 | uint32(reg)<<5 | uint32(dst.id), nil
}
