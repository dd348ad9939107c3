package arm64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
)

// Arrangement names the lane layout of a vector operand.
type Arrangement uint8

const (
	B8 Arrangement = iota
	B16
	H4
	H8
	S2
	S4
	D2
)

var arrangementNames = [...]string{"8b", "16b", "4h", "8h", "2s", "4s", "2d"}

func (a Arrangement) String() string {
	if int(a) < len(arrangementNames) {
		return arrangementNames[a]
	}
	return fmt.Sprintf("arrangement(%d)", uint8(a))
}

// size returns the two-bit element size field (0 = byte .. 3 = doubleword).
func (a Arrangement) size() uint32 {
	switch a {
	case B8, B16:
		return 0
	case H4, H8:
		return 1
	case S2, S4:
		return 2
	default:
		return 3
	}
}

func vec3(base uint32, d, n, m VReg) asm.Fragment {
	return word(func() (uint32, error) {
		for _, r := range [...]VReg{d, n, m} {
			if err := r.validate(); err != nil {
				return 0, err
			}
		}
		return base | uint32(m)<<16 | uint32(n)<<5 | uint32(d), nil
	})
}

func vec2(base uint32, d, n VReg) asm.Fragment {
	return word(func() (uint32, error) {
		if err := d.validate(); err != nil {
			return 0, err
		}
		if err := n.validate(); err != nil {
			return 0, err
		}
		return base | uint32(n)<<5 | uint32(d), nil
	})
}

// Single precision arithmetic on four lanes.

func FAdd(d, n, m VReg) asm.Fragment  { return vec3(0x4E20D400, d, n, m) }
func FSub(d, n, m VReg) asm.Fragment  { return vec3(0x4EA0D400, d, n, m) }
func FMul(d, n, m VReg) asm.Fragment  { return vec3(0x6E20DC00, d, n, m) }
func FDiv(d, n, m VReg) asm.Fragment  { return vec3(0x6E20FC00, d, n, m) }
func FMax(d, n, m VReg) asm.Fragment  { return vec3(0x4E20F400, d, n, m) }
func FMin(d, n, m VReg) asm.Fragment  { return vec3(0x4EA0F400, d, n, m) }
func FMla(d, n, m VReg) asm.Fragment  { return vec3(0x4E20CC00, d, n, m) }
func FAddP(d, n, m VReg) asm.Fragment { return vec3(0x6E20D400, d, n, m) }
func FMaxP(d, n, m VReg) asm.Fragment { return vec3(0x6E20F400, d, n, m) }
func FAbs(d, n VReg) asm.Fragment     { return vec2(0x4EA0F800, d, n) }
func FNeg(d, n VReg) asm.Fragment     { return vec2(0x6EA0F800, d, n) }
func FSqrt(d, n VReg) asm.Fragment    { return vec2(0x6EA1F800, d, n) }

// Comparisons set every bit of a lane when the predicate holds.

func FCmEq(d, n, m VReg) asm.Fragment { return vec3(0x4E20E400, d, n, m) }
func FCmGe(d, n, m VReg) asm.Fragment { return vec3(0x6E20E400, d, n, m) }
func FCmGt(d, n, m VReg) asm.Fragment { return vec3(0x6EA0E400, d, n, m) }
func FCmEqZero(d, n VReg) asm.Fragment {
	return vec2(0x4EA0D800, d, n)
}
func FCmGeZero(d, n VReg) asm.Fragment {
	return vec2(0x6EA0C800, d, n)
}
func CmTst(d, n, m VReg) asm.Fragment { return vec3(0x4EA08C00, d, n, m) }

// Bitwise operations on all 128 bits.

func VAnd(d, n, m VReg) asm.Fragment { return vec3(0x4E201C00, d, n, m) }
func VOrr(d, n, m VReg) asm.Fragment { return vec3(0x4EA01C00, d, n, m) }
func VEor(d, n, m VReg) asm.Fragment { return vec3(0x6E201C00, d, n, m) }
func VBsl(d, n, m VReg) asm.Fragment { return vec3(0x6E601C00, d, n, m) }
func VNot(d, n VReg) asm.Fragment    { return vec2(0x6E205800, d, n) }

// VMov copies a full register. Copying a register onto itself emits nothing.
func VMov(d, n VReg) asm.Fragment {
	if d == n {
		return asm.Group{}
	}
	return VOrr(d, n, n)
}

// MoviZero clears all 128 bits of d.
func MoviZero(d VReg) asm.Fragment {
	return vec2(0x6F00E400, d, 0)
}

func laneImm5(lane int) (uint32, error) {
	if lane < 0 || lane > 3 {
		return 0, fmt.Errorf("arm64 asm: lane %d out of range for .s", lane)
	}
	return uint32(lane)<<3 | 0b100, nil
}

// DupLane broadcasts n.s[lane] to all four lanes of d.
func DupLane(d, n VReg, lane int) asm.Fragment {
	return word(func() (uint32, error) {
		imm5, err := laneImm5(lane)
		if err != nil {
			return 0, err
		}
		return 0x4E000400 | imm5<<16 | uint32(n)<<5 | uint32(d), nil
	})
}

// DupGeneral broadcasts the W register src to all four lanes of d.
func DupGeneral(d VReg, src Reg) asm.Fragment {
	return word(func() (uint32, error) {
		if src.id == SP {
			return 0, fmt.Errorf("arm64 asm: DUP cannot read sp")
		}
		return 0x4E040C00 | uint32(src.id)<<5 | uint32(d), nil
	})
}

// InsGeneral writes the W register src into d.s[lane].
func InsGeneral(d VReg, lane int, src Reg) asm.Fragment {
	return word(func() (uint32, error) {
		imm5, err := laneImm5(lane)
		if err != nil {
			return 0, err
		}
		if src.id == SP {
			return 0, fmt.Errorf("arm64 asm: INS cannot read sp")
		}
		return 0x4E001C00 | imm5<<16 | uint32(src.id)<<5 | uint32(d), nil
	})
}

// Lane conversions. Narrowing forms write the low half of d and clear the
// high half; widening forms read the low half of n.

func Fcvtl(d, n VReg) asm.Fragment { return vec2(0x0E217800, d, n) } // 4h -> 4s
func Fcvtn(d, n VReg) asm.Fragment { return vec2(0x0E216800, d, n) } // 4s -> 4h

// Fcvtzs converts floating lanes to signed integers rounding toward zero.
// arr is S4 or H8.
func Fcvtzs(d, n VReg, arr Arrangement) asm.Fragment {
	switch arr {
	case S4:
		return vec2(0x4EA1B800, d, n)
	case H8:
		return vec2(0x4EF9B800, d, n)
	}
	return badArrangement("FCVTZS", arr)
}

// Scvtf converts signed integer lanes to floating point. arr is S4 or H8.
func Scvtf(d, n VReg, arr Arrangement) asm.Fragment {
	switch arr {
	case S4:
		return vec2(0x4E21D800, d, n)
	case H8:
		return vec2(0x4E79D800, d, n)
	}
	return badArrangement("SCVTF", arr)
}

func narrowing(name string, base uint32, d, n VReg, to Arrangement) asm.Fragment {
	switch to {
	case B8, H4:
		return vec2(base|to.size()<<22, d, n)
	}
	return badArrangement(name, to)
}

// Xtn keeps the low half of each lane. to is B8 (from 8h) or H4 (from 4s).
func Xtn(d, n VReg, to Arrangement) asm.Fragment {
	return narrowing("XTN", 0x0E212800, d, n, to)
}

// Sqxtn narrows with signed saturation.
func Sqxtn(d, n VReg, to Arrangement) asm.Fragment {
	return narrowing("SQXTN", 0x0E214800, d, n, to)
}

// Sqxtun narrows signed lanes with unsigned saturation.
func Sqxtun(d, n VReg, to Arrangement) asm.Fragment {
	return narrowing("SQXTUN", 0x2E212800, d, n, to)
}

func widening(name string, base uint32, d, n VReg, from Arrangement) asm.Fragment {
	switch from {
	case B8:
		return vec2(base|0x08<<16, d, n)
	case H4:
		return vec2(base|0x10<<16, d, n)
	}
	return badArrangement(name, from)
}

// Sxtl sign-extends the low lanes of n. from is B8 (to 8h) or H4 (to 4s).
func Sxtl(d, n VReg, from Arrangement) asm.Fragment {
	return widening("SXTL", 0x0F00A400, d, n, from)
}

// Uxtl zero-extends the low lanes of n.
func Uxtl(d, n VReg, from Arrangement) asm.Fragment {
	return widening("UXTL", 0x2F00A400, d, n, from)
}

func badArrangement(name string, arr Arrangement) asm.Fragment {
	return fragmentFunc(func(asm.Context) error {
		return fmt.Errorf("arm64 asm: %s does not support arrangement %s", name, arr)
	})
}

func vectorLoadStore(v VReg, mem Memory, bytes int, store bool) asm.Fragment {
	return word(func() (uint32, error) {
		if err := v.validate(); err != nil {
			return 0, err
		}
		var (
			base uint32
			w    accessWidth
		)
		switch bytes {
		case 1:
			base, w = 0x3D000000, width8
		case 2:
			base, w = 0x7D000000, width16
		case 4:
			base, w = 0xBD000000, width32
		case 8:
			base, w = 0xFD000000, width64
		case 16:
			base, w = 0x3D800000, width128
		default:
			return 0, fmt.Errorf("arm64 asm: unsupported vector access width %d", bytes)
		}
		if !store {
			base |= 0x00400000
		}
		off, err := scaledOffset(mem, w)
		if err != nil {
			return 0, err
		}
		return base | off | uint32(v), nil
	})
}

// LoadVector loads the low bytes of v (1, 2, 4, 8 or 16) from mem and clears
// the rest of the register.
func LoadVector(v VReg, mem Memory, bytes int) asm.Fragment {
	return vectorLoadStore(v, mem, bytes, false)
}

// StoreVector stores the low bytes of v to mem.
func StoreVector(v VReg, mem Memory, bytes int) asm.Fragment {
	return vectorLoadStore(v, mem, bytes, true)
}

// LoadReplicate loads one 32-bit element from [base] into all lanes of v.
func LoadReplicate(v VReg, base Reg) asm.Fragment {
	return word(func() (uint32, error) {
		if base.size != size64 {
			return 0, fmt.Errorf("arm64 asm: LD1R base must be a 64-bit register")
		}
		return 0x4D40C800 | uint32(base.id)<<5 | uint32(v), nil
	})
}

// LoadVectorLiteral loads 16 bytes stored at label into v. The label must be
// word aligned and within 1MiB of the load.
func LoadVectorLiteral(v VReg, label asm.Label) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := v.validate(); err != nil {
			return err
		}
		c, err := requireContext(ctx)
		if err != nil {
			return err
		}
		c.emitLabelRef(0x9C000000|uint32(v), pcrelLiteral, label)
		return nil
	})
}
