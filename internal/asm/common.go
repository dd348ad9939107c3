package asm

import (
	"encoding/binary"
	"fmt"
)

// Variable names a register or a constant slot inside an architecture
// package. Register numbering is defined by each architecture.
type Variable int

type Context interface {
	AddConstant(target Variable, data []byte)
	EmitBytes(data []byte)

	// Offset returns the current position in the text section.
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type alignFragment struct {
	boundary int
}

// Align pads the text section with zero bytes up to the next multiple of
// boundary, which must be a power of two.
func Align(boundary int) Fragment {
	return alignFragment{boundary: boundary}
}

func (a alignFragment) Emit(ctx Context) error {
	if a.boundary <= 0 || a.boundary&(a.boundary-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", a.boundary)
	}
	if rem := ctx.Offset() % a.boundary; rem != 0 {
		ctx.EmitBytes(make([]byte, a.boundary-rem))
	}
	return nil
}

type rawBytes []byte

func (r rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(r)
	return nil
}

// Data places an aligned, labelled blob of bytes inline in the text section.
// Emitters use it for constant tables referenced by PC-relative loads.
func Data(label Label, align int, data []byte) Fragment {
	return Group{
		Align(align),
		MarkLabel(label),
		rawBytes(append([]byte(nil), data...)),
	}
}

type Program struct {
	code        []byte
	relocations []int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

func (p Program) RelocatedCopy(base uintptr) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+uint64(base))
	}
	return out
}

func (p Program) Clone() Program {
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]int(nil), p.relocations...),
	}
}

func NewProgram(code []byte, relocations []int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
	}
}
