package aarch64

import (
	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// access is a contiguous vector memory access: count lanes starting offset
// bytes past the pointer.
type access struct {
	bytes  int
	offset int64
}

func parseAccess(expr *lowered.Expression, elem element.Type) (access, error) {
	name := expr.Node().String()
	if elem.Size() == 0 {
		return access{}, errs.New(errs.ErrInvalidIR, name, "element type %s has no width", elem)
	}
	attrs := expr.Node().Attrs
	count, err := attrs.Int(op.AttrCount, int64(vectorBytes/elem.Size()))
	if err != nil {
		return access{}, err
	}
	offset, err := attrs.Int(op.AttrOffset, 0)
	if err != nil {
		return access{}, err
	}
	a := access{bytes: int(count) * elem.Size(), offset: offset}
	switch a.bytes {
	case 1, 2, 4, 8, 16:
	default:
		return access{}, errs.New(errs.ErrInvalidIR, name, "%d lanes of %s is not a vector access width", count, elem)
	}
	if offset < 0 || offset%int64(a.bytes) != 0 || offset/int64(a.bytes) > 0xFFF {
		return access{}, errs.New(errs.ErrInvalidIR, name, "offset %d cannot be encoded for a %d byte access", offset, a.bytes)
	}
	return a, nil
}

func (a access) mem(ptr int) arm64asm.Memory {
	return arm64asm.Mem(xreg(ptr)).WithDisp(int32(a.offset))
}

// loadEmitter reads lanes from a pointer into a vector register.
type loadEmitter struct {
	base
	access
}

func newLoadEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	a, err := parseAccess(expr, expr.OutputElement(0))
	if err != nil {
		return nil, err
	}
	return &loadEmitter{base: newBase(t, expr), access: a}, nil
}

func (e *loadEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.LoadVector(vreg(out[0]), e.mem(in[0]), e.bytes))
}

// storeEmitter writes lanes of a vector register through the pointer that
// is its output.
type storeEmitter struct {
	base
	access
}

func newStoreEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	a, err := parseAccess(expr, expr.InputElement(0))
	if err != nil {
		return nil, err
	}
	return &storeEmitter{base: newBase(t, expr), access: a}, nil
}

func (e *storeEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.StoreVector(vreg(in[0]), e.mem(out[0]), e.bytes))
}

// broadcastLoadEmitter replicates one 32-bit element into every lane.
type broadcastLoadEmitter struct {
	base
	offset int64
}

func newBroadcastLoadEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if size := expr.OutputElement(0).Size(); size != 4 {
		return nil, errs.Conversion(expr.Node().String(), expr.InputElement(0), expr.OutputElement(0), "broadcast loads replicate 32-bit lanes")
	}
	offset, err := expr.Node().Attrs.Int(op.AttrOffset, 0)
	if err != nil {
		return nil, err
	}
	return &broadcastLoadEmitter{base: newBase(t, expr), offset: offset}, nil
}

func (e *broadcastLoadEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if e.offset == 0 {
		return e.t.emit(arm64asm.LoadReplicate(vreg(out[0]), xreg(in[0])))
	}
	return e.t.emit(asm.Group{
		arm64asm.AddImm(scratch0, xreg(in[0]), e.offset),
		arm64asm.LoadReplicate(vreg(out[0]), scratch0),
	})
}
