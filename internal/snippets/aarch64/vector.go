package aarch64

import (
	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// scalarEmitter materializes a constant in every lane from a literal.
type scalarEmitter struct {
	base
	data []byte
}

func newScalarEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	elem := expr.OutputElement(0)
	if elem.Size() == 0 || elem.Size() > 8 {
		return nil, errs.New(errs.ErrInvalidIR, expr.Node().String(), "no scalar encoding for %s", elem)
	}
	value, err := expr.Node().Attrs.Float(op.AttrValue, 0)
	if err != nil {
		return nil, err
	}
	return &scalarEmitter{
		base: newBase(t, expr),
		data: replicate(elem, element.FloatBits(elem, value)),
	}, nil
}

func (e *scalarEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.LoadVectorLiteral(vreg(out[0]), e.label("scalar")))
}

func (e *scalarEmitter) EmitData() error {
	return e.t.emit(asm.Data(e.label("scalar"), vectorBytes, e.data))
}

// vectorBufferEmitter zeroes a register used as an accumulator.
type vectorBufferEmitter struct{ base }

func newVectorBufferEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	return &vectorBufferEmitter{newBase(t, expr)}, nil
}

func (e *vectorBufferEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.MoviZero(vreg(out[0])))
}

// broadcastMoveEmitter copies lane 0 to every lane.
type broadcastMoveEmitter struct{ base }

func newBroadcastMoveEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	return &broadcastMoveEmitter{newBase(t, expr)}, nil
}

func (e *broadcastMoveEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.DupLane(vreg(out[0]), vreg(in[0]), 0))
}

// fillEmitter overwrites lanes from fill_offset on with the bit pattern
// fill_value, padding a partial tail vector before a reduction.
type fillEmitter struct {
	base
	offset int
	value  uint32
}

func newFillEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	name := expr.Node().String()
	if expr.InputElement(0).Size() != 4 || expr.OutputElement(0).Size() != 4 {
		return nil, errs.Conversion(name, expr.InputElement(0), expr.OutputElement(0), "fill works on 32-bit lanes")
	}
	attrs := expr.Node().Attrs
	offset, err := attrs.Int(op.AttrFillOffset, 0)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > vectorBytes/4 {
		return nil, errs.New(errs.ErrInvalidIR, name, "fill offset %d outside 0..4", offset)
	}
	value, err := attrs.Int(op.AttrFillValue, 0)
	if err != nil {
		return nil, err
	}
	return &fillEmitter{base: newBase(t, expr), offset: int(offset), value: uint32(value)}, nil
}

func (e *fillEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	d := vreg(out[0])
	switch e.offset {
	case vectorBytes / 4:
		return e.t.emit(arm64asm.VMov(d, vreg(in[0])))
	case 0:
		return e.t.emit(
			arm64asm.MovImmediate(wreg(16), int64(e.value)),
			arm64asm.DupGeneral(d, wreg(16)),
		)
	}
	frags := []asm.Fragment{
		arm64asm.VMov(d, vreg(in[0])),
		arm64asm.MovImmediate(wreg(16), int64(e.value)),
	}
	for lane := e.offset; lane < vectorBytes/4; lane++ {
		frags = append(frags, arm64asm.InsGeneral(d, lane, wreg(16)))
	}
	return e.t.emit(frags...)
}

// horizonEmitter reduces four lanes with pairwise instructions; the result
// ends up in every lane.
type horizonEmitter struct {
	base
	fn vec3Op
}

func newHorizonEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	fn := arm64asm.FAddP
	if expr.Type() == op.HorizonMax {
		fn = arm64asm.FMaxP
	}
	return &horizonEmitter{base: newBase(t, expr), fn: fn}, nil
}

func (e *horizonEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	d := vreg(out[0])
	return e.t.emit(
		e.fn(d, vreg(in[0]), vreg(in[0])),
		e.fn(d, d, d),
	)
}
