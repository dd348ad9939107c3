package aarch64

import (
	"fmt"
	"math"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

type vec3Op func(d, n, m arm64asm.VReg) asm.Fragment

var binaryOps = map[op.Type]vec3Op{
	op.Add:      arm64asm.FAdd,
	op.Subtract: arm64asm.FSub,
	op.Multiply: arm64asm.FMul,
	op.Divide:   arm64asm.FDiv,
	op.Maximum:  arm64asm.FMax,
	op.Minimum:  arm64asm.FMin,
}

type binaryEmitter struct {
	base
	fn vec3Op
}

func newBinaryEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	fn, ok := binaryOps[expr.Type()]
	if !ok {
		return nil, fmt.Errorf("aarch64: %s is not a binary arithmetic operation", expr)
	}
	return &binaryEmitter{base: newBase(t, expr), fn: fn}, nil
}

func (e *binaryEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(e.fn(vreg(out[0]), vreg(in[0]), vreg(in[1])))
}

type unaryEmitter struct {
	base
	fn func(d, n arm64asm.VReg) asm.Fragment
}

func newUnaryEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	e := &unaryEmitter{base: newBase(t, expr)}
	switch expr.Type() {
	case op.Abs:
		e.fn = arm64asm.FAbs
	case op.Negative:
		e.fn = arm64asm.FNeg
	case op.Sqrt:
		e.fn = arm64asm.FSqrt
	case op.Relu:
		// max(x, 0) needs a zeroed scratch register.
	default:
		return nil, fmt.Errorf("aarch64: %s is not a unary arithmetic operation", expr)
	}
	return e, nil
}

func (e *unaryEmitter) AuxVecRegs() int {
	if e.fn == nil {
		return 1
	}
	return 0
}

func (e *unaryEmitter) AuxGPRegs() int { return 0 }

func (e *unaryEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if e.fn != nil {
		return e.t.emit(e.fn(vreg(out[0]), vreg(in[0])))
	}
	if err := e.aux(vec, gp, 1, 0); err != nil {
		return err
	}
	zero := vreg(vec[0])
	return e.t.emit(
		arm64asm.MoviZero(zero),
		arm64asm.FMax(vreg(out[0]), vreg(in[0]), zero),
	)
}

// maskToOnes turns all-ones lanes into 1.0 and clears the rest. The table
// is placed after the code by EmitData.
type maskToOnes struct {
	base
}

func (m *maskToOnes) onesLabel() asm.Label { return m.label("ones") }

func (m *maskToOnes) toOnes(dst arm64asm.VReg, scratch int) []asm.Fragment {
	return []asm.Fragment{
		arm64asm.LoadVectorLiteral(vreg(scratch), m.onesLabel()),
		arm64asm.VAnd(dst, dst, vreg(scratch)),
	}
}

func (m *maskToOnes) EmitData() error {
	ones := replicate(element.F32, uint64(math.Float32bits(1)))
	return m.t.emit(asm.Data(m.onesLabel(), vectorBytes, ones))
}

type compareEmitter struct {
	maskToOnes
}

func newCompareEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	switch expr.Type() {
	case op.Equal, op.NotEqual, op.Greater, op.GreaterEqual, op.Less, op.LessEqual:
	default:
		return nil, fmt.Errorf("aarch64: %s is not a comparison", expr)
	}
	return &compareEmitter{maskToOnes{newBase(t, expr)}}, nil
}

func (e *compareEmitter) AuxVecRegs() int { return 1 }
func (e *compareEmitter) AuxGPRegs() int  { return 0 }

func (e *compareEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 1, 0); err != nil {
		return err
	}
	d, a, b := vreg(out[0]), vreg(in[0]), vreg(in[1])
	var frags []asm.Fragment
	switch e.expr.Type() {
	case op.Equal:
		frags = append(frags, arm64asm.FCmEq(d, a, b))
	case op.NotEqual:
		frags = append(frags, arm64asm.FCmEq(d, a, b), arm64asm.VNot(d, d))
	case op.Greater:
		frags = append(frags, arm64asm.FCmGt(d, a, b))
	case op.GreaterEqual:
		frags = append(frags, arm64asm.FCmGe(d, a, b))
	case op.Less:
		frags = append(frags, arm64asm.FCmGt(d, b, a))
	case op.LessEqual:
		frags = append(frags, arm64asm.FCmGe(d, b, a))
	}
	return e.t.emit(append(frags, e.toOnes(d, vec[0])...)...)
}

// logicalEmitter treats any non-zero lane as true.
type logicalEmitter struct {
	maskToOnes
}

func newLogicalEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	switch expr.Type() {
	case op.LogicalAnd, op.LogicalOr, op.LogicalXor:
	default:
		return nil, fmt.Errorf("aarch64: %s is not a binary logical operation", expr)
	}
	return &logicalEmitter{maskToOnes{newBase(t, expr)}}, nil
}

func (e *logicalEmitter) AuxVecRegs() int { return 2 }
func (e *logicalEmitter) AuxGPRegs() int  { return 0 }

func (e *logicalEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 2, 0); err != nil {
		return err
	}
	d := vreg(out[0])
	zeroA, zeroB := vreg(vec[0]), vreg(vec[1])
	frags := []asm.Fragment{
		arm64asm.FCmEqZero(zeroA, vreg(in[0])),
		arm64asm.FCmEqZero(zeroB, vreg(in[1])),
	}
	switch e.expr.Type() {
	case op.LogicalAnd:
		frags = append(frags, arm64asm.VOrr(d, zeroA, zeroB), arm64asm.VNot(d, d))
	case op.LogicalOr:
		frags = append(frags, arm64asm.VAnd(d, zeroA, zeroB), arm64asm.VNot(d, d))
	case op.LogicalXor:
		frags = append(frags, arm64asm.VEor(d, zeroA, zeroB))
	}
	return e.t.emit(append(frags, e.toOnes(d, vec[0])...)...)
}

type logicalNotEmitter struct {
	maskToOnes
}

func newLogicalNotEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	return &logicalNotEmitter{maskToOnes{newBase(t, expr)}}, nil
}

func (e *logicalNotEmitter) AuxVecRegs() int { return 1 }
func (e *logicalNotEmitter) AuxGPRegs() int  { return 0 }

func (e *logicalNotEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 1, 0); err != nil {
		return err
	}
	d := vreg(out[0])
	frags := []asm.Fragment{arm64asm.FCmEqZero(d, vreg(in[0]))}
	return e.t.emit(append(frags, e.toOnes(d, vec[0])...)...)
}

// selectEmitter picks in[1] where in[0] is non-zero and in[2] elsewhere.
type selectEmitter struct{ base }

func newSelectEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	return &selectEmitter{newBase(t, expr)}, nil
}

func (e *selectEmitter) AuxVecRegs() int { return 1 }
func (e *selectEmitter) AuxGPRegs() int  { return 0 }

func (e *selectEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 1, 0); err != nil {
		return err
	}
	mask := vreg(vec[0])
	return e.t.emit(
		arm64asm.CmTst(mask, vreg(in[0]), vreg(in[0])),
		arm64asm.VBsl(mask, vreg(in[1]), vreg(in[2])),
		arm64asm.VMov(vreg(out[0]), mask),
	)
}

// preluEmitter computes x >= 0 ? x : x*slope.
type preluEmitter struct{ base }

func newPReluEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	return &preluEmitter{newBase(t, expr)}, nil
}

func (e *preluEmitter) AuxVecRegs() int { return 2 }
func (e *preluEmitter) AuxGPRegs() int  { return 0 }

func (e *preluEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 2, 0); err != nil {
		return err
	}
	x, slope := vreg(in[0]), vreg(in[1])
	mask, scaled := vreg(vec[0]), vreg(vec[1])
	return e.t.emit(
		arm64asm.FCmGeZero(mask, x),
		arm64asm.FMul(scaled, x, slope),
		arm64asm.VBsl(mask, x, scaled),
		arm64asm.VMov(vreg(out[0]), mask),
	)
}

// fmaEmitter computes in[0]*in[1] + in[2].
type fmaEmitter struct{ base }

func newFusedMulAddEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	return &fmaEmitter{newBase(t, expr)}, nil
}

func (e *fmaEmitter) AuxVecRegs() int { return 1 }
func (e *fmaEmitter) AuxGPRegs() int  { return 0 }

func (e *fmaEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 1, 0); err != nil {
		return err
	}
	acc := vreg(vec[0])
	return e.t.emit(
		arm64asm.VMov(acc, vreg(in[2])),
		arm64asm.FMla(acc, vreg(in[0]), vreg(in[1])),
		arm64asm.VMov(vreg(out[0]), acc),
	)
}
