package aarch64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Registers no allocation ever hands out.
var (
	scratch0 = arm64asm.Reg64(arm64asm.X16)
	scratch1 = arm64asm.Reg64(arm64asm.X17)
)

// vectorBytes is the width of a q register.
const vectorBytes = 16

type emitterCtor func(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error)

var emitterTable = map[op.Type]emitterCtor{
	op.KernelStatic:  newKernelEmitter,
	op.KernelDynamic: newKernelEmitter,

	op.Parameter:         newNopEmitter,
	op.Result:            newNopEmitter,
	op.Buffer:            newNopEmitter,
	op.RankNormalization: newMoveEmitter,
	op.Reshape:           newMoveEmitter,
	op.Reorder:           newMoveEmitter,

	op.Load:          newLoadEmitter,
	op.BroadcastLoad: newBroadcastLoadEmitter,
	op.Store:         newStoreEmitter,

	op.LoopBegin: newLoopBeginEmitter,
	op.LoopEnd:   newLoopEndEmitter,

	op.Scalar:        newScalarEmitter,
	op.VectorBuffer:  newVectorBufferEmitter,
	op.BroadcastMove: newBroadcastMoveEmitter,
	op.Fill:          newFillEmitter,
	op.HorizonMax:    newHorizonEmitter,
	op.HorizonSum:    newHorizonEmitter,

	op.Add:      newBinaryEmitter,
	op.Subtract: newBinaryEmitter,
	op.Multiply: newBinaryEmitter,
	op.Divide:   newBinaryEmitter,
	op.Maximum:  newBinaryEmitter,
	op.Minimum:  newBinaryEmitter,

	op.Abs:      newUnaryEmitter,
	op.Negative: newUnaryEmitter,
	op.Relu:     newUnaryEmitter,
	op.Sqrt:     newUnaryEmitter,

	op.Equal:        newCompareEmitter,
	op.NotEqual:     newCompareEmitter,
	op.Greater:      newCompareEmitter,
	op.GreaterEqual: newCompareEmitter,
	op.Less:         newCompareEmitter,
	op.LessEqual:    newCompareEmitter,

	op.LogicalAnd: newLogicalEmitter,
	op.LogicalOr:  newLogicalEmitter,
	op.LogicalXor: newLogicalEmitter,
	op.LogicalNot: newLogicalNotEmitter,

	op.Select:   newSelectEmitter,
	op.PRelu:    newPReluEmitter,
	FusedMulAdd: newFusedMulAddEmitter,

	op.ConvertTruncation: newConvertEmitter,
	op.ConvertSaturation: newConvertEmitter,

	op.Brgemm: newBrgemmEmitter,
}

// base carries what every emitter needs.
type base struct {
	t    *TargetMachine
	expr *lowered.Expression
}

func newBase(t *TargetMachine, expr *lowered.Expression) base {
	return base{t: t, expr: expr}
}

func (b *base) InputCount() int { return len(b.expr.Inputs()) }
func (b *base) EmitData() error { return nil }

func (b *base) name() string { return b.expr.Node().String() }

// operands checks the register lists EmitCode was handed.
func (b *base) operands(in, out []int) error {
	if len(in) != len(b.expr.Inputs()) || len(out) != len(b.expr.Outputs()) {
		return fmt.Errorf("aarch64: %s got %d inputs and %d outputs, want %d and %d",
			b.expr, len(in), len(out), len(b.expr.Inputs()), len(b.expr.Outputs()))
	}
	return nil
}

func (b *base) aux(vec, gp []int, wantVec, wantGP int) error {
	if len(vec) < wantVec || len(gp) < wantGP {
		return fmt.Errorf("aarch64: %s needs %d vec and %d gp scratch registers, got %d and %d",
			b.expr, wantVec, wantGP, len(vec), len(gp))
	}
	return nil
}

// label names data owned by this expression.
func (b *base) label(suffix string) asm.Label {
	return asm.Label(fmt.Sprintf(".expr_%d_%s", b.expr.ID(), suffix))
}

// nopEmitter serves boundary expressions whose registers the kernel emitter
// loads.
type nopEmitter struct{ base }

func newNopEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	return &nopEmitter{newBase(t, expr)}, nil
}

func (e *nopEmitter) EmitCode(in, out, _, _ []int) error { return e.operands(in, out) }

// moveEmitter serves layout operations: the pointer is unchanged, only the
// shape seen by later expressions differs.
type moveEmitter struct{ base }

func newMoveEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	return &moveEmitter{newBase(t, expr)}, nil
}

func (e *moveEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if in[0] == out[0] {
		return nil
	}
	return e.t.emit(arm64asm.MovReg(xreg(out[0]), xreg(in[0])))
}

// requireElements fails unless every input and output lane is want.
func requireElements(expr *lowered.Expression, want element.Type) error {
	for i := range expr.Inputs() {
		if got := expr.InputElement(i); got != want {
			return errs.Conversion(expr.Node().String(), got, want, fmt.Sprintf("input %d must be %s", i, want))
		}
	}
	for i := range expr.Outputs() {
		if got := expr.OutputElement(i); got != want {
			return errs.Conversion(expr.Node().String(), want, got, fmt.Sprintf("output %d must be %s", i, want))
		}
	}
	return nil
}

// loadRuntimeArg reads one 8-byte slot of the runtime-args block into dst.
func (t *TargetMachine) loadRuntimeArg(dst arm64asm.Reg, offset int) (asm.Fragment, error) {
	if !t.hasRuntimeArgs {
		return nil, fmt.Errorf("aarch64: runtime argument at offset %d read by a static kernel", offset)
	}
	return arm64asm.MovFromMemory64(dst, arm64asm.Mem(t.runtimeArgs).WithDisp(int32(offset))), nil
}

func cmpImm(reg arm64asm.Reg, value int64) asm.Fragment {
	if value >= 0 && value <= 0xFFF {
		return arm64asm.CmpRegImm(reg, value)
	}
	return asm.Group{
		arm64asm.MovImmediate(scratch0, value),
		arm64asm.CmpRegReg(reg, scratch0),
	}
}

// replicate repeats one lane bit pattern across a q register.
func replicate(t element.Type, bits uint64) []byte {
	size := t.Size()
	out := make([]byte, vectorBytes)
	for off := 0; off+size <= vectorBytes; off += size {
		for i := 0; i < size; i++ {
			out[off+i] = byte(bits >> (8 * i))
		}
	}
	return out
}
