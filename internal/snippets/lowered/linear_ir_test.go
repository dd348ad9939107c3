package lowered

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

type fakeEmitter struct {
	inputs   int
	auxVec   int
	auxGP    int
	retained bool
}

func (f *fakeEmitter) InputCount() int                 { return f.inputs }
func (f *fakeEmitter) EmitCode(_, _, _, _ []int) error { return nil }
func (f *fakeEmitter) EmitData() error                 { return nil }
func (f *fakeEmitter) AuxVecRegs() int                 { return f.auxVec }
func (f *fakeEmitter) AuxGPRegs() int                  { return f.auxGP }
func (f *fakeEmitter) UsesPrecompiledKernel() bool     { return f.retained }

type sourceMap map[op.Type]EmitterFactory

func (s sourceMap) Get(t op.Type) (EmitterFactory, bool) {
	f, ok := s[t]
	return f, ok
}

func fakeSource(overrides map[op.Type]*fakeEmitter) sourceMap {
	src := sourceMap{}
	for _, t := range op.Types() {
		src[t] = func(expr *Expression) (Emitter, error) {
			if em, ok := overrides[expr.Type()]; ok {
				cp := *em
				return &cp, nil
			}
			return &fakeEmitter{inputs: len(expr.Inputs())}, nil
		}
	}
	return src
}

// buildAddLoop builds out = a + b over a loop of 16 f32 lanes, 4 per
// iteration:
//
//	0 Parameter a, 1 Parameter b, 2 LoopBegin, 3 Load a, 4 Load b,
//	5 Add, 6 Store, 7 LoopEnd, 8 Result
func buildAddLoop(t *testing.T, shape op.Shape) *LinearIR {
	t.Helper()
	b := NewBuilder()
	pa := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, shape))
	pb := b.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, shape))
	begin := b.Add(op.New(op.LoopBegin, "", element.I64))
	la := b.Add(op.New(op.Load, "", element.F32).With(op.AttrCount, 4), pa.Output(0))
	lb := b.Add(op.New(op.Load, "", element.F32).With(op.AttrCount, 4), pb.Output(0))
	sum := b.Add(op.New(op.Add, "sum", element.F32), la.Output(0), lb.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32).With(op.AttrCount, 4), sum.Output(0))
	b.Add(op.New(op.LoopEnd, "").
		With(op.AttrWorkAmount, shape.Dim(0)).
		With(op.AttrIncrement, 4),
		pa.Output(0), pb.Output(0), st.Output(0), begin.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return lir
}

func TestBuildInfersShapesAndOrder(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{2, 16})

	if lir.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", lir.Len())
	}
	if lir.IsDynamic() {
		t.Fatalf("static IR reported dynamic")
	}
	var types []string
	for e := range lir.All() {
		types = append(types, string(e.Type()))
	}
	want := "Parameter Parameter LoopBegin Load Load Add Store LoopEnd Result"
	if got := strings.Join(types, " "); got != want {
		t.Fatalf("order = %q, want %q", got, want)
	}
	sum := lir.Expr(5)
	if got := sum.Output(0).Descriptor().Shape; !got.Equal(op.Shape{2, 16}) {
		t.Fatalf("Add shape = %s", got)
	}
	if got := lir.InputShape(5, 1); !got.Equal(op.Shape{2, 16}) {
		t.Fatalf("InputShape(5, 1) = %s", got)
	}
	if lir.InputShape(99, 0) != nil || lir.OutputShape(8, 0) != nil {
		t.Fatalf("out of range shape queries should return nil")
	}
	if n := len(lir.Parameters()); n != 2 {
		t.Fatalf("Parameters() = %d", n)
	}
	if n := len(lir.Results()); n != 1 {
		t.Fatalf("Results() = %d", n)
	}
	if consumers := lir.Expr(6).Output(0).Consumers(); len(consumers) != 2 {
		t.Fatalf("store consumers = %d, want LoopEnd and Result", len(consumers))
	}
}

func TestDynamicShapeMarksIR(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{op.Dynamic, 16})
	if !lir.IsDynamic() {
		t.Fatalf("IR with dynamic parameter reported static")
	}
	lir.SetDynamic(false)
	if lir.IsDynamic() {
		t.Fatalf("SetDynamic(false) ignored")
	}
}

func TestLoopDefaults(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{2, 16})
	loops := lir.Loops()
	if len(loops) != 1 {
		t.Fatalf("Loops() = %d", len(loops))
	}
	loop := loops[0]
	if loop.Begin != 2 || loop.End != 7 {
		t.Fatalf("loop = [%d, %d], want [2, 7]", loop.Begin, loop.End)
	}
	if loop.WorkAmount != 16 || loop.Increment != 4 || loop.Dim != 0 {
		t.Fatalf("loop params = %d/%d dim %d", loop.WorkAmount, loop.Increment, loop.Dim)
	}
	if len(loop.Ports) != 3 {
		t.Fatalf("ports = %d, want 3", len(loop.Ports))
	}
	for i := range loop.Ports {
		if loop.PtrIncrements[i] != 4 || loop.FinalizationOffsets[i] != -16 {
			t.Fatalf("port %d: inc %d fin %d", i, loop.PtrIncrements[i], loop.FinalizationOffsets[i])
		}
	}
	if loop.IsDynamic() {
		t.Fatalf("static loop reported dynamic")
	}
	if lir.Expr(2).Loop() != loop || lir.Expr(7).Loop() != loop {
		t.Fatalf("loop not attached to its markers")
	}
	if got := lir.RuntimeArgsSize(); got != 8*(1+2*3) {
		t.Fatalf("RuntimeArgsSize() = %d", got)
	}
	if loop.FinalizationOffset(1) != 8*5 || loop.PtrIncrementOffset(2) != 8*3 {
		t.Fatalf("slot offsets = %d %d", loop.FinalizationOffset(1), loop.PtrIncrementOffset(2))
	}
}

func TestDynamicLoopFinalization(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{2, op.Dynamic})
	loop := lir.Loops()[0]
	if loop.WorkAmount != op.Dynamic || !loop.IsDynamic() {
		t.Fatalf("work amount = %d, want dynamic", loop.WorkAmount)
	}
	if loop.FinalizationOffsets[0] != op.Dynamic {
		t.Fatalf("finalization = %d, want dynamic", loop.FinalizationOffsets[0])
	}
	if got := DefaultFinalization(10, 3, 2); got != -6 {
		t.Fatalf("DefaultFinalization(10, 3, 2) = %d", got)
	}
}

func TestBuildRejectsMalformedIR(t *testing.T) {
	t.Run("arity", func(t *testing.T) {
		b := NewBuilder()
		p := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
		b.Add(op.New(op.Add, "", element.F32), p.Output(0))
		if _, err := b.Build(); !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("Build() = %v, want ErrInvalidIR", err)
		}
	})
	t.Run("foreign connector", func(t *testing.T) {
		other := NewBuilder()
		p := other.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
		b := NewBuilder()
		b.Add(op.New(op.Parameter, "x", element.F32).With(op.AttrShape, op.Shape{4}))
		b.Add(op.New(op.Load, "", element.F32), p.Output(0))
		if _, err := b.Build(); !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("Build() = %v, want ErrInvalidIR", err)
		}
	})
	t.Run("unclosed loop", func(t *testing.T) {
		b := NewBuilder()
		b.Add(op.New(op.LoopBegin, "", element.I64))
		if _, err := b.Build(); !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("Build() = %v, want ErrInvalidIR", err)
		}
	})
	t.Run("crossing loops", func(t *testing.T) {
		b := NewBuilder()
		outer := b.Add(op.New(op.LoopBegin, "", element.I64))
		b.Add(op.New(op.LoopBegin, "", element.I64))
		b.Add(op.New(op.LoopEnd, "").With(op.AttrWorkAmount, 4), outer.Output(0))
		if _, err := b.Build(); !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("Build() = %v, want ErrInvalidIR", err)
		}
	})
	t.Run("increment count", func(t *testing.T) {
		b := NewBuilder()
		p := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
		begin := b.Add(op.New(op.LoopBegin, "", element.I64))
		b.Add(op.New(op.LoopEnd, "").
			With(op.AttrWorkAmount, 4).
			With(op.AttrPtrIncrements, []int64{1, 1}),
			p.Output(0), begin.Output(0))
		if _, err := b.Build(); !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("Build() = %v, want ErrInvalidIR", err)
		}
	})
}

func TestInitEmittersBindsOnce(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16})
	if err := lir.InitEmitters(fakeSource(nil)); err != nil {
		t.Fatalf("InitEmitters: %v", err)
	}
	for e := range lir.All() {
		if e.Emitter() == nil {
			t.Fatalf("%s has no emitter", e)
		}
	}
	if err := lir.Expr(0).BindEmitter(&fakeEmitter{}); err == nil {
		t.Fatalf("second bind succeeded")
	}
}

func TestResetEmitters(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16})
	src := fakeSource(map[op.Type]*fakeEmitter{op.Load: {inputs: 1, retained: true}})
	if err := lir.InitEmitters(src); err != nil {
		t.Fatalf("InitEmitters: %v", err)
	}
	load := lir.Expr(3).Emitter()
	retained := lir.RetainedEmitters()

	lir.ResetEmitters()
	for e := range lir.All() {
		if e.Emitter() != nil {
			t.Fatalf("%s still bound after ResetEmitters", e)
		}
	}
	if len(retained) != 2 || retained[0] != load {
		t.Fatalf("ResetEmitters changed a retained list taken earlier")
	}
	if err := lir.InitEmitters(src); err != nil {
		t.Fatalf("InitEmitters after reset: %v", err)
	}
	if lir.Expr(3).Emitter() == load {
		t.Fatalf("rebinding reused the old emitter")
	}
}

func TestInitEmittersSkipsBound(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16})
	mine := &fakeEmitter{}
	if err := lir.Expr(0).BindEmitter(mine); err != nil {
		t.Fatalf("BindEmitter: %v", err)
	}
	if err := lir.InitEmitters(fakeSource(nil)); err != nil {
		t.Fatalf("InitEmitters: %v", err)
	}
	if lir.Expr(0).Emitter() != mine {
		t.Fatalf("InitEmitters replaced a bound emitter")
	}
	if err := lir.InitEmitters(fakeSource(nil)); err != nil {
		t.Fatalf("second InitEmitters: %v", err)
	}
}

func TestInitEmittersMissingFactory(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16})
	src := fakeSource(nil)
	delete(src, op.Add)
	err := lir.InitEmitters(src)
	if !errors.Is(err, errs.ErrNoEmitter) {
		t.Fatalf("InitEmitters = %v, want ErrNoEmitter", err)
	}
}

func TestRetainedEmittersInOrder(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{16})
	src := fakeSource(map[op.Type]*fakeEmitter{
		op.Load:  {inputs: 1, retained: true},
		op.Store: {inputs: 1, retained: true},
	})
	if err := lir.InitEmitters(src); err != nil {
		t.Fatalf("InitEmitters: %v", err)
	}
	got := lir.RetainedEmitters()
	want := []Emitter{lir.Expr(3).Emitter(), lir.Expr(4).Emitter(), lir.Expr(6).Emitter()}
	if len(got) != len(want) {
		t.Fatalf("retained %d emitters, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retained[%d] out of order", i)
		}
	}
}

func TestKernelExpressionMirrorsDynamicFlag(t *testing.T) {
	lir := buildAddLoop(t, op.Shape{op.Dynamic, 16})
	params := struct{ Name string }{"k"}
	expr := NewKernelExpression(lir, params)
	if expr.Type() != op.KernelDynamic {
		t.Fatalf("kernel type = %s", expr.Type())
	}
	k := expr.Kernel()
	if k == nil || !k.Dynamic || k.Body != lir || k.CompileParams != params {
		t.Fatalf("kernel = %+v", k)
	}
	lir.SetDynamic(false)
	if got := NewKernelExpression(lir, nil).Type(); got != op.KernelStatic {
		t.Fatalf("kernel type = %s, want KernelStatic", got)
	}
}
