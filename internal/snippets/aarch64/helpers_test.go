package aarch64

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestTarget(opts ...Option) *TargetMachine {
	return New(append([]Option{WithFeatures(AllFeatures()), WithLogger(quiet)}, opts...)...)
}

func generate(t *testing.T, tm *TargetMachine, lir *lowered.LinearIR) *snippets.LoweringResult {
	t.Helper()
	res, err := snippets.NewGenerator(tm, snippets.WithLogger(quiet)).Generate(lir, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	t.Cleanup(func() { res.Close() })
	return res
}

func regs(t *testing.T, expr *lowered.Expression) (in, out []int) {
	t.Helper()
	in, out, err := expr.RegInfo()
	if err != nil {
		t.Fatalf("RegInfo(%s): %v", expr, err)
	}
	return in, out
}

func encode(t *testing.T, frags ...asm.Fragment) []byte {
	t.Helper()
	code, err := arm64asm.EmitBytes(asm.Group(frags))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return code
}

// mustContain checks that frags appear back to back in code.
func mustContain(t *testing.T, code []byte, frags ...asm.Fragment) int {
	t.Helper()
	want := encode(t, frags...)
	idx := bytes.Index(code, want)
	if idx < 0 {
		t.Fatalf("program does not contain % x", want)
	}
	return idx
}

func build(t *testing.T, b *lowered.Builder) *lowered.LinearIR {
	t.Helper()
	lir, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return lir
}

// buildAddLoop builds out = a + b over a one dimensional shape, four lanes
// per iteration:
//
//	0 Parameter a, 1 Parameter b, 2 LoopBegin, 3 Load a, 4 Load b, 5 Add,
//	6 Store, 7 LoopEnd, 8 Result
func buildAddLoop(t *testing.T, shape op.Shape, loopAttrs map[string]any) *lowered.LinearIR {
	t.Helper()
	b := lowered.NewBuilder()
	pa := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, shape))
	pb := b.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, shape))
	begin := b.Add(op.New(op.LoopBegin, "", element.I64))
	la := b.Add(op.New(op.Load, "", element.F32), pa.Output(0))
	lb := b.Add(op.New(op.Load, "", element.F32), pb.Output(0))
	sum := b.Add(op.New(op.Add, "sum", element.F32), la.Output(0), lb.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32), sum.Output(0))
	end := op.New(op.LoopEnd, "").With(op.AttrIncrement, 4)
	if shape.IsStatic() {
		end.With(op.AttrWorkAmount, shape.Dim(0))
	}
	for k, v := range loopAttrs {
		end.With(k, v)
	}
	b.Add(end, pa.Output(0), pb.Output(0), st.Output(0), begin.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	return build(t, b)
}

// buildUnary builds out = node(load(a)) without a loop.
func buildUnary(t *testing.T, node *op.Node, from, to element.Type, count int) *lowered.LinearIR {
	t.Helper()
	b := lowered.NewBuilder()
	p := b.Add(op.New(op.Parameter, "a", from).With(op.AttrShape, op.Shape{int64(count)}))
	ld := b.Add(op.New(op.Load, "", from).With(op.AttrCount, count), p.Output(0))
	x := b.Add(node, ld.Output(0))
	st := b.Add(op.New(op.Store, "", to).With(op.AttrCount, count), x.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	return build(t, b)
}

// buildBinary builds out = node(load(a), load(b)) on four f32 lanes.
func buildBinary(t *testing.T, node *op.Node) *lowered.LinearIR {
	t.Helper()
	b := lowered.NewBuilder()
	pa := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
	pb := b.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, op.Shape{4}))
	la := b.Add(op.New(op.Load, "", element.F32), pa.Output(0))
	lb := b.Add(op.New(op.Load, "", element.F32), pb.Output(0))
	x := b.Add(node, la.Output(0), lb.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32), x.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	return build(t, b)
}

// buildGemm builds out = a x b.
func buildGemm(t *testing.T, a, b op.Shape) *lowered.LinearIR {
	t.Helper()
	bld := lowered.NewBuilder()
	pa := bld.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, a))
	pb := bld.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, b))
	g := bld.Add(op.New(op.Brgemm, "gemm", element.F32), pa.Output(0), pb.Output(0))
	bld.Add(op.New(op.Result, "out"), g.Output(0))
	return build(t, bld)
}
