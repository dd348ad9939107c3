package aarch64

import (
	"bytes"
	"errors"
	"math"
	"testing"

	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

func TestScalarLiteralInData(t *testing.T) {
	b := lowered.NewBuilder()
	p := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
	ld := b.Add(op.New(op.Load, "", element.F32), p.Output(0))
	sc := b.Add(op.New(op.Scalar, "", element.F32).With(op.AttrValue, 2.5))
	mul := b.Add(op.New(op.Multiply, "", element.F32), ld.Output(0), sc.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32), mul.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir := build(t, b)

	res := generate(t, newTestTarget(), lir)
	bits := math.Float32bits(2.5)
	want := bytes.Repeat([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, 4)
	if !bytes.Contains(res.Program.Bytes(), want) {
		t.Fatalf("program has no replicated 2.5 literal")
	}
}

func TestFillPartialVector(t *testing.T) {
	negInf := int64(math.Float32bits(float32(math.Inf(-1))))
	lir := buildUnary(t,
		op.New(op.Fill, "", element.F32).With(op.AttrFillOffset, 2).With(op.AttrFillValue, negInf),
		element.F32, element.F32, 4)
	res := generate(t, newTestTarget(), lir)
	in, out := regs(t, lir.Expr(2))
	d := vreg(out[0])
	mustContain(t, res.Program.Bytes(),
		arm64asm.VMov(d, vreg(in[0])),
		arm64asm.MovImmediate(wreg(16), negInf),
		arm64asm.InsGeneral(d, 2, wreg(16)),
		arm64asm.InsGeneral(d, 3, wreg(16)),
	)
}

func TestFillWholeVectorBroadcasts(t *testing.T) {
	lir := buildUnary(t,
		op.New(op.Fill, "", element.F32).With(op.AttrFillOffset, 0).With(op.AttrFillValue, 0x7f),
		element.F32, element.F32, 4)
	res := generate(t, newTestTarget(), lir)
	_, out := regs(t, lir.Expr(2))
	mustContain(t, res.Program.Bytes(),
		arm64asm.MovImmediate(wreg(16), 0x7f),
		arm64asm.DupGeneral(vreg(out[0]), wreg(16)),
	)
}

func TestFillOffsetOutOfRange(t *testing.T) {
	lir := buildUnary(t,
		op.New(op.Fill, "", element.F32).With(op.AttrFillOffset, 5),
		element.F32, element.F32, 4)
	_, err := snippets.NewGenerator(newTestTarget(), snippets.WithLogger(quiet)).Generate(lir, nil)
	if !errors.Is(err, errs.ErrInvalidIR) {
		t.Fatalf("Generate err = %v, want ErrInvalidIR", err)
	}
}

func TestHorizonReductions(t *testing.T) {
	for typ, fn := range map[op.Type]vec3Op{op.HorizonMax: arm64asm.FMaxP, op.HorizonSum: arm64asm.FAddP} {
		lir := buildUnary(t, op.New(typ, "", element.F32), element.F32, element.F32, 4)
		res := generate(t, newTestTarget(), lir)
		in, out := regs(t, lir.Expr(2))
		d := vreg(out[0])
		if !bytes.Contains(res.Program.Bytes(), encode(t, fn(d, vreg(in[0]), vreg(in[0])), fn(d, d, d))) {
			t.Fatalf("%s: pairwise reduction missing", typ)
		}
	}
}

func TestBroadcastMoveDuplicatesLaneZero(t *testing.T) {
	lir := buildUnary(t, op.New(op.BroadcastMove, "", element.F32), element.F32, element.F32, 4)
	res := generate(t, newTestTarget(), lir)
	in, out := regs(t, lir.Expr(2))
	mustContain(t, res.Program.Bytes(), arm64asm.DupLane(vreg(out[0]), vreg(in[0]), 0))
}

func TestLoadStoreOffsets(t *testing.T) {
	b := lowered.NewBuilder()
	p := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{8}))
	ld := b.Add(op.New(op.Load, "", element.F32).With(op.AttrCount, 2).With(op.AttrOffset, 8), p.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32).With(op.AttrCount, 2).With(op.AttrOffset, 16), ld.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir := build(t, b)

	res := generate(t, newTestTarget(), lir)
	_, ptr := regs(t, lir.Expr(0))
	_, v := regs(t, ld)
	_, dst := regs(t, st)
	mustContain(t, res.Program.Bytes(),
		arm64asm.LoadVector(vreg(v[0]), arm64asm.Mem(xreg(ptr[0])).WithDisp(8), 8),
		arm64asm.StoreVector(vreg(v[0]), arm64asm.Mem(xreg(dst[0])).WithDisp(16), 8),
	)
}

func TestMisalignedLoadRejected(t *testing.T) {
	for _, tc := range []struct {
		count, offset int64
	}{
		{3, 0}, // 12 bytes is not an access width
		{4, 4}, // offset not a multiple of 16
		{4, -16},
	} {
		lir := buildUnary(t, op.New(op.Abs, "", element.F32), element.F32, element.F32, 4)
		ld := lir.Expr(1)
		ld.Node().With(op.AttrCount, tc.count).With(op.AttrOffset, tc.offset)
		_, err := snippets.NewGenerator(newTestTarget(), snippets.WithLogger(quiet)).Generate(lir, nil)
		if !errors.Is(err, errs.ErrInvalidIR) {
			t.Fatalf("count %d offset %d: err = %v", tc.count, tc.offset, err)
		}
	}
}

func TestBroadcastLoadWithOffset(t *testing.T) {
	b := lowered.NewBuilder()
	p := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, op.Shape{4}))
	bl := b.Add(op.New(op.BroadcastLoad, "", element.F32).With(op.AttrOffset, 12), p.Output(0))
	st := b.Add(op.New(op.Store, "", element.F32), bl.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir := build(t, b)

	res := generate(t, newTestTarget(), lir)
	_, ptr := regs(t, lir.Expr(0))
	_, v := regs(t, bl)
	mustContain(t, res.Program.Bytes(),
		arm64asm.AddImm(scratch0, xreg(ptr[0]), 12),
		arm64asm.LoadReplicate(vreg(v[0]), scratch0),
	)
}
