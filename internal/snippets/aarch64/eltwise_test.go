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

// In buildBinary the operation under test is expression 4 and its loads are
// expressions 2 and 3.
const binaryExpr = 4

func TestBinaryArithmetic(t *testing.T) {
	for typ, fn := range binaryOps {
		t.Run(string(typ), func(t *testing.T) {
			lir := buildBinary(t, op.New(typ, "", element.F32))
			res := generate(t, newTestTarget(), lir)
			in, out := regs(t, lir.Expr(binaryExpr))
			mustContain(t, res.Program.Bytes(), fn(vreg(out[0]), vreg(in[0]), vreg(in[1])))
		})
	}
}

func TestUnaryArithmetic(t *testing.T) {
	for _, tc := range []struct {
		typ op.Type
		fn  func(d, n arm64asm.VReg) []byte
	}{
		{op.Abs, func(d, n arm64asm.VReg) []byte { return encode(t, arm64asm.FAbs(d, n)) }},
		{op.Negative, func(d, n arm64asm.VReg) []byte { return encode(t, arm64asm.FNeg(d, n)) }},
		{op.Sqrt, func(d, n arm64asm.VReg) []byte { return encode(t, arm64asm.FSqrt(d, n)) }},
	} {
		lir := buildUnary(t, op.New(tc.typ, "", element.F32), element.F32, element.F32, 4)
		res := generate(t, newTestTarget(), lir)
		in, out := regs(t, lir.Expr(2))
		if !bytes.Contains(res.Program.Bytes(), tc.fn(vreg(out[0]), vreg(in[0]))) {
			t.Fatalf("%s: instruction missing", tc.typ)
		}
	}
}

func TestReluUsesZeroedScratch(t *testing.T) {
	lir := buildUnary(t, op.New(op.Relu, "", element.F32), element.F32, element.F32, 4)
	res := generate(t, newTestTarget(), lir)
	relu := lir.Expr(2)
	in, out := regs(t, relu)
	vec, _ := relu.AuxRegs()
	if len(vec) != 1 || vec[0] == in[0] || vec[0] == out[0] {
		t.Fatalf("aux = %v, in = %v, out = %v", vec, in, out)
	}
	mustContain(t, res.Program.Bytes(),
		arm64asm.MoviZero(vreg(vec[0])),
		arm64asm.FMax(vreg(out[0]), vreg(in[0]), vreg(vec[0])),
	)
}

func TestCompareEmitsOnesTable(t *testing.T) {
	lir := buildBinary(t, op.New(op.Less, "", element.F32))
	res := generate(t, newTestTarget(), lir)
	cmp := lir.Expr(binaryExpr)
	in, out := regs(t, cmp)
	vec, _ := cmp.AuxRegs()
	d := vreg(out[0])

	code := res.Program.Bytes()
	mustContain(t, code, arm64asm.FCmGt(d, vreg(in[1]), vreg(in[0])))
	mustContain(t, code, arm64asm.VAnd(d, d, vreg(vec[0])))

	one := math.Float32bits(1)
	ones := bytes.Repeat([]byte{byte(one), byte(one >> 8), byte(one >> 16), byte(one >> 24)}, 4)
	tableAt := bytes.Index(code, ones)
	retAt := bytes.Index(code, encode(t, arm64asm.Ret()))
	if tableAt < 0 || retAt < 0 || tableAt < retAt {
		t.Fatalf("ones table at %d, ret at %d", tableAt, retAt)
	}
	if tableAt%16 != 0 {
		t.Fatalf("ones table at %d is not 16-byte aligned", tableAt)
	}
}

func TestNotEqualInvertsMask(t *testing.T) {
	lir := buildBinary(t, op.New(op.NotEqual, "", element.F32))
	res := generate(t, newTestTarget(), lir)
	in, out := regs(t, lir.Expr(binaryExpr))
	d := vreg(out[0])
	mustContain(t, res.Program.Bytes(),
		arm64asm.FCmEq(d, vreg(in[0]), vreg(in[1])),
		arm64asm.VNot(d, d),
	)
}

func TestLogicalTreatsNonZeroAsTrue(t *testing.T) {
	lir := buildBinary(t, op.New(op.LogicalOr, "", element.F32))
	res := generate(t, newTestTarget(), lir)
	or := lir.Expr(binaryExpr)
	in, out := regs(t, or)
	vec, _ := or.AuxRegs()
	if len(vec) != 2 {
		t.Fatalf("aux = %v", vec)
	}
	for _, v := range vec {
		if v == in[0] || v == in[1] || v == out[0] {
			t.Fatalf("aux %v aliases in %v or out %v", vec, in, out)
		}
	}
	code := res.Program.Bytes()
	mustContain(t, code, arm64asm.FCmEqZero(vreg(vec[0]), vreg(in[0])))
	mustContain(t, code, arm64asm.FCmEqZero(vreg(vec[1]), vreg(in[1])))
}

func TestFusedMulAddAccumulatesInScratch(t *testing.T) {
	b := lowered.NewBuilder()
	var loads []*lowered.PortConnector
	for _, name := range []string{"a", "b", "c"} {
		p := b.Add(op.New(op.Parameter, name, element.F32).With(op.AttrShape, op.Shape{4}))
		loads = append(loads, b.Add(op.New(op.Load, "", element.F32), p.Output(0)).Output(0))
	}
	fma := b.Add(op.New(FusedMulAdd, "", element.F32), loads...)
	st := b.Add(op.New(op.Store, "", element.F32), fma.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir := build(t, b)

	res := generate(t, newTestTarget(), lir)
	in, out := regs(t, fma)
	vec, _ := fma.AuxRegs()
	acc := vreg(vec[0])
	mustContain(t, res.Program.Bytes(),
		arm64asm.VMov(acc, vreg(in[2])),
		arm64asm.FMla(acc, vreg(in[0]), vreg(in[1])),
		arm64asm.VMov(vreg(out[0]), acc),
	)
}

func TestIntegerArithmeticUnsupported(t *testing.T) {
	b := lowered.NewBuilder()
	pa := b.Add(op.New(op.Parameter, "a", element.I32).With(op.AttrShape, op.Shape{4}))
	la := b.Add(op.New(op.Load, "", element.I32), pa.Output(0))
	sum := b.Add(op.New(op.Add, "", element.I32), la.Output(0), la.Output(0))
	st := b.Add(op.New(op.Store, "", element.I32), sum.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir := build(t, b)

	_, err := snippets.NewGenerator(newTestTarget(), snippets.WithLogger(quiet)).Generate(lir, nil)
	if !errors.Is(err, errs.ErrUnsupportedConversion) {
		t.Fatalf("Generate err = %v, want ErrUnsupportedConversion", err)
	}
}
