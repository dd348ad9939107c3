package aarch64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// AAPCS64 callee-saved registers the body may use.
var (
	savedGP = []asm.Variable{
		arm64asm.X19, arm64asm.X20, arm64asm.X21, arm64asm.X22, arm64asm.X23,
		arm64asm.X24, arm64asm.X25, arm64asm.X26, arm64asm.X27, arm64asm.X28,
	}
	savedVec = []int{8, 9, 10, 11, 12, 13, 14, 15}
)

// kernelEmitter wraps the body in a callable function:
//
//	static:  void kernel(void **callArgs)
//	dynamic: void kernel(void **callArgs, int64_t *runtimeArgs)
//
// callArgs holds the parameter pointers, then the result pointers, then the
// buffer scratchpad pointer.
type kernelEmitter struct {
	base
	kernel *lowered.Kernel
}

func newKernelEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	k := expr.Kernel()
	if k == nil || k.Body == nil {
		return nil, fmt.Errorf("aarch64: %s has no body", expr)
	}
	return &kernelEmitter{base: newBase(t, expr), kernel: k}, nil
}

func (e *kernelEmitter) InputCount() int { return 0 }

func (e *kernelEmitter) EmitCode(in, _, _, _ []int) error {
	want := 1
	if e.kernel.Dynamic {
		want = 2
	}
	if len(in) != want {
		return fmt.Errorf("aarch64: %s takes %d call registers, got %d", e.expr.Node(), want, len(in))
	}

	t := e.t
	t.beginKernel()
	callArgs := xreg(in[0])
	if e.kernel.Dynamic {
		t.runtimeArgs = xreg(in[1])
		t.hasRuntimeArgs = true
	}
	t.logger.Debug("aarch64: emit kernel",
		"kind", e.kernel.Type(),
		"ops", e.kernel.Body.Len(),
		"loops", len(e.kernel.Body.Loops()),
	)

	if err := t.emit(prologue()...); err != nil {
		return err
	}
	setup, err := e.loadPointers(callArgs)
	if err != nil {
		return err
	}
	if err := t.emit(setup...); err != nil {
		return err
	}

	for expr := range e.kernel.Body.All() {
		regsIn, regsOut, err := expr.RegInfo()
		if err != nil {
			return err
		}
		auxVec, auxGP := expr.AuxRegs()
		if err := expr.Emitter().EmitCode(regsIn, regsOut, auxVec, auxGP); err != nil {
			return fmt.Errorf("aarch64: emit %s: %w", expr, err)
		}
	}

	return t.emit(epilogue()...)
}

// loadPointers fills the pinned pointer registers from the call-args block.
func (e *kernelEmitter) loadPointers(callArgs arm64asm.Reg) ([]asm.Fragment, error) {
	body := e.kernel.Body
	params, results, buffers := body.Parameters(), body.Results(), body.Buffers()

	var frags []asm.Fragment
	slot := func(i int) arm64asm.Memory {
		return arm64asm.Mem(callArgs).WithDisp(int32(8 * i))
	}
	for i, p := range params {
		r, ok := p.Output(0).Reg()
		if !ok {
			return nil, fmt.Errorf("aarch64: %s has no register", p)
		}
		frags = append(frags, arm64asm.MovFromMemory64(xreg(r.Index), slot(i)))
	}
	for j, res := range results {
		src := res.Input(0).Source().Expr
		if src.Type() == op.Parameter {
			return nil, errs.New(errs.ErrInvalidIR, res.Node().String(), "result reads parameter %s without a store", src.Node())
		}
		r, ok := res.Input(0).Reg()
		if !ok {
			return nil, fmt.Errorf("aarch64: %s has no register", res)
		}
		frags = append(frags, arm64asm.MovFromMemory64(xreg(r.Index), slot(len(params)+j)))
	}
	if len(buffers) == 0 {
		return frags, nil
	}

	frags = append(frags, arm64asm.MovFromMemory64(scratch0, slot(len(params)+len(results))))
	for _, buf := range buffers {
		offset, err := buf.Node().Attrs.Int(op.AttrByteOffset, 0)
		if err != nil {
			return nil, err
		}
		conns := append([]*lowered.PortConnector(nil), buf.Inputs()...)
		for _, c := range append(conns, buf.Outputs()...) {
			r, ok := c.Reg()
			if !ok {
				return nil, fmt.Errorf("aarch64: %s has no register", buf)
			}
			frags = append(frags, arm64asm.AddImm(xreg(r.Index), scratch0, offset))
		}
	}
	return frags, nil
}

func prologue() []asm.Fragment {
	frags := []asm.Fragment{
		arm64asm.PushPair(arm64asm.Reg64(arm64asm.X29), arm64asm.Reg64(arm64asm.X30)),
		arm64asm.MovRegFromSP(arm64asm.Reg64(arm64asm.X29)),
	}
	for i := 0; i < len(savedGP); i += 2 {
		frags = append(frags, arm64asm.PushPair(arm64asm.Reg64(savedGP[i]), arm64asm.Reg64(savedGP[i+1])))
	}
	for i := 0; i < len(savedVec); i += 2 {
		frags = append(frags, arm64asm.PushPairD(vreg(savedVec[i]), vreg(savedVec[i+1])))
	}
	return frags
}

func epilogue() []asm.Fragment {
	var frags []asm.Fragment
	for i := len(savedVec) - 2; i >= 0; i -= 2 {
		frags = append(frags, arm64asm.PopPairD(vreg(savedVec[i]), vreg(savedVec[i+1])))
	}
	for i := len(savedGP) - 2; i >= 0; i -= 2 {
		frags = append(frags, arm64asm.PopPair(arm64asm.Reg64(savedGP[i]), arm64asm.Reg64(savedGP[i+1])))
	}
	return append(frags,
		arm64asm.PopPair(arm64asm.Reg64(arm64asm.X29), arm64asm.Reg64(arm64asm.X30)),
		arm64asm.Ret(),
	)
}
