package aarch64

import (
	"sync"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
)

// callerSavedGP are the allocatable registers a C call may clobber.
const callerSavedGP = 16

// brgemmEmitter calls the GemmExecutor registered for its expression. The
// executor and its handle outlive code generation, so the emitter is
// retained by the lowering result and releases the handle on Close.
type brgemmEmitter struct {
	base
	exec   *GemmExecutor
	handle uintptr

	closeOnce sync.Once
}

func newBrgemmEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if err := requireElements(expr, element.F32); err != nil {
		return nil, err
	}
	exec := NewGemmExecutor(expr.ID())
	if err := t.configurator.Table().Register(exec.Key(), exec); err != nil {
		return nil, err
	}
	return &brgemmEmitter{
		base:   newBase(t, expr),
		exec:   exec,
		handle: registerHandle(exec),
	}, nil
}

func (e *brgemmEmitter) UsesPrecompiledKernel() bool { return true }

func (e *brgemmEmitter) Executor() *GemmExecutor { return e.exec }

func (e *brgemmEmitter) Close() error {
	e.closeOnce.Do(func() { releaseHandle(e.handle) })
	return nil
}

// EmitCode saves x0-x15 and q0-q31, passes A, B, C and the handle in x0-x3
// and calls the entry through x16.
func (e *brgemmEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	var frags []asm.Fragment
	for r := 0; r < callerSavedGP; r += 2 {
		frags = append(frags, arm64asm.PushPair(xreg(r), xreg(r+1)))
	}
	for v := 0; v < arm64asm.NumVRegs; v += 2 {
		frags = append(frags, arm64asm.PushPairQ(vreg(v), vreg(v+1)))
	}
	// Sources below x16 are read back from their save slots, so writing
	// x0-x2 cannot clobber an argument that is still to be read.
	for i, src := range []int{in[0], in[1], out[0]} {
		if src < callerSavedGP {
			frags = append(frags, arm64asm.MovFromMemory64(xreg(i), savedSlot(src)))
		} else {
			frags = append(frags, arm64asm.MovReg(xreg(i), xreg(src)))
		}
	}
	frags = append(frags,
		arm64asm.MovImmediate(xreg(3), int64(e.handle)),
		arm64asm.MovImmediate(scratch0, int64(gemmEntryAddr())),
		arm64asm.CallReg(scratch0),
	)
	for v := arm64asm.NumVRegs - 2; v >= 0; v -= 2 {
		frags = append(frags, arm64asm.PopPairQ(vreg(v), vreg(v+1)))
	}
	for r := callerSavedGP - 2; r >= 0; r -= 2 {
		frags = append(frags, arm64asm.PopPair(xreg(r), xreg(r+1)))
	}
	return e.t.emit(frags...)
}

// savedSlot addresses the copy of xr pushed by EmitCode once all vector
// registers are saved below it.
func savedSlot(r int) arm64asm.Memory {
	const vecArea = arm64asm.NumVRegs * 16
	pairs := callerSavedGP / 2
	disp := vecArea + 16*(pairs-1-r/2) + 8*(r%2)
	return arm64asm.Mem(arm64asm.Reg64(arm64asm.SP)).WithDisp(int32(disp))
}
