package aarch64

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

func init() {
	if op.DebugCaps {
		emitterTable[op.PerfCountBegin] = newPerfCountBeginEmitter
		emitterTable[op.PerfCountEnd] = newPerfCountEndEmitter
	}
}

// perfCountBeginEmitter samples the virtual counter into its output.
type perfCountBeginEmitter struct{ base }

func newPerfCountBeginEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	return &perfCountBeginEmitter{newBase(t, expr)}, nil
}

func (e *perfCountBeginEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	return e.t.emit(arm64asm.ReadCycleCounter(xreg(out[0])))
}

// PerfCounter accumulates the ticks spent between a begin/end pair and the
// number of times the pair ran. Generated code updates it in place.
type PerfCounter struct {
	ticks      uint64
	iterations uint64
}

func (c *PerfCounter) Ticks() uint64      { return atomic.LoadUint64(&c.ticks) }
func (c *PerfCounter) Iterations() uint64 { return atomic.LoadUint64(&c.iterations) }

func (c *PerfCounter) Reset() {
	atomic.StoreUint64(&c.ticks, 0)
	atomic.StoreUint64(&c.iterations, 0)
}

// perfCountEndEmitter owns the counter the generated code writes to, so it
// is retained with the program.
type perfCountEndEmitter struct {
	base
	counter *PerfCounter
}

func newPerfCountEndEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	src := expr.Input(0).Source().Expr
	if src.Type() != op.PerfCountBegin {
		return nil, fmt.Errorf("aarch64: %s must consume a %s, got %s", expr, op.PerfCountBegin, src.Node())
	}
	return &perfCountEndEmitter{base: newBase(t, expr), counter: &PerfCounter{}}, nil
}

func (e *perfCountEndEmitter) UsesPrecompiledKernel() bool { return true }

func (e *perfCountEndEmitter) Counter() *PerfCounter { return e.counter }

func (e *perfCountEndEmitter) AuxVecRegs() int { return 0 }
func (e *perfCountEndEmitter) AuxGPRegs() int  { return 1 }

func (e *perfCountEndEmitter) EmitCode(in, out, vec, gp []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	if err := e.aux(vec, gp, 0, 1); err != nil {
		return err
	}
	acc := xreg(gp[0])
	slot := arm64asm.Mem(scratch1)
	return e.t.emit(
		arm64asm.ReadCycleCounter(scratch0),
		arm64asm.SubRegReg(scratch0, xreg(in[0])),
		arm64asm.MovImmediate(scratch1, int64(uintptr(unsafe.Pointer(e.counter)))),
		arm64asm.MovFromMemory64(acc, slot),
		arm64asm.AddRegReg(acc, scratch0),
		arm64asm.MovToMemory64(slot, acc),
		arm64asm.MovFromMemory64(acc, slot.WithDisp(8)),
		arm64asm.AddRegImm(acc, 1),
		arm64asm.MovToMemory64(slot.WithDisp(8), acc),
	)
}
