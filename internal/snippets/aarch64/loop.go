package aarch64

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// A loop counts its work amount down by the increment:
//
//	LoopBegin:  counter = work_amount
//	            if counter < increment goto end
//	begin:      ...body...
//	LoopEnd:    ptr_i += ptr_increment_i
//	            counter -= increment
//	            if counter >= increment goto begin
//	end:        ptr_i += finalization_offset_i
//
// Values marked dynamic are read from the runtime-args block.

func loopLabels(loop *lowered.LoopInfo) (begin, end asm.Label) {
	return asm.Label("." + loop.Label("begin")), asm.Label("." + loop.Label("end"))
}

type loopBeginEmitter struct {
	base
	loop *lowered.LoopInfo
}

func newLoopBeginEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	if expr.Loop() == nil {
		return nil, fmt.Errorf("aarch64: %s is not matched to a loop end", expr)
	}
	return &loopBeginEmitter{base: newBase(t, expr), loop: expr.Loop()}, nil
}

func (e *loopBeginEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	counter := xreg(out[0])
	begin, end := loopLabels(e.loop)

	var frags []asm.Fragment
	switch wa := e.loop.WorkAmount; {
	case wa == op.Dynamic:
		ld, err := e.t.loadRuntimeArg(counter, e.loop.WorkAmountOffset())
		if err != nil {
			return err
		}
		frags = append(frags, ld, cmpImm(counter, e.loop.Increment), arm64asm.JumpIfLess(end))
	case wa < e.loop.Increment:
		frags = append(frags, arm64asm.MovImmediate(counter, wa), arm64asm.Jump(end))
	default:
		frags = append(frags, arm64asm.MovImmediate(counter, wa))
	}
	frags = append(frags, asm.MarkLabel(begin))
	return e.t.emit(frags...)
}

type loopEndEmitter struct {
	base
	loop *lowered.LoopInfo
	// elemSizes converts the per-port element counts into bytes.
	elemSizes []int64
}

func newLoopEndEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	loop := expr.Loop()
	if loop == nil {
		return nil, fmt.Errorf("aarch64: %s is not matched to a loop begin", expr)
	}
	sizes := make([]int64, len(loop.Ports))
	for i, port := range loop.Ports {
		sizes[i] = int64(port.Descriptor().Element.Size())
	}
	return &loopEndEmitter{base: newBase(t, expr), loop: loop, elemSizes: sizes}, nil
}

func (e *loopEndEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	counter := xreg(in[len(in)-1])
	ports := in[:len(in)-1]
	begin, end := loopLabels(e.loop)

	incs, err := e.advance(ports, e.loop.PtrIncrements, e.loop.PtrIncrementOffset)
	if err != nil {
		return err
	}
	fins, err := e.advance(ports, e.loop.FinalizationOffsets, e.loop.FinalizationOffset)
	if err != nil {
		return err
	}

	frags := incs
	frags = append(frags,
		arm64asm.AddImm(counter, counter, -e.loop.Increment),
		cmpImm(counter, e.loop.Increment),
		arm64asm.JumpIfGreaterOrEqual(begin),
		asm.MarkLabel(end),
	)
	frags = append(frags, fins...)
	return e.t.emit(frags...)
}

// advance moves every port by its (element) amount, reading dynamic amounts,
// already in bytes, from the runtime-args slot slotOffset(i).
func (e *loopEndEmitter) advance(ports []int, amounts []int64, slotOffset func(int) int) ([]asm.Fragment, error) {
	var frags []asm.Fragment
	for i, port := range ports {
		ptr := xreg(port)
		if amounts[i] != op.Dynamic {
			if amounts[i] != 0 {
				frags = append(frags, arm64asm.AddImm(ptr, ptr, amounts[i]*e.elemSizes[i]))
			}
			continue
		}
		ld, err := e.t.loadRuntimeArg(scratch0, slotOffset(i))
		if err != nil {
			return nil, err
		}
		frags = append(frags, ld, arm64asm.AddReg(ptr, ptr, scratch0))
	}
	return frags, nil
}
