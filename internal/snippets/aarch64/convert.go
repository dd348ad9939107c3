package aarch64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// ConvertEmitter converts four lanes through the step chain element.StepsAt
// picks for its pair, policy and execution precision, one instruction per
// step. Lanes stay packed
// in the low bits of the register: four bytes, halfwords or words.
type ConvertEmitter struct {
	base
	From, To  element.Type
	Policy    element.Policy
	Precision element.Type
	steps     []element.Step
}

// ConvertTruncationEmitter and ConvertSaturationEmitter differ only in
// policy.
type (
	ConvertTruncationEmitter = ConvertEmitter
	ConvertSaturationEmitter = ConvertEmitter
)

func newConvertEmitter(t *TargetMachine, expr *lowered.Expression) (lowered.Emitter, error) {
	policy := element.Truncation
	if expr.Type() == op.ConvertSaturation {
		policy = element.Saturation
	}
	em, err := NewConvertEmitter(t, expr, policy, t.execPrecision)
	if err != nil {
		return nil, err
	}
	return em, nil
}

// NewConvertEmitter validates the pair at construction. Unsupported pairs,
// and half precision integer steps on hosts without FEAT_FP16, fail with
// errs.ErrUnsupportedConversion.
func NewConvertEmitter(t *TargetMachine, expr *lowered.Expression, policy element.Policy, precision element.Type) (*ConvertEmitter, error) {
	name := expr.Node().String()
	from, to := expr.InputElement(0), expr.OutputElement(0)
	switch precision {
	case element.F32:
	case element.F16:
		if !t.features.HalfPrecision() {
			return nil, errs.Conversion(name, from, to, "f16 execution precision requires FEAT_FP16")
		}
	default:
		return nil, errs.Conversion(name, from, to, fmt.Sprintf("execution precision %s", precision))
	}
	steps, err := element.StepsAt(from, to, policy, precision)
	if err != nil {
		var pair *element.UnsupportedPairError
		if errors.As(err, &pair) {
			return nil, errs.Conversion(name, from, to, "no conversion chain")
		}
		return nil, err
	}
	for _, s := range steps {
		if (s == element.StepF16ToI16 || s == element.StepI16ToF16) && !t.features.HalfPrecision() {
			return nil, errs.Conversion(name, from, to, fmt.Sprintf("step %s requires FEAT_FP16", s))
		}
	}
	return &ConvertEmitter{
		base:      newBase(t, expr),
		From:      from,
		To:        to,
		Policy:    policy,
		Precision: precision,
		steps:     steps,
	}, nil
}

// Steps returns the primitive conversions the emitter issues.
func (e *ConvertEmitter) Steps() []element.Step {
	return append([]element.Step(nil), e.steps...)
}

func (e *ConvertEmitter) EmitCode(in, out, _, _ []int) error {
	if err := e.operands(in, out); err != nil {
		return err
	}
	frags, err := convertChain(e.steps, vreg(out[0]), vreg(in[0]))
	if err != nil {
		return fmt.Errorf("aarch64: %s: %w", e.name(), err)
	}
	return e.t.emit(frags...)
}

// convertChain writes the first step from src into dst and runs the rest in
// place.
func convertChain(steps []element.Step, dst, src arm64asm.VReg) ([]asm.Fragment, error) {
	frags := make([]asm.Fragment, 0, len(steps))
	cur := src
	for _, s := range steps {
		f, err := convertStep(s, dst, cur)
		if err != nil {
			return nil, err
		}
		frags = append(frags, f)
		cur = dst
	}
	return frags, nil
}

func convertStep(s element.Step, d, n arm64asm.VReg) (asm.Fragment, error) {
	switch s {
	case element.StepMove:
		return arm64asm.VMov(d, n), nil
	case element.StepF16ToF32:
		return arm64asm.Fcvtl(d, n), nil
	case element.StepF32ToF16:
		return arm64asm.Fcvtn(d, n), nil
	case element.StepF32ToI32:
		return arm64asm.Fcvtzs(d, n, arm64asm.S4), nil
	case element.StepI32ToF32:
		return arm64asm.Scvtf(d, n, arm64asm.S4), nil
	case element.StepI32ToI16:
		return arm64asm.Xtn(d, n, arm64asm.H4), nil
	case element.StepI32ToI16Sat:
		return arm64asm.Sqxtn(d, n, arm64asm.H4), nil
	case element.StepI16ToI32:
		return arm64asm.Sxtl(d, n, arm64asm.H4), nil
	case element.StepF16ToI16:
		return arm64asm.Fcvtzs(d, n, arm64asm.H8), nil
	case element.StepI16ToF16:
		return arm64asm.Scvtf(d, n, arm64asm.H8), nil
	case element.StepI16ToByte:
		return arm64asm.Xtn(d, n, arm64asm.B8), nil
	case element.StepI16ToI8Sat:
		return arm64asm.Sqxtn(d, n, arm64asm.B8), nil
	case element.StepI16ToU8Sat:
		return arm64asm.Sqxtun(d, n, arm64asm.B8), nil
	case element.StepI8ToI16:
		return arm64asm.Sxtl(d, n, arm64asm.B8), nil
	case element.StepU8ToI16:
		return arm64asm.Uxtl(d, n, arm64asm.B8), nil
	}
	return nil, fmt.Errorf("no instruction for conversion step %s", s)
}
