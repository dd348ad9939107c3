// Package aarch64 generates snippet kernels for AArch64 with Advanced SIMD.
package aarch64

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/cpu"

	"github.com/tinyrange/snippets/internal/asm"
	arm64asm "github.com/tinyrange/snippets/internal/asm/arm64"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// FusedMulAdd computes a*b + c on four f32 lanes.
const FusedMulAdd op.Type = "aarch64.FusedMulAdd"

func init() {
	op.Register(op.Info{
		Type:     FusedMulAdd,
		Category: op.CategoryTarget,
		Inputs:   3,
		Outputs:  1,
		Infer:    op.InferBroadcast,
	})
	snippets.RegisterTarget(snippets.ArchAArch64, func() snippets.TargetMachine { return New() })
}

// Features are the optional ISA extensions code generation cares about.
type Features struct {
	ASIMD bool
	// FPHP and ASIMDHP gate the half precision integer conversions.
	FPHP    bool
	ASIMDHP bool
}

// HostFeatures reports the features of the running CPU. On other
// architectures every feature is false.
func HostFeatures() Features {
	return Features{
		ASIMD:   cpu.ARM64.HasASIMD,
		FPHP:    cpu.ARM64.HasFPHP,
		ASIMDHP: cpu.ARM64.HasASIMDHP,
	}
}

// AllFeatures is a feature set for generating code for another machine.
func AllFeatures() Features {
	return Features{ASIMD: true, FPHP: true, ASIMDHP: true}
}

func (f Features) HalfPrecision() bool { return f.FPHP && f.ASIMDHP }

type Option func(*TargetMachine)

// WithFeatures replaces the detected host features.
func WithFeatures(f Features) Option {
	return func(t *TargetMachine) { t.features = f }
}

// WithExecPrecision sets the precision conversion emitters run at.
func WithExecPrecision(t element.Type) Option {
	return func(tm *TargetMachine) { tm.execPrecision = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *TargetMachine) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// TargetMachine emits one kernel at a time into a fresh arm64 context.
type TargetMachine struct {
	features      Features
	execPrecision element.Type
	logger        *slog.Logger

	configurator *snippets.RuntimeConfigurator
	factories    map[op.Type]lowered.EmitterFactory

	ctx *arm64asm.Context
	// runtimeArgs holds the runtime-args block pointer while a dynamic
	// kernel is being emitted.
	runtimeArgs    arm64asm.Reg
	hasRuntimeArgs bool
}

var _ snippets.TargetMachine = (*TargetMachine)(nil)

func New(opts ...Option) *TargetMachine {
	t := &TargetMachine{
		features:      HostFeatures(),
		execPrecision: element.F32,
		logger:        slog.Default(),
		configurator:  snippets.NewRuntimeConfigurator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.factories = make(map[op.Type]lowered.EmitterFactory, len(emitterTable))
	for typ, ctor := range emitterTable {
		t.factories[typ] = func(expr *lowered.Expression) (lowered.Emitter, error) {
			return ctor(t, expr)
		}
	}
	return t
}

func (t *TargetMachine) Arch() snippets.Arch { return snippets.ArchAArch64 }

func (t *TargetMachine) Features() Features { return t.features }

func (t *TargetMachine) IsSupported() bool { return t.features.ASIMD }

func (t *TargetMachine) Get(typ op.Type) (lowered.EmitterFactory, bool) {
	f, ok := t.factories[typ]
	return f, ok
}

func (t *TargetMachine) RuntimeConfigurator() *snippets.RuntimeConfigurator {
	return t.configurator
}

// Registers hands out x0-x15 and x19-x28. x16 and x17 are emitter scratch,
// x18 is the platform register and x29/x30 frame the kernel.
func (t *TargetMachine) Registers() lowered.RegisterFile {
	rf := lowered.RegisterFile{}
	for i := 0; i < 8; i++ {
		rf.ABIArgs = append(rf.ABIArgs, i)
	}
	for i := 0; i <= 15; i++ {
		rf.GP = append(rf.GP, i)
	}
	for i := 19; i <= 28; i++ {
		rf.GP = append(rf.GP, i)
	}
	for i := 0; i < arm64asm.NumVRegs; i++ {
		rf.Vec = append(rf.Vec, i)
	}
	return rf
}

func (t *TargetMachine) SpecificRegType(out op.Output) (lowered.RegType, bool) {
	switch out.Node.Type {
	case FusedMulAdd:
		return lowered.RegVec, true
	}
	return lowered.RegUndefined, false
}

// Snippet finalizes the kernel emitted since the last kernel emitter ran.
func (t *TargetMachine) Snippet() (asm.Program, error) {
	if t.ctx == nil {
		return asm.Program{}, fmt.Errorf("aarch64: no kernel emitted")
	}
	ctx := t.ctx
	t.ctx = nil
	t.hasRuntimeArgs = false
	return ctx.Finalize()
}

func (t *TargetMachine) beginKernel() {
	t.ctx = arm64asm.NewContext()
	t.hasRuntimeArgs = false
}

func (t *TargetMachine) emit(frags ...asm.Fragment) error {
	if t.ctx == nil {
		return fmt.Errorf("aarch64: emit outside of a kernel")
	}
	return t.ctx.Emit(frags...)
}

func xreg(i int) arm64asm.Reg  { return arm64asm.Reg64(asm.Variable(i)) }
func wreg(i int) arm64asm.Reg  { return arm64asm.Reg32(asm.Variable(i)) }
func vreg(i int) arm64asm.VReg { return arm64asm.V(i) }
