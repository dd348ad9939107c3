package lowered

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Emitter produces machine code and data for one expression.
//
// EmitCode receives the physical register indices of the expression's inputs
// and outputs plus the vector and general purpose registers it may use as
// scratch. EmitData runs after all code of the kernel has been emitted.
type Emitter interface {
	InputCount() int
	EmitCode(in, out, vecPool, gpPool []int) error
	EmitData() error
}

// AuxRegsRequirer is implemented by emitters that need scratch registers
// which must not alias their operands.
type AuxRegsRequirer interface {
	AuxVecRegs() int
	AuxGPRegs() int
}

// PrecompiledKernelOwner is implemented by emitters whose artifacts are
// referenced by the generated code and so must live as long as it.
type PrecompiledKernelOwner interface {
	UsesPrecompiledKernel() bool
}

// EmitterFactory builds the emitter for an expression, validating its
// element types.
type EmitterFactory func(expr *Expression) (Emitter, error)

// EmitterSource resolves a factory by operation type.
type EmitterSource interface {
	Get(t op.Type) (EmitterFactory, bool)
}

// InitEmitters binds an emitter, in iteration order, to every expression
// that has none yet.
func (l *LinearIR) InitEmitters(source EmitterSource) error {
	for _, expr := range l.exprs {
		if expr.emitter != nil {
			continue
		}
		factory, ok := source.Get(expr.Type())
		if !ok {
			return errs.New(errs.ErrNoEmitter, expr.node.String(), "target has no factory")
		}
		em, err := factory(expr)
		if err != nil {
			return fmt.Errorf("lowered: init emitter for %s: %w", expr, err)
		}
		if err := expr.BindEmitter(em); err != nil {
			return err
		}
	}
	return nil
}

// ResetEmitters unbinds every emitter without closing it. Emitters write
// into the target that created them, so a LinearIR compiled again, possibly
// for another target, needs fresh ones.
func (l *LinearIR) ResetEmitters() {
	for _, expr := range l.exprs {
		expr.emitter = nil
	}
}

func usesPrecompiledKernel(em Emitter) bool {
	owner, ok := em.(PrecompiledKernelOwner)
	return ok && owner.UsesPrecompiledKernel()
}

// RetainedEmitters returns, in IR order, the emitters whose artifacts must
// outlive code generation.
func (l *LinearIR) RetainedEmitters() []Emitter {
	var out []Emitter
	for _, expr := range l.exprs {
		if expr.emitter != nil && usesPrecompiledKernel(expr.emitter) {
			out = append(out, expr.emitter)
		}
	}
	return out
}
