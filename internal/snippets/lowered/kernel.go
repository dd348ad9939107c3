package lowered

import (
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Kernel is the synthetic whole-function unit a LinearIR is compiled as.
type Kernel struct {
	Dynamic bool
	Body    *LinearIR
	// CompileParams is passed through to the target untouched.
	CompileParams any
}

// Type returns KernelDynamic or KernelStatic.
func (k *Kernel) Type() op.Type {
	if k.Dynamic {
		return op.KernelDynamic
	}
	return op.KernelStatic
}

// NewKernelExpression wraps body in a kernel expression. The expression is
// not part of any LinearIR and has no ports.
func NewKernelExpression(body *LinearIR, compileParams any) *Expression {
	k := &Kernel{Dynamic: body.IsDynamic(), Body: body, CompileParams: compileParams}
	return &Expression{
		id:     -1,
		node:   op.New(k.Type(), "kernel"),
		kernel: k,
	}
}
