// Package lowered holds the linear, hardware-agnostic form of a snippet:
// expressions in emission order, the data edges between them and the
// register assignment computed over them.
package lowered

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// RegType is the register class an output value lives in.
type RegType uint8

const (
	RegUndefined RegType = iota
	RegGPR
	RegVec
)

func (t RegType) String() string {
	switch t {
	case RegGPR:
		return "gpr"
	case RegVec:
		return "vec"
	default:
		return "undefined"
	}
}

// Reg is a physical register of a class.
type Reg struct {
	Type  RegType
	Index int
}

func (r Reg) String() string {
	switch r.Type {
	case RegGPR:
		return fmt.Sprintf("gp%d", r.Index)
	case RegVec:
		return fmt.Sprintf("vec%d", r.Index)
	}
	return "reg?"
}

// PortDescriptor describes the value flowing over a connector.
type PortDescriptor struct {
	Shape   op.Shape
	Element element.Type
}

// PortRef names one input or output port of an expression.
type PortRef struct {
	Expr  *Expression
	Index int
}

// PortConnector is a data edge from one producer output to any number of
// consumer inputs. It is owned by the LinearIR.
type PortConnector struct {
	id        int
	source    PortRef
	consumers []PortRef
	desc      PortDescriptor
	reg       Reg
	assigned  bool
}

func (c *PortConnector) ID() int                    { return c.id }
func (c *PortConnector) Source() PortRef            { return c.source }
func (c *PortConnector) Consumers() []PortRef       { return append([]PortRef(nil), c.consumers...) }
func (c *PortConnector) Descriptor() PortDescriptor { return c.desc }

// Reg returns the physical register assigned by the RegManager.
func (c *PortConnector) Reg() (Reg, bool) { return c.reg, c.assigned }

func (c *PortConnector) String() string {
	return fmt.Sprintf("%s:%d", c.source.Expr.node, c.source.Index)
}

// Expression is one operation instance in a LinearIR.
type Expression struct {
	id      int
	node    *op.Node
	inputs  []*PortConnector
	outputs []*PortConnector
	emitter Emitter
	auxVec  []int
	auxGP   []int
	kernel  *Kernel
	loop    *LoopInfo
}

func (e *Expression) ID() int                     { return e.id }
func (e *Expression) Node() *op.Node              { return e.node }
func (e *Expression) Type() op.Type               { return e.node.Type }
func (e *Expression) Inputs() []*PortConnector    { return e.inputs }
func (e *Expression) Outputs() []*PortConnector   { return e.outputs }
func (e *Expression) Input(i int) *PortConnector  { return e.inputs[i] }
func (e *Expression) Output(i int) *PortConnector { return e.outputs[i] }
func (e *Expression) Emitter() Emitter            { return e.emitter }

// Loop returns the loop a LoopBegin or LoopEnd expression delimits.
func (e *Expression) Loop() *LoopInfo { return e.loop }

// Kernel returns the wrapped body for synthetic kernel expressions and nil
// otherwise.
func (e *Expression) Kernel() *Kernel { return e.kernel }

func (e *Expression) String() string {
	return fmt.Sprintf("#%d %s", e.id, e.node)
}

// InputElement returns the element type flowing into input i.
func (e *Expression) InputElement(i int) element.Type {
	return e.inputs[i].desc.Element
}

// OutputElement returns the element type of output i.
func (e *Expression) OutputElement(i int) element.Type {
	return e.outputs[i].desc.Element
}

// BindEmitter attaches the emitter. An expression is bound exactly once.
func (e *Expression) BindEmitter(em Emitter) error {
	if em == nil {
		return fmt.Errorf("lowered: nil emitter for %s", e)
	}
	if e.emitter != nil {
		return fmt.Errorf("lowered: %s already has an emitter", e)
	}
	e.emitter = em
	return nil
}

// RegInfo returns the physical register indices of the inputs and outputs.
// It is only meaningful after allocation.
func (e *Expression) RegInfo() (in, out []int, err error) {
	in = make([]int, len(e.inputs))
	for i, c := range e.inputs {
		r, ok := c.Reg()
		if !ok {
			return nil, nil, fmt.Errorf("lowered: input %d of %s has no register", i, e)
		}
		in[i] = r.Index
	}
	out = make([]int, len(e.outputs))
	for i, c := range e.outputs {
		r, ok := c.Reg()
		if !ok {
			return nil, nil, fmt.Errorf("lowered: output %d of %s has no register", i, e)
		}
		out[i] = r.Index
	}
	return in, out, nil
}

// AuxRegs returns the scratch registers reserved for this expression's
// emitter.
func (e *Expression) AuxRegs() (vec, gp []int) {
	return append([]int(nil), e.auxVec...), append([]int(nil), e.auxGP...)
}
