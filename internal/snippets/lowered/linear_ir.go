package lowered

import (
	"fmt"
	"iter"

	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// LinearIR is an ordered, single-entry dataflow program. Iteration order is
// emission order.
type LinearIR struct {
	exprs   []*Expression
	conns   []*PortConnector
	loops   []*LoopInfo
	dynamic bool
}

func (l *LinearIR) Len() int { return len(l.exprs) }

// All iterates over the expressions in emission order.
func (l *LinearIR) All() iter.Seq[*Expression] {
	return func(yield func(*Expression) bool) {
		for _, e := range l.exprs {
			if !yield(e) {
				return
			}
		}
	}
}

// Ops returns the expressions in emission order.
func (l *LinearIR) Ops() []*Expression {
	return append([]*Expression(nil), l.exprs...)
}

func (l *LinearIR) Expr(id int) *Expression {
	if id < 0 || id >= len(l.exprs) {
		return nil
	}
	return l.exprs[id]
}

func (l *LinearIR) Connectors() []*PortConnector {
	return append([]*PortConnector(nil), l.conns...)
}

// IsDynamic reports whether any port shape has a dynamic dimension or the
// IR was forced dynamic.
func (l *LinearIR) IsDynamic() bool { return l.dynamic }

// SetDynamic forces the dynamic flag, e.g. to compile a statically shaped IR
// with runtime loop parameters.
func (l *LinearIR) SetDynamic(dynamic bool) { l.dynamic = dynamic }

func (l *LinearIR) filter(t op.Type) []*Expression {
	var out []*Expression
	for _, e := range l.exprs {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *LinearIR) Parameters() []*Expression { return l.filter(op.Parameter) }
func (l *LinearIR) Results() []*Expression    { return l.filter(op.Result) }
func (l *LinearIR) Buffers() []*Expression    { return l.filter(op.Buffer) }

// Loops returns the matched loops ordered by their LoopBegin position.
func (l *LinearIR) Loops() []*LoopInfo {
	return append([]*LoopInfo(nil), l.loops...)
}

// RuntimeArgsSize is the size in bytes of the runtime arguments block a
// dynamic kernel reads its loop parameters from.
func (l *LinearIR) RuntimeArgsSize() int {
	size := 0
	for _, loop := range l.loops {
		size += loop.argsSize()
	}
	return size
}

// InputShape returns the compile-time shape of an expression input.
func (l *LinearIR) InputShape(exprID, port int) op.Shape {
	e := l.Expr(exprID)
	if e == nil || port < 0 || port >= len(e.inputs) {
		return nil
	}
	return e.inputs[port].desc.Shape
}

// OutputShape returns the compile-time shape of an expression output.
func (l *LinearIR) OutputShape(exprID, port int) op.Shape {
	e := l.Expr(exprID)
	if e == nil || port < 0 || port >= len(e.outputs) {
		return nil
	}
	return e.outputs[port].desc.Shape
}

// Builder assembles a LinearIR. The first error is kept and reported by
// Build so construction code can chain Add calls.
type Builder struct {
	exprs []*Expression
	conns []*PortConnector
	err   error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends an expression consuming the given connectors.
func (b *Builder) Add(node *op.Node, inputs ...*PortConnector) *Expression {
	expr := &Expression{id: len(b.exprs), node: node}
	b.exprs = append(b.exprs, expr)
	if b.err != nil {
		return expr
	}
	if node == nil {
		b.err = errs.New(errs.ErrInvalidIR, "", "expression %d has no node", expr.id)
		return expr
	}
	if err := node.Validate(len(inputs)); err != nil {
		b.err = &errs.Error{Kind: errs.ErrInvalidIR, Op: node.String(), Detail: err.Error()}
		return expr
	}
	for i, in := range inputs {
		if in == nil || in.id >= len(b.conns) || b.conns[in.id] != in {
			b.err = errs.New(errs.ErrInvalidIR, node.String(), "input %d is not produced inside this IR", i)
			return expr
		}
		in.consumers = append(in.consumers, PortRef{Expr: expr, Index: i})
	}
	expr.inputs = append([]*PortConnector(nil), inputs...)
	for i, elem := range node.Outputs {
		c := &PortConnector{
			id:     len(b.conns),
			source: PortRef{Expr: expr, Index: i},
			desc:   PortDescriptor{Element: elem},
		}
		b.conns = append(b.conns, c)
		expr.outputs = append(expr.outputs, c)
	}
	return expr
}

// Build infers every port shape and matches loops.
func (b *Builder) Build() (*LinearIR, error) {
	if b.err != nil {
		return nil, b.err
	}
	l := &LinearIR{exprs: b.exprs, conns: b.conns}
	for _, e := range l.exprs {
		in := make([]op.Shape, len(e.inputs))
		for i, c := range e.inputs {
			in[i] = c.desc.Shape
		}
		out, err := e.node.InferShapes(in)
		if err != nil {
			return nil, &errs.Error{Kind: errs.ErrInvalidIR, Op: e.node.String(), Detail: err.Error()}
		}
		if len(out) != len(e.outputs) {
			return nil, errs.New(errs.ErrInvalidIR, e.node.String(), "inferred %d shapes for %d outputs", len(out), len(e.outputs))
		}
		for i, s := range out {
			e.outputs[i].desc.Shape = s
			if !s.IsStatic() {
				l.dynamic = true
			}
		}
	}
	if err := l.matchLoops(); err != nil {
		return nil, err
	}
	b.exprs, b.conns = nil, nil
	return l, nil
}

func (l *LinearIR) matchLoops() error {
	var open []*LoopInfo
	for pos, e := range l.exprs {
		switch e.Type() {
		case op.LoopBegin:
			loop := &LoopInfo{ID: len(l.loops), Begin: pos}
			e.loop = loop
			l.loops = append(l.loops, loop)
			open = append(open, loop)
		case op.LoopEnd:
			if len(e.inputs) == 0 {
				return errs.New(errs.ErrInvalidIR, e.node.String(), "loop end without loop begin input")
			}
			begin := e.inputs[len(e.inputs)-1].source.Expr
			if begin.Type() != op.LoopBegin {
				return errs.New(errs.ErrInvalidIR, e.node.String(), "last input must come from LoopBegin, got %s", begin.node)
			}
			if len(open) == 0 || open[len(open)-1] != begin.loop {
				return errs.New(errs.ErrInvalidIR, e.node.String(), "loops are not properly nested")
			}
			loop := open[len(open)-1]
			open = open[:len(open)-1]
			loop.End = pos
			e.loop = loop
			if err := loop.parse(e); err != nil {
				return &errs.Error{Kind: errs.ErrInvalidIR, Op: e.node.String(), Detail: err.Error()}
			}
		}
	}
	if len(open) != 0 {
		return errs.New(errs.ErrInvalidIR, l.exprs[open[0].Begin].node.String(), "loop begin without loop end")
	}
	offset := 0
	for _, loop := range l.loops {
		loop.ArgsOffset = offset
		offset += loop.argsSize()
	}
	return nil
}

// String renders the IR one expression per line, for logs and the CLI.
func (l *LinearIR) String() string {
	s := ""
	for _, e := range l.exprs {
		s += e.String()
		for i, c := range e.inputs {
			if i == 0 {
				s += " <-"
			}
			s += fmt.Sprintf(" %%%d", c.id)
		}
		for _, c := range e.outputs {
			s += fmt.Sprintf(" -> %%%d %s%s", c.id, c.desc.Element, c.desc.Shape)
		}
		s += "\n"
	}
	return s
}
