package lowered

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/snippets/op"
)

// LoopInfo describes one LoopBegin/LoopEnd pair. Values set to op.Dynamic
// are read from the runtime arguments block at ArgsOffset.
type LoopInfo struct {
	ID         int
	Begin, End int

	// WorkAmount is the number of elements processed along Dim.
	WorkAmount int64
	// Increment is the number of elements processed per iteration.
	Increment int64
	// Dim is the iterated dimension counted from the innermost one.
	Dim int

	// Ports are the data pointers advanced by the loop, in LoopEnd input
	// order. PtrIncrements and FinalizationOffsets are in elements of the
	// port's element type.
	Ports               []*PortConnector
	PtrIncrements       []int64
	FinalizationOffsets []int64

	ArgsOffset int
}

func (l *LoopInfo) argsSize() int {
	return 8 * (1 + 2*len(l.Ports))
}

// WorkAmountOffset is the byte offset of the work amount slot.
func (l *LoopInfo) WorkAmountOffset() int { return l.ArgsOffset }

// PtrIncrementOffset is the byte offset of port i's increment slot.
func (l *LoopInfo) PtrIncrementOffset(i int) int { return l.ArgsOffset + 8*(1+i) }

// FinalizationOffset is the byte offset of port i's finalization slot.
func (l *LoopInfo) FinalizationOffset(i int) int {
	return l.ArgsOffset + 8*(1+len(l.Ports)+i)
}

// IsDynamic reports whether any loop parameter is resolved at runtime.
func (l *LoopInfo) IsDynamic() bool {
	if l.WorkAmount == op.Dynamic {
		return true
	}
	for i := range l.Ports {
		if l.PtrIncrements[i] == op.Dynamic || l.FinalizationOffsets[i] == op.Dynamic {
			return true
		}
	}
	return false
}

// Label names the loop in generated code.
func (l *LoopInfo) Label(suffix string) string {
	return fmt.Sprintf("loop_%d_%s", l.ID, suffix)
}

func (l *LoopInfo) parse(end *Expression) error {
	attrs := end.node.Attrs
	var err error
	if l.WorkAmount, err = attrs.Int(op.AttrWorkAmount, op.Dynamic); err != nil {
		return err
	}
	if l.Increment, err = attrs.Int(op.AttrIncrement, 1); err != nil {
		return err
	}
	if l.Increment <= 0 {
		return fmt.Errorf("loop increment must be positive, got %d", l.Increment)
	}
	if l.WorkAmount < 0 && l.WorkAmount != op.Dynamic {
		return fmt.Errorf("invalid work amount %d", l.WorkAmount)
	}
	dim, err := attrs.Int(op.AttrDim, 0)
	if err != nil {
		return err
	}
	l.Dim = int(dim)

	l.Ports = append([]*PortConnector(nil), end.inputs[:len(end.inputs)-1]...)
	n := len(l.Ports)

	if l.PtrIncrements, err = attrs.Ints(op.AttrPtrIncrements); err != nil {
		return err
	}
	if l.PtrIncrements == nil {
		l.PtrIncrements = make([]int64, n)
		for i := range l.PtrIncrements {
			l.PtrIncrements[i] = l.Increment
		}
	}
	if len(l.PtrIncrements) != n {
		return fmt.Errorf("%d pointer increments for %d ports", len(l.PtrIncrements), n)
	}

	if l.FinalizationOffsets, err = attrs.Ints(op.AttrFinalizationOffsets); err != nil {
		return err
	}
	if l.FinalizationOffsets == nil {
		l.FinalizationOffsets = make([]int64, n)
		for i := range l.FinalizationOffsets {
			l.FinalizationOffsets[i] = DefaultFinalization(l.WorkAmount, l.Increment, l.PtrIncrements[i])
		}
	}
	if len(l.FinalizationOffsets) != n {
		return fmt.Errorf("%d finalization offsets for %d ports", len(l.FinalizationOffsets), n)
	}
	return nil
}

// DefaultFinalization rewinds a pointer to where the loop found it. It is
// dynamic whenever one of its inputs is.
func DefaultFinalization(workAmount, increment, ptrIncrement int64) int64 {
	if workAmount == op.Dynamic || ptrIncrement == op.Dynamic {
		return op.Dynamic
	}
	return -(workAmount / increment) * ptrIncrement
}
