package lowered

import (
	"fmt"
	"slices"
	"sort"

	"github.com/google/btree"

	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// RegisterFile lists the physical registers a target hands to allocation.
// ABIArgs are the kernel entry argument registers in call order; the first
// one or two of them are withheld from GP depending on the kernel kind.
type RegisterFile struct {
	ABIArgs []int
	GP      []int
	Vec     []int
}

// RegTypeFunc classifies one operation output.
type RegTypeFunc func(out op.Output) (RegType, error)

// RegManager assigns physical registers to every connector of a LinearIR by
// linear scan over live intervals. It never spills.
type RegManager struct {
	regs       RegisterFile
	classify   RegTypeFunc
	assignment map[int]Reg
}

func NewRegManager(regs RegisterFile, classify RegTypeFunc) *RegManager {
	return &RegManager{regs: regs, classify: classify}
}

// KernelCallRegs returns the registers carrying the kernel's own arguments:
// the call-args block, plus the runtime-args block for dynamic kernels.
func (m *RegManager) KernelCallRegs(k *Kernel) []int {
	n := 1
	if k.Dynamic {
		n = 2
	}
	if n > len(m.regs.ABIArgs) {
		n = len(m.regs.ABIArgs)
	}
	return slices.Clone(m.regs.ABIArgs[:n])
}

func (m *RegManager) VecRegPool() []int {
	return slices.Clone(m.regs.Vec)
}

func (m *RegManager) GPRegsExceptKernelCall(k *Kernel) []int {
	call := m.KernelCallRegs(k)
	out := make([]int, 0, len(m.regs.GP))
	for _, r := range m.regs.GP {
		if !slices.Contains(call, r) {
			out = append(out, r)
		}
	}
	return out
}

// Assignment maps connector IDs to their physical registers.
func (m *RegManager) Assignment() map[int]Reg {
	out := make(map[int]Reg, len(m.assignment))
	for id, r := range m.assignment {
		out[id] = r
	}
	return out
}

type interval struct {
	id         int
	class      RegType
	start, end int

	conn *PortConnector
	// aux intervals belong to expr and have conn == nil.
	expr *Expression

	reg int
}

func (iv *interval) overlaps(o *interval) bool {
	return iv.start <= o.end && o.start <= iv.end
}

func pinned(c *PortConnector) bool {
	switch c.source.Expr.Type() {
	case op.Parameter, op.Buffer:
		return true
	}
	for _, ref := range c.consumers {
		switch ref.Expr.Type() {
		case op.Result, op.Buffer:
			return true
		}
	}
	return false
}

func (m *RegManager) intervals(lir *LinearIR) ([]*interval, error) {
	last := 2*len(lir.exprs) + 1
	var out []*interval
	for pos, e := range lir.exprs {
		for idx, c := range e.outputs {
			class, err := m.classify(op.Output{Node: e.node, Index: idx})
			if err != nil {
				return nil, err
			}
			iv := &interval{id: len(out), class: class, start: 2*pos + 1, conn: c}
			iv.end = iv.start
			for _, ref := range c.consumers {
				if q := 2 * ref.Expr.id; q > iv.end {
					iv.end = q
				}
			}
			if pinned(c) {
				iv.start, iv.end = 0, last
			}
			for _, loop := range lir.loops {
				if iv.start >= 2*loop.Begin {
					continue
				}
				for _, ref := range c.consumers {
					if ref.Expr.id > loop.Begin && ref.Expr.id <= loop.End {
						iv.end = max(iv.end, 2*loop.End)
						break
					}
				}
			}
			out = append(out, iv)
		}
		if e.emitter == nil {
			continue
		}
		req, ok := e.emitter.(AuxRegsRequirer)
		if !ok {
			continue
		}
		for range req.AuxVecRegs() {
			out = append(out, &interval{id: len(out), class: RegVec, start: 2 * pos, end: 2*pos + 1, expr: e})
		}
		for range req.AuxGPRegs() {
			out = append(out, &interval{id: len(out), class: RegGPR, start: 2 * pos, end: 2*pos + 1, expr: e})
		}
	}
	return out, nil
}

// Allocate computes the assignment for k's body and records it on every
// connector and expression.
func (m *RegManager) Allocate(k *Kernel) error {
	lir := k.Body
	ivs, err := m.intervals(lir)
	if err != nil {
		return err
	}
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].start != ivs[j].start {
			return ivs[i].start < ivs[j].start
		}
		return ivs[i].id < ivs[j].id
	})

	pools := map[RegType][]int{
		RegGPR: m.GPRegsExceptKernelCall(k),
		RegVec: m.VecRegPool(),
	}
	active := map[RegType]*btree.BTreeG[*interval]{}
	inUse := map[RegType]map[int]bool{}
	for class := range pools {
		active[class] = btree.NewG[*interval](8, func(a, b *interval) bool {
			if a.end != b.end {
				return a.end < b.end
			}
			return a.id < b.id
		})
		inUse[class] = map[int]bool{}
	}

	for _, iv := range ivs {
		pool, ok := pools[iv.class]
		if !ok {
			return errs.New(errs.ErrUndeterminedRegisterType, describe(iv), "no pool for register class %s", iv.class)
		}
		set := active[iv.class]
		for {
			oldest, ok := set.Min()
			if !ok || oldest.end >= iv.start {
				break
			}
			set.DeleteMin()
			delete(inUse[iv.class], oldest.reg)
		}
		iv.reg = -1
		for _, r := range pool {
			if !inUse[iv.class][r] {
				iv.reg = r
				break
			}
		}
		if iv.reg < 0 {
			return errs.New(errs.ErrRegisterExhausted, describe(iv), "%d %s registers live at position %d", set.Len(), iv.class, iv.start)
		}
		inUse[iv.class][iv.reg] = true
		set.ReplaceOrInsert(iv)
	}

	m.assignment = make(map[int]Reg)
	for _, e := range lir.exprs {
		e.auxVec, e.auxGP = nil, nil
	}
	// Aux registers are handed out in interval creation order.
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].id < ivs[j].id })
	for _, iv := range ivs {
		reg := Reg{Type: iv.class, Index: iv.reg}
		if iv.conn != nil {
			iv.conn.reg, iv.conn.assigned = reg, true
			m.assignment[iv.conn.id] = reg
			continue
		}
		if iv.class == RegVec {
			iv.expr.auxVec = append(iv.expr.auxVec, iv.reg)
		} else {
			iv.expr.auxGP = append(iv.expr.auxGP, iv.reg)
		}
	}
	return nil
}

func describe(iv *interval) string {
	if iv.conn != nil {
		return iv.conn.source.Expr.node.String()
	}
	return fmt.Sprintf("%s aux", iv.expr.node)
}
