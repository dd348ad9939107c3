package snippets

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// RuntimeConfig is what a kernel needs to know about one set of concrete
// input shapes.
type RuntimeConfig struct {
	// MasterShape is the broadcast of every result shape.
	MasterShape op.Shape
	// IOShapes lists parameter shapes followed by result shapes.
	IOShapes []op.Shape
	// IOStrides are row-major byte strides per IOShapes entry.
	IOStrides [][]int64
	// IOSizes are the byte sizes of the IO tensors.
	IOSizes []int64
	// BufferScratchpadSize is the number of bytes the scratchpad pointer
	// in the call-args block must point to.
	BufferScratchpadSize int64
	// RuntimeArgs is the runtime-arguments block: per loop the work amount,
	// then the byte pointer increments, then the byte finalization offsets.
	RuntimeArgs []int64

	in, out [][]op.Shape
}

func (c *RuntimeConfig) InputShape(exprID, port int) op.Shape {
	if exprID < 0 || exprID >= len(c.in) || port < 0 || port >= len(c.in[exprID]) {
		return nil
	}
	return c.in[exprID][port]
}

func (c *RuntimeConfig) OutputShape(exprID, port int) op.Shape {
	if exprID < 0 || exprID >= len(c.out) || port < 0 || port >= len(c.out[exprID]) {
		return nil
	}
	return c.out[exprID][port]
}

// RuntimeArgsBytes encodes RuntimeArgs the way the kernel reads them.
func (c *RuntimeConfig) RuntimeArgsBytes() []byte {
	buf := make([]byte, 8*len(c.RuntimeArgs))
	for i, v := range c.RuntimeArgs {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

// RuntimeConfigurator owns a kernel's executor table and recomputes its
// runtime configuration when input shapes change. Update is a single-writer
// critical section.
type RuntimeConfigurator struct {
	mu     sync.Mutex
	table  *KernelExecutorTable
	config *RuntimeConfig
}

func NewRuntimeConfigurator() *RuntimeConfigurator {
	return &RuntimeConfigurator{table: NewKernelExecutorTable()}
}

// Table returns the shared table handle. The handle stays the same across
// resets.
func (r *RuntimeConfigurator) Table() *KernelExecutorTable { return r.table }

// ResetKernelExecutorTable starts repopulating the table for a
// recompilation. Executors registered from now on are staged; readers and
// Update keep working on the published executors until
// CommitKernelExecutorTable.
func (r *RuntimeConfigurator) ResetKernelExecutorTable() {
	r.table.Begin()
}

// CommitKernelExecutorTable publishes the staged executors, resolving them
// against view first when it is not nil. The configuration computed for the
// previous kernel is dropped with them.
func (r *RuntimeConfigurator) CommitKernelExecutorTable(view ShapeView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.table.Commit(view); err != nil {
		return err
	}
	r.config = nil
	return nil
}

// AbortKernelExecutorTable drops the staged executors of a failed
// recompilation.
func (r *RuntimeConfigurator) AbortKernelExecutorTable() {
	r.table.Abort()
}

// Config returns the configuration computed by the last Update.
func (r *RuntimeConfigurator) Config() *RuntimeConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Update binds concrete parameter shapes, in Parameter order, to lir and
// finalizes the executor table against them.
func (r *RuntimeConfigurator) Update(lir *lowered.LinearIR, inputShapes []op.Shape) (*RuntimeConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := computeConfig(lir, inputShapes)
	if err != nil {
		return nil, err
	}
	if err := r.table.UpdateState(cfg); err != nil {
		return nil, err
	}
	r.config = cfg
	return cfg, nil
}

func computeConfig(lir *lowered.LinearIR, inputShapes []op.Shape) (*RuntimeConfig, error) {
	params := lir.Parameters()
	if len(inputShapes) != len(params) {
		return nil, fmt.Errorf("snippets: %d input shapes for %d parameters", len(inputShapes), len(params))
	}
	cfg := &RuntimeConfig{
		in:  make([][]op.Shape, lir.Len()),
		out: make([][]op.Shape, lir.Len()),
	}
	shapes := make(map[*lowered.PortConnector]op.Shape)
	paramIndex := 0
	for e := range lir.All() {
		in := make([]op.Shape, len(e.Inputs()))
		for i, c := range e.Inputs() {
			in[i] = shapes[c]
		}
		var out []op.Shape
		if e.Type() == op.Parameter {
			declared := e.Output(0).Descriptor().Shape
			concrete := inputShapes[paramIndex]
			paramIndex++
			if !concrete.IsStatic() || !declared.Compatible(concrete) {
				return nil, fmt.Errorf("snippets: shape %s cannot bind parameter %s declared %s", concrete, e.Node(), declared)
			}
			out = []op.Shape{concrete.Clone()}
		} else {
			var err error
			if out, err = e.Node().InferShapes(in); err != nil {
				return nil, err
			}
		}
		for i, c := range e.Outputs() {
			shapes[c] = out[i]
		}
		cfg.in[e.ID()], cfg.out[e.ID()] = in, out
	}

	var io []*lowered.PortConnector
	for _, p := range params {
		io = append(io, p.Output(0))
	}
	for _, res := range lir.Results() {
		io = append(io, res.Input(0))
	}
	// The iteration space is spanned by the results; a kernel without
	// results iterates over its parameters.
	master := io[len(params):]
	if len(master) == 0 {
		master = io
	}
	for _, c := range master {
		s := shapes[c]
		if cfg.MasterShape == nil {
			cfg.MasterShape = s.Clone()
			continue
		}
		var err error
		if cfg.MasterShape, err = op.Broadcast(cfg.MasterShape, s); err != nil {
			return nil, fmt.Errorf("snippets: master shape: %w", err)
		}
	}
	for _, c := range io {
		s := shapes[c]
		size := int64(c.Descriptor().Element.Size())
		cfg.IOShapes = append(cfg.IOShapes, s)
		cfg.IOStrides = append(cfg.IOStrides, byteStrides(s, size))
		cfg.IOSizes = append(cfg.IOSizes, s.Elements()*size)
	}

	for _, buf := range lir.Buffers() {
		offset, err := buf.Node().Attrs.Int(op.AttrByteOffset, 0)
		if err != nil {
			return nil, err
		}
		c := buf.Output(0)
		end := offset + shapes[c].Elements()*int64(c.Descriptor().Element.Size())
		cfg.BufferScratchpadSize = max(cfg.BufferScratchpadSize, end)
	}

	for _, loop := range lir.Loops() {
		wa := loop.WorkAmount
		if wa == op.Dynamic {
			wa = cfg.MasterShape.Dim(loop.Dim)
		}
		incs := make([]int64, len(loop.Ports))
		fins := make([]int64, len(loop.Ports))
		for i, port := range loop.Ports {
			size := int64(port.Descriptor().Element.Size())
			inc := loop.PtrIncrements[i]
			if inc == op.Dynamic {
				inc = dynamicPtrIncrement(shapes[port], loop)
			}
			fin := loop.FinalizationOffsets[i]
			if fin == op.Dynamic {
				fin = lowered.DefaultFinalization(wa, loop.Increment, inc)
			}
			incs[i], fins[i] = inc*size, fin*size
		}
		cfg.RuntimeArgs = append(cfg.RuntimeArgs, wa)
		cfg.RuntimeArgs = append(cfg.RuntimeArgs, incs...)
		cfg.RuntimeArgs = append(cfg.RuntimeArgs, fins...)
	}
	return cfg, nil
}

// dynamicPtrIncrement advances a port by one loop step along loop.Dim; a
// port broadcast along that dimension does not move.
func dynamicPtrIncrement(shape op.Shape, loop *lowered.LoopInfo) int64 {
	if shape.Dim(loop.Dim) == 1 {
		return 0
	}
	return loop.Increment * shape.InnerElements(loop.Dim)
}

func byteStrides(s op.Shape, elemSize int64) []int64 {
	strides := make([]int64, len(s))
	acc := elemSize
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}
