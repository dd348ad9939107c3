package op

import (
	"fmt"
)

// Operation types known to every target.
const (
	Parameter         Type = "Parameter"
	Result            Type = "Result"
	Buffer            Type = "Buffer"
	LoopBegin         Type = "LoopBegin"
	LoopEnd           Type = "LoopEnd"
	Brgemm            Type = "Brgemm"
	RankNormalization Type = "RankNormalization"
	Reshape           Type = "Reshape"
	Reorder           Type = "Reorder"
	Load              Type = "Load"
	BroadcastLoad     Type = "BroadcastLoad"
	Store             Type = "Store"
	PerfCountBegin    Type = "PerfCountBegin"
	PerfCountEnd      Type = "PerfCountEnd"

	Scalar        Type = "Scalar"
	VectorBuffer  Type = "VectorBuffer"
	BroadcastMove Type = "BroadcastMove"
	Fill          Type = "Fill"
	HorizonMax    Type = "HorizonMax"
	HorizonSum    Type = "HorizonSum"
	Select        Type = "Select"
	PRelu         Type = "PRelu"
	LogicalNot    Type = "LogicalNot"

	ConvertTruncation Type = "ConvertTruncation"
	ConvertSaturation Type = "ConvertSaturation"

	Add      Type = "Add"
	Subtract Type = "Subtract"
	Multiply Type = "Multiply"
	Divide   Type = "Divide"
	Maximum  Type = "Maximum"
	Minimum  Type = "Minimum"

	Abs      Type = "Abs"
	Negative Type = "Negative"
	Relu     Type = "Relu"
	Sqrt     Type = "Sqrt"

	Equal        Type = "Equal"
	NotEqual     Type = "NotEqual"
	Greater      Type = "Greater"
	GreaterEqual Type = "GreaterEqual"
	Less         Type = "Less"
	LessEqual    Type = "LessEqual"

	LogicalAnd Type = "LogicalAnd"
	LogicalOr  Type = "LogicalOr"
	LogicalXor Type = "LogicalXor"

	// KernelStatic and KernelDynamic wrap a whole lowered body; they never
	// appear inside a LinearIR.
	KernelStatic  Type = "KernelStatic"
	KernelDynamic Type = "KernelDynamic"
)

// Attribute keys.
const (
	AttrShape               = "shape"
	AttrOrder               = "order"
	AttrPrepend             = "num_prepend"
	AttrAppend              = "num_append"
	AttrCount               = "count"
	AttrOffset              = "offset"
	AttrByteOffset          = "byte_offset"
	AttrBroadcastDim        = "broadcast_dim"
	AttrValue               = "value"
	AttrFillOffset          = "fill_offset"
	AttrFillValue           = "fill_value"
	AttrWorkAmount          = "work_amount"
	AttrIncrement           = "increment"
	AttrDim                 = "dim"
	AttrPtrIncrements       = "ptr_increments"
	AttrFinalizationOffsets = "finalization_offsets"
)

func init() {
	for _, t := range []Type{Add, Subtract, Multiply, Divide, Maximum, Minimum} {
		Register(Info{Type: t, Category: CategoryBinaryArithmetic, Inputs: 2, Outputs: 1, Infer: inferBroadcast})
	}
	for _, t := range []Type{Abs, Negative, Relu, Sqrt} {
		Register(Info{Type: t, Category: CategoryUnaryArithmetic, Inputs: 1, Outputs: 1, Infer: inferSame})
	}
	for _, t := range []Type{Equal, NotEqual, Greater, GreaterEqual, Less, LessEqual} {
		Register(Info{Type: t, Category: CategoryComparison, Inputs: 2, Outputs: 1, Infer: inferBroadcast})
	}
	for _, t := range []Type{LogicalAnd, LogicalOr, LogicalXor} {
		Register(Info{Type: t, Category: CategoryLogical, Inputs: 2, Outputs: 1, Infer: inferBroadcast})
	}

	Register(Info{Type: Parameter, Category: CategoryBoundary, Inputs: 0, Outputs: 1, Infer: inferFromAttr})
	Register(Info{Type: Result, Category: CategoryBoundary, Inputs: 1, Outputs: 0, Infer: inferNone})
	Register(Info{Type: Buffer, Category: CategoryMemory, Inputs: -1, Outputs: 1, Infer: inferBuffer})
	Register(Info{Type: LoopBegin, Category: CategoryLoop, Inputs: 0, Outputs: 1, Infer: inferScalarHandle})
	Register(Info{Type: LoopEnd, Category: CategoryLoop, Inputs: -1, Outputs: 0, Infer: inferNone})
	Register(Info{Type: Brgemm, Category: CategoryMemory, Inputs: 2, Outputs: 1, Infer: inferMatMul})
	Register(Info{Type: RankNormalization, Category: CategoryLayout, Inputs: 1, Outputs: 1, Infer: inferRankNormalization})
	Register(Info{Type: Reshape, Category: CategoryLayout, Inputs: 1, Outputs: 1, Infer: inferReshape})
	Register(Info{Type: Reorder, Category: CategoryLayout, Inputs: 1, Outputs: 1, Infer: inferReorder})
	Register(Info{Type: Load, Category: CategoryMemory, Inputs: 1, Outputs: 1, Infer: inferSame})
	Register(Info{Type: BroadcastLoad, Category: CategoryMemory, Inputs: 1, Outputs: 1, Infer: inferBroadcastDim})
	Register(Info{Type: Store, Category: CategoryMemory, Inputs: 1, Outputs: 1, Infer: inferSame})
	Register(Info{Type: PerfCountBegin, Category: CategoryDebug, Inputs: 0, Outputs: 1, Infer: inferScalarHandle})
	Register(Info{Type: PerfCountEnd, Category: CategoryDebug, Inputs: 1, Outputs: 0, Infer: inferNone})

	Register(Info{Type: Scalar, Category: CategoryVector, Inputs: 0, Outputs: 1, Infer: inferScalar})
	Register(Info{Type: VectorBuffer, Category: CategoryVector, Inputs: 0, Outputs: 1, Infer: inferScalar})
	Register(Info{Type: BroadcastMove, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferBroadcastDim})
	Register(Info{Type: Fill, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferSame})
	Register(Info{Type: HorizonMax, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferReduceLast})
	Register(Info{Type: HorizonSum, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferReduceLast})
	Register(Info{Type: Select, Category: CategoryVector, Inputs: 3, Outputs: 1, Infer: inferBroadcast})
	Register(Info{Type: PRelu, Category: CategoryVector, Inputs: 2, Outputs: 1, Infer: inferBroadcast})
	Register(Info{Type: LogicalNot, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferSame})
	Register(Info{Type: ConvertTruncation, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferSame})
	Register(Info{Type: ConvertSaturation, Category: CategoryVector, Inputs: 1, Outputs: 1, Infer: inferSame})

	Register(Info{Type: KernelStatic, Category: CategoryKernel, Inputs: 0, Outputs: 0})
	Register(Info{Type: KernelDynamic, Category: CategoryKernel, Inputs: 0, Outputs: 0})
}

func inferNone(*Node, []Shape) ([]Shape, error) { return nil, nil }

func inferScalarHandle(*Node, []Shape) ([]Shape, error) { return []Shape{{}}, nil }

// InferSame is the identity rule; target packages reuse it for their own
// elementwise operations.
func InferSame(n *Node, in []Shape) ([]Shape, error) { return inferSame(n, in) }

// InferBroadcast broadcasts all inputs together.
func InferBroadcast(n *Node, in []Shape) ([]Shape, error) { return inferBroadcast(n, in) }

func inferSame(_ *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("missing input shape")
	}
	return []Shape{in[0].Clone()}, nil
}

func inferBroadcast(_ *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("missing input shape")
	}
	out := in[0].Clone()
	for _, s := range in[1:] {
		var err error
		if out, err = Broadcast(out, s); err != nil {
			return nil, err
		}
	}
	return []Shape{out}, nil
}

func inferFromAttr(n *Node, _ []Shape) ([]Shape, error) {
	s, err := n.Attrs.Shape(AttrShape)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("attribute %q is required", AttrShape)
	}
	return []Shape{s}, nil
}

func inferBuffer(n *Node, in []Shape) ([]Shape, error) {
	if n.Attrs.Has(AttrShape) {
		return inferFromAttr(n, in)
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("buffer without input needs attribute %q", AttrShape)
	}
	return inferSame(n, in)
}

func inferScalar(n *Node, _ []Shape) ([]Shape, error) {
	if n.Attrs.Has(AttrShape) {
		return inferFromAttr(n, nil)
	}
	return []Shape{{1}}, nil
}

func inferReduceLast(_ *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 || len(in[0]) == 0 {
		return nil, fmt.Errorf("reduction needs a ranked input")
	}
	out := in[0].Clone()
	out[len(out)-1] = 1
	return []Shape{out}, nil
}

func inferBroadcastDim(n *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 || len(in[0]) == 0 {
		return nil, fmt.Errorf("broadcast needs a ranked input")
	}
	dim, err := n.Attrs.Int(AttrBroadcastDim, 0)
	if err != nil {
		return nil, err
	}
	out := in[0].Clone()
	if dim != 0 {
		out[len(out)-1] = dim
	}
	return []Shape{out}, nil
}

func inferMatMul(_ *Node, in []Shape) ([]Shape, error) {
	if len(in) != 2 {
		return nil, fmt.Errorf("matmul takes two inputs")
	}
	a, b := in[0], in[1]
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("matmul inputs must be at least rank 2, got %s and %s", a, b)
	}
	ka, kb := a[len(a)-1], b[len(b)-2]
	if ka != Dynamic && kb != Dynamic && ka != kb {
		return nil, fmt.Errorf("matmul inner dimensions differ: %s x %s", a, b)
	}
	batch, err := Broadcast(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, err
	}
	// Each operand is walked with a single batch stride, so it either spans
	// the whole batch or has none.
	if n := batch.Elements(); n != Dynamic {
		for _, s := range []Shape{a[:len(a)-2], b[:len(b)-2]} {
			if m := s.Elements(); m != Dynamic && m != 1 && m != n {
				return nil, fmt.Errorf("matmul batches of %s and %s cannot be paired", a, b)
			}
		}
	}
	out := append(batch, a[len(a)-2], b[len(b)-1])
	return []Shape{out}, nil
}

func inferRankNormalization(n *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("missing input shape")
	}
	prepend, err := n.Attrs.Int(AttrPrepend, 0)
	if err != nil {
		return nil, err
	}
	appendN, err := n.Attrs.Int(AttrAppend, 0)
	if err != nil {
		return nil, err
	}
	if prepend < 0 || appendN < 0 {
		return nil, fmt.Errorf("negative rank padding")
	}
	out := make(Shape, 0, int(prepend)+len(in[0])+int(appendN))
	for i := int64(0); i < prepend; i++ {
		out = append(out, 1)
	}
	out = append(out, in[0]...)
	for i := int64(0); i < appendN; i++ {
		out = append(out, 1)
	}
	return []Shape{out}, nil
}

func inferReshape(n *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("missing input shape")
	}
	target, err := n.Attrs.Shape(AttrShape)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("attribute %q is required", AttrShape)
	}
	src := in[0].Elements()
	dst := target.Elements()
	if src != Dynamic && dst != Dynamic && src != dst {
		return nil, fmt.Errorf("cannot reshape %s into %s", in[0], target)
	}
	// A single dynamic target dimension is solved from a static input.
	if src != Dynamic && dst == Dynamic {
		known := int64(1)
		unknown := -1
		for i, d := range target {
			if d == Dynamic {
				if unknown >= 0 {
					return []Shape{target.Clone()}, nil
				}
				unknown = i
				continue
			}
			known *= d
		}
		if known == 0 || src%known != 0 {
			return nil, fmt.Errorf("cannot reshape %s into %s", in[0], target)
		}
		out := target.Clone()
		out[unknown] = src / known
		return []Shape{out}, nil
	}
	return []Shape{target.Clone()}, nil
}

func inferReorder(n *Node, in []Shape) ([]Shape, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("missing input shape")
	}
	order, err := n.Attrs.Ints(AttrOrder)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return []Shape{in[0].Clone()}, nil
	}
	if len(order) != len(in[0]) {
		return nil, fmt.Errorf("order %v does not match rank of %s", order, in[0])
	}
	seen := make([]bool, len(order))
	out := make(Shape, len(order))
	for i, axis := range order {
		if axis < 0 || int(axis) >= len(order) || seen[axis] {
			return nil, fmt.Errorf("order %v is not a permutation", order)
		}
		seen[axis] = true
		out[i] = in[0][axis]
	}
	return []Shape{out}, nil
}
