package snippets

import (
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Outputs of these operations are addresses, loop counters or handles and
// live in general purpose registers.
var gprOps = map[op.Type]bool{
	op.Parameter:         true,
	op.Result:            true,
	op.LoopBegin:         true,
	op.LoopEnd:           true,
	op.Brgemm:            true,
	op.Buffer:            true,
	op.RankNormalization: true,
	op.Reshape:           true,
	op.Reorder:           true,
	op.Store:             true,
}

// Outputs of these operations are lane data.
var vecOps = map[op.Type]bool{
	op.Add:      true,
	op.Subtract: true,
	op.Multiply: true,
	op.Divide:   true,
	op.Maximum:  true,
	op.Minimum:  true,

	op.Abs:      true,
	op.Negative: true,
	op.Relu:     true,
	op.Sqrt:     true,

	op.Equal:        true,
	op.NotEqual:     true,
	op.Greater:      true,
	op.GreaterEqual: true,
	op.Less:         true,
	op.LessEqual:    true,

	op.LogicalAnd: true,
	op.LogicalOr:  true,
	op.LogicalXor: true,
	op.LogicalNot: true,

	op.Load:              true,
	op.BroadcastLoad:     true,
	op.PRelu:             true,
	op.ConvertTruncation: true,
	op.ConvertSaturation: true,
	op.Select:            true,
	op.VectorBuffer:      true,
	op.BroadcastMove:     true,
	op.Scalar:            true,
	op.HorizonMax:        true,
	op.HorizonSum:        true,
	op.Fill:              true,
}

func init() {
	if op.DebugCaps {
		gprOps[op.PerfCountBegin] = true
		gprOps[op.PerfCountEnd] = true
	}
}

func defaultRegType(t op.Type) (lowered.RegType, bool) {
	switch {
	case gprOps[t]:
		return lowered.RegGPR, true
	case vecOps[t]:
		return lowered.RegVec, true
	}
	return lowered.RegUndefined, false
}
