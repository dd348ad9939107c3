// Package op defines the operation identities that appear in a lowered
// snippet, their categories and their shape inference rules.
package op

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/snippets/internal/element"
)

// Type is the identity of an operation kind. Target packages may register
// their own types, conventionally prefixed with the target name.
type Type string

// Category groups operation types the way register-class policy and
// emitters reason about them.
type Category uint16

const (
	CategoryBoundary Category = 1 << iota
	CategoryLoop
	CategoryMemory
	CategoryLayout
	CategoryUnaryArithmetic
	CategoryBinaryArithmetic
	CategoryComparison
	CategoryLogical
	CategoryVector
	CategoryDebug
	CategoryKernel
	CategoryTarget
)

func (c Category) Has(other Category) bool { return c&other != 0 }

// InferFunc computes output shapes from input shapes.
type InferFunc func(n *Node, in []Shape) ([]Shape, error)

// Info describes a registered operation type.
type Info struct {
	Type     Type
	Category Category
	// Inputs is the exact input count, or -1 for variadic.
	Inputs int
	// Outputs is the output count.
	Outputs int
	Infer   InferFunc
}

var (
	registryMu sync.RWMutex
	registry   = map[Type]Info{}
)

// Register adds an operation type. Registering the same type twice panics.
func Register(info Info) {
	if info.Type == "" {
		panic("op: Register with empty type")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[info.Type]; exists {
		panic(fmt.Sprintf("op: type %s already registered", info.Type))
	}
	registry[info.Type] = info
}

func Lookup(t Type) (Info, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := registry[t]
	return info, ok
}

// Types lists every registered type in name order.
func Types() []Type {
	registryMu.RLock()
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	registryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Node is one abstract operation instance. Output element types are fixed
// when the node is built; shapes live on the lowered port descriptors.
type Node struct {
	Type    Type
	Name    string
	Outputs []element.Type
	Attrs   Attrs
}

// New builds a node with the given output element types.
func New(t Type, name string, outputs ...element.Type) *Node {
	return &Node{Type: t, Name: name, Outputs: outputs, Attrs: Attrs{}}
}

// With sets an attribute and returns the node for chaining.
func (n *Node) With(key string, value any) *Node {
	if n.Attrs == nil {
		n.Attrs = Attrs{}
	}
	n.Attrs[key] = value
	return n
}

func (n *Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%s(%s)", n.Type, n.Name)
	}
	return string(n.Type)
}

func (n *Node) Info() (Info, error) {
	info, ok := Lookup(n.Type)
	if !ok {
		return Info{}, fmt.Errorf("op: unknown operation type %s", n.Type)
	}
	return info, nil
}

// Validate checks the input count and output arity against the registry.
func (n *Node) Validate(inputs int) error {
	info, err := n.Info()
	if err != nil {
		return err
	}
	if info.Inputs >= 0 && inputs != info.Inputs {
		return fmt.Errorf("op: %s takes %d inputs, got %d", n, info.Inputs, inputs)
	}
	if len(n.Outputs) != info.Outputs {
		return fmt.Errorf("op: %s has %d outputs, got %d element types", n, info.Outputs, len(n.Outputs))
	}
	return nil
}

// InferShapes runs the registered inference rule.
func (n *Node) InferShapes(in []Shape) ([]Shape, error) {
	info, err := n.Info()
	if err != nil {
		return nil, err
	}
	if info.Infer == nil {
		return nil, fmt.Errorf("op: %s has no shape inference", n)
	}
	out, err := info.Infer(n, in)
	if err != nil {
		return nil, fmt.Errorf("op: infer %s: %w", n, err)
	}
	return out, nil
}

// Output references one output of a node.
type Output struct {
	Node  *Node
	Index int
}

func (o Output) String() string {
	return fmt.Sprintf("%s:%d", o.Node, o.Index)
}
