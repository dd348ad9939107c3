// Package snippetfile reads and writes YAML descriptions of a lowered IR.
//
// A file lists operations in IR order. Each operation names its type, the
// element type of every output and the outputs it consumes:
//
//	version: 1
//	name: add
//	ops:
//	  - {id: a, op: Parameter, out: [f32], attrs: {shape: ["?"]}}
//	  - {id: b, op: Parameter, out: [f32], attrs: {shape: ["?"]}}
//	  - {id: loop, op: LoopBegin, out: [i64]}
//	  - {id: la, op: Load, in: [a], out: [f32]}
//	  - {id: lb, op: Load, in: [b], out: [f32]}
//	  - {id: sum, op: Add, in: [la, lb], out: [f32]}
//	  - {id: st, op: Store, in: [sum], out: [f32]}
//	  - {op: LoopEnd, in: [a, b, st, loop], attrs: {increment: 4}}
//	  - {op: Result, in: [st]}
//	bind: [[12], [12]]
//
// An input is "id" for the first output of id or "id:n" for output n. The
// string "?" stands for a dynamic value wherever an integer is expected.
package snippetfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

const (
	Extension   = ".snippet.yaml"
	dynamicMark = "?"
)

type File struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Ops []Op `yaml:"ops"`

	// Bind optionally lists concrete parameter shapes, in Parameter order,
	// used to resolve a dynamic kernel after compilation.
	Bind [][]int64 `yaml:"bind,omitempty"`
}

type Op struct {
	ID    string         `yaml:"id,omitempty"`
	Type  string         `yaml:"op"`
	Name  string         `yaml:"name,omitempty"`
	In    []string       `yaml:"in,omitempty,flow"`
	Out   []string       `yaml:"out,omitempty,flow"`
	Attrs map[string]any `yaml:"attrs,omitempty"`
}

func (f *File) normalize() {
	if f.Version == 0 {
		f.Version = 1
	}
	for i := range f.Ops {
		if f.Ops[i].ID == "" {
			f.Ops[i].ID = strconv.Itoa(i)
		}
	}
}

// Parse decodes a description. name is used when the document has none.
func Parse(data []byte, name string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("snippetfile: parse %s: %w", name, err)
	}
	if f.Version > 1 {
		return nil, fmt.Errorf("snippetfile: %s: unsupported version %d", name, f.Version)
	}
	if f.Name == "" {
		f.Name = name
	}
	f.normalize()
	return &f, nil
}

// Load reads a description from disk; the file name without Extension is
// the default kernel name.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snippetfile: read %s: %w", path, err)
	}
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, Extension)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return Parse(data, name)
}

// Write encodes f with two-space indentation.
func Write(w io.Writer, f *File) error {
	f.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("snippetfile: encode %s: %w", f.Name, err)
	}
	return enc.Close()
}

// Build assembles the described IR. Reference and type errors are reported
// as errs.ErrInvalidIR.
func (f *File) Build() (*lowered.LinearIR, error) {
	b := lowered.NewBuilder()
	byID := make(map[string]*lowered.Expression, len(f.Ops))
	for i, o := range f.Ops {
		node, err := o.node()
		if err != nil {
			return nil, fmt.Errorf("snippetfile: %s: op %d (%s): %w", f.Name, i, o.ID, err)
		}
		inputs := make([]*lowered.PortConnector, len(o.In))
		for j, ref := range o.In {
			if inputs[j], err = resolve(byID, ref); err != nil {
				return nil, fmt.Errorf("snippetfile: %s: op %d (%s) input %d: %w", f.Name, i, o.ID, j, err)
			}
		}
		if _, dup := byID[o.ID]; dup {
			return nil, errs.New(errs.ErrInvalidIR, node.String(), "%s: duplicate id %q", f.Name, o.ID)
		}
		byID[o.ID] = b.Add(node, inputs...)
	}
	lir, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("snippetfile: %s: %w", f.Name, err)
	}
	return lir, nil
}

// InputShapes returns Bind as shapes, or nil when the file binds nothing.
func (f *File) InputShapes() ([]op.Shape, error) {
	if len(f.Bind) == 0 {
		return nil, nil
	}
	out := make([]op.Shape, len(f.Bind))
	for i, dims := range f.Bind {
		s := op.Shape(append([]int64(nil), dims...))
		if !s.IsStatic() {
			return nil, fmt.Errorf("snippetfile: %s: bound shape %d %s is not static", f.Name, i, s)
		}
		out[i] = s
	}
	return out, nil
}

func (o Op) node() (*op.Node, error) {
	typ := op.Type(o.Type)
	if _, ok := op.Lookup(typ); !ok {
		return nil, errs.New(errs.ErrInvalidIR, o.Type, "unknown operation")
	}
	outs := make([]element.Type, len(o.Out))
	for i, name := range o.Out {
		t, err := element.Parse(name)
		if err != nil {
			return nil, &errs.Error{Kind: errs.ErrInvalidIR, Op: o.Type, Detail: err.Error()}
		}
		outs[i] = t
	}
	n := op.New(typ, o.Name, outs...)
	for k, v := range o.Attrs {
		n.With(k, attrValue(v))
	}
	return n, nil
}

// attrValue replaces dynamic marks with op.Dynamic.
func attrValue(v any) any {
	switch x := v.(type) {
	case string:
		if x == dynamicMark {
			return op.Dynamic
		}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = attrValue(item)
		}
		return out
	}
	return v
}

func resolve(byID map[string]*lowered.Expression, ref string) (*lowered.PortConnector, error) {
	id, port := ref, 0
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		n, err := strconv.Atoi(ref[i+1:])
		if err != nil {
			return nil, errs.New(errs.ErrInvalidIR, "", "bad port in reference %q", ref)
		}
		id, port = ref[:i], n
	}
	expr, ok := byID[id]
	if !ok {
		return nil, errs.New(errs.ErrInvalidIR, "", "reference %q to an unknown or later op", ref)
	}
	if port < 0 || port >= len(expr.Outputs()) {
		return nil, errs.New(errs.ErrInvalidIR, expr.Node().String(), "reference %q: no output %d", ref, port)
	}
	return expr.Output(port), nil
}
