package op

import (
	"fmt"

	"github.com/tinyrange/snippets/internal/element"
)

// Attrs holds operation attributes. Values come either from Go code or from
// decoded YAML, so the accessors accept every numeric representation either
// source produces.
type Attrs map[string]any

func (a Attrs) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}

// Int returns an integer attribute or def when absent.
func (a Attrs) Int(key string, def int64) (int64, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("op: attribute %q is %T, want integer", key, v)
	}
	return n, nil
}

// Float returns a floating point attribute or def when absent.
func (a Attrs) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	if n, ok := toInt(v); ok {
		return float64(n), nil
	}
	return 0, fmt.Errorf("op: attribute %q is %T, want number", key, v)
}

// Ints returns an integer list attribute, nil when absent.
func (a Attrs) Ints(key string) ([]int64, error) {
	v, ok := a[key]
	if !ok {
		return nil, nil
	}
	switch x := v.(type) {
	case []int64:
		return append([]int64(nil), x...), nil
	case Shape:
		return append([]int64(nil), x...), nil
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out, nil
	case []any:
		out := make([]int64, len(x))
		for i, item := range x {
			n, ok := toInt(item)
			if !ok {
				return nil, fmt.Errorf("op: attribute %q[%d] is %T, want integer", key, i, item)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("op: attribute %q is %T, want integer list", key, v)
	}
}

// Shape returns a shape attribute, nil when absent.
func (a Attrs) Shape(key string) (Shape, error) {
	ints, err := a.Ints(key)
	if err != nil || ints == nil {
		return nil, err
	}
	return Shape(ints), nil
}

// Element returns an element type attribute or def when absent.
func (a Attrs) Element(key string, def element.Type) (element.Type, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case element.Type:
		return x, nil
	case string:
		return element.Parse(x)
	default:
		return element.Undefined, fmt.Errorf("op: attribute %q is %T, want element type", key, v)
	}
}

// Clone returns a shallow copy.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
