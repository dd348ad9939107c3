package op

import (
	"fmt"
	"strconv"
	"strings"
)

// Dynamic marks a dimension whose extent is only known at inference time.
const Dynamic int64 = -1

// Shape is a tensor shape in row-major order, outermost dimension first.
type Shape []int64

func (s Shape) IsStatic() bool {
	for _, d := range s {
		if d == Dynamic {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape(nil), s...)
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Dim returns the extent of the i-th dimension counted from the innermost
// one (0 is the last dimension). Missing leading dimensions are 1.
func (s Shape) Dim(fromInner int) int64 {
	idx := len(s) - 1 - fromInner
	if idx < 0 {
		return 1
	}
	return s[idx]
}

// Elements returns the number of elements, or Dynamic.
func (s Shape) Elements() int64 {
	n := int64(1)
	for _, d := range s {
		if d == Dynamic {
			return Dynamic
		}
		n *= d
	}
	return n
}

// InnerElements returns the product of the innermost n dimensions, or
// Dynamic.
func (s Shape) InnerElements(n int) int64 {
	total := int64(1)
	for i := 0; i < n; i++ {
		d := s.Dim(i)
		if d == Dynamic {
			return Dynamic
		}
		total *= d
	}
	return total
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d == Dynamic {
			parts[i] = "?"
		} else {
			parts[i] = strconv.FormatInt(d, 10)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Compatible reports whether concrete can be bound to s: same rank and equal
// static dimensions.
func (s Shape) Compatible(concrete Shape) bool {
	if len(s) != len(concrete) {
		return false
	}
	for i, d := range s {
		if d != Dynamic && d != concrete[i] {
			return false
		}
	}
	return true
}

// Broadcast applies numpy broadcasting to a and b. A dynamic dimension
// broadcast against 1 stays dynamic; against a static extent it takes that
// extent.
func Broadcast(a, b Shape) (Shape, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}
	out := make(Shape, rank)
	for i := 0; i < rank; i++ {
		da, db := a.Dim(i), b.Dim(i)
		var d int64
		switch {
		case da == db:
			d = da
		case da == 1:
			d = db
		case db == 1:
			d = da
		case da == Dynamic:
			d = db
		case db == Dynamic:
			d = da
		default:
			return nil, fmt.Errorf("op: shapes %s and %s are not broadcastable", a, b)
		}
		out[rank-1-i] = d
	}
	return out, nil
}
