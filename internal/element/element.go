// Package element describes the lane element types flowing through snippet
// kernels and the exact numeric behavior of conversions between them.
package element

import (
	"fmt"
	"strings"
)

type Type uint8

const (
	Undefined Type = iota
	F32
	I32
	F16
	I16
	I8
	U8
	// The types below exist in lowered IRs but no emitter in this module
	// knows how to convert them.
	BF16
	F64
	I64
	U16
	U32
	Boolean
)

var typeNames = map[Type]string{
	Undefined: "undefined",
	F32:       "f32",
	I32:       "i32",
	F16:       "f16",
	I16:       "i16",
	I8:        "i8",
	U8:        "u8",
	BF16:      "bf16",
	F64:       "f64",
	I64:       "i64",
	U16:       "u16",
	U32:       "u32",
	Boolean:   "boolean",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("element(%d)", uint8(t))
}

// Parse maps a type name such as "f32" or "u8" back to its Type.
func Parse(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name && t != Undefined {
			return t, nil
		}
	}
	return Undefined, fmt.Errorf("element: unknown type %q", name)
}

// Size returns the width of one lane in bytes.
func (t Type) Size() int {
	switch t {
	case F64, I64:
		return 8
	case F32, I32, U32:
		return 4
	case F16, BF16, I16, U16:
		return 2
	case I8, U8, Boolean:
		return 1
	default:
		return 0
	}
}

func (t Type) IsReal() bool {
	return t == F32 || t == F16 || t == BF16 || t == F64
}

func (t Type) IsInteger() bool {
	switch t {
	case I32, I16, I8, U8, I64, U16, U32:
		return true
	}
	return false
}

func (t Type) IsSigned() bool {
	switch t {
	case U8, U16, U32, Boolean, Undefined:
		return false
	}
	return true
}

// IsByte reports whether t is one of the two 8-bit integer types.
func (t Type) IsByte() bool {
	return t == I8 || t == U8
}

// UnmarshalText lets Type appear directly in YAML and JSON documents.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
