package element

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Policy selects what happens when a narrowing conversion overflows the
// destination type.
type Policy uint8

const (
	// Truncation keeps the low bits of the source ("wrap-around"):
	// int32 129 -> int8 -127.
	Truncation Policy = iota
	// Saturation clamps to the representable range: int32 129 -> int8 127.
	Saturation
)

func (p Policy) String() string {
	switch p {
	case Truncation:
		return "truncation"
	case Saturation:
		return "saturation"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Step is one primitive lane conversion. Conversions between supported types
// are expressed as short chains of steps; code generators map each step to a
// single vector instruction and Convert evaluates the same chain in Go.
type Step uint8

const (
	StepMove Step = iota
	StepF16ToF32
	StepF32ToF16
	StepF32ToI32
	StepI32ToF32
	StepI32ToI16
	StepI32ToI16Sat
	StepI16ToI32
	StepF16ToI16
	StepI16ToF16
	StepI16ToByte
	StepI16ToI8Sat
	StepI16ToU8Sat
	StepI8ToI16
	StepU8ToI16
)

var stepNames = [...]string{
	StepMove:        "mov",
	StepF16ToF32:    "f16->f32",
	StepF32ToF16:    "f32->f16",
	StepF32ToI32:    "f32->i32",
	StepI32ToF32:    "i32->f32",
	StepI32ToI16:    "i32->i16",
	StepI32ToI16Sat: "i32->i16 sat",
	StepI16ToI32:    "i16->i32",
	StepF16ToI16:    "f16->i16",
	StepI16ToF16:    "i16->f16",
	StepI16ToByte:   "i16->byte",
	StepI16ToI8Sat:  "i16->i8 sat",
	StepI16ToU8Sat:  "i16->u8 sat",
	StepI8ToI16:     "i8->i16",
	StepU8ToI16:     "u8->i16",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

// Supported reports whether t can be the source or destination of a
// conversion chain.
func Supported(t Type) bool {
	switch t {
	case F32, I32, F16, I16, I8, U8:
		return true
	}
	return false
}

// UnsupportedPairError is returned by Steps and Convert for pairs outside the
// conversion matrix.
type UnsupportedPairError struct {
	From, To Type
}

func (e *UnsupportedPairError) Error() string {
	return fmt.Sprintf("element: conversion %s -> %s is not supported", e.From, e.To)
}

// Steps returns the chain of primitive steps converting from -> to under the
// given policy. An empty, non-nil chain never occurs: identical types (and
// byte to byte under truncation) yield a single StepMove.
func Steps(from, to Type, p Policy) ([]Step, error) {
	if !Supported(from) || !Supported(to) {
		return nil, &UnsupportedPairError{From: from, To: to}
	}
	sat := p == Saturation
	if from == to || (!sat && from.IsByte() && to.IsByte()) {
		return []Step{StepMove}, nil
	}

	widenByte := StepI8ToI16
	if from == U8 {
		widenByte = StepU8ToI16
	}
	narrow32 := StepI32ToI16
	if sat {
		narrow32 = StepI32ToI16Sat
	}
	narrowByte := StepI16ToByte
	if sat {
		narrowByte = StepI16ToI8Sat
		if to == U8 {
			narrowByte = StepI16ToU8Sat
		}
	}

	switch to {
	case F32:
		switch from {
		case I32:
			return []Step{StepI32ToF32}, nil
		case F16:
			return []Step{StepF16ToF32}, nil
		case I16:
			return []Step{StepI16ToI32, StepI32ToF32}, nil
		case I8, U8:
			return []Step{widenByte, StepI16ToI32, StepI32ToF32}, nil
		}
	case I32:
		switch from {
		case F32:
			return []Step{StepF32ToI32}, nil
		case F16:
			return []Step{StepF16ToF32, StepF32ToI32}, nil
		case I16:
			return []Step{StepI16ToI32}, nil
		case I8, U8:
			return []Step{widenByte, StepI16ToI32}, nil
		}
	case F16:
		switch from {
		case F32:
			return []Step{StepF32ToF16}, nil
		case I32:
			return []Step{StepI32ToF32, StepF32ToF16}, nil
		case I16:
			return []Step{StepI16ToF16}, nil
		case I8, U8:
			return []Step{widenByte, StepI16ToF16}, nil
		}
	case I16:
		switch from {
		case F32:
			return []Step{StepF32ToI32, narrow32}, nil
		case I32:
			return []Step{narrow32}, nil
		case F16:
			return []Step{StepF16ToI16}, nil
		case I8, U8:
			return []Step{widenByte}, nil
		}
	case I8, U8:
		switch from {
		case F32:
			return []Step{StepF32ToI32, narrow32, narrowByte}, nil
		case I32:
			return []Step{narrow32, narrowByte}, nil
		case F16:
			return []Step{StepF16ToI16, narrowByte}, nil
		case I16:
			return []Step{narrowByte}, nil
		case I8, U8:
			return []Step{widenByte, narrowByte}, nil
		}
	}
	return nil, &UnsupportedPairError{From: from, To: to}
}

// StepsAt is Steps for a given execution precision. At F16 the conversions
// between f32 and the 8 and 16 bit integers go through half precision:
// bytes widen to f16 exactly, and f32 sources are rounded to f16 before the
// integer conversion. Every other pair, and every other precision, uses the
// Steps chain.
func StepsAt(from, to Type, p Policy, exec Type) ([]Step, error) {
	steps, err := Steps(from, to, p)
	if err != nil || exec != F16 {
		return steps, err
	}
	switch {
	case to == F32 && from.IsByte():
		return []Step{steps[0], StepI16ToF16, StepF16ToF32}, nil
	case from == F32 && to == I16:
		return []Step{StepF32ToF16, StepF16ToI16}, nil
	case from == F32 && to.IsByte():
		return []Step{StepF32ToF16, StepF16ToI16, steps[len(steps)-1]}, nil
	}
	return steps, nil
}

// Convert converts one lane value, given as the raw bit pattern of from, into
// the raw bit pattern of to. It evaluates exactly the chain returned by Steps
// so its results match the generated vector code lane for lane.
func Convert(bits uint64, from, to Type, p Policy) (uint64, error) {
	return ConvertAt(bits, from, to, p, F32)
}

// ConvertAt is Convert evaluating the StepsAt chain.
func ConvertAt(bits uint64, from, to Type, p Policy, exec Type) (uint64, error) {
	steps, err := StepsAt(from, to, p, exec)
	if err != nil {
		return 0, err
	}
	v := bits & mask(from)
	for _, s := range steps {
		v = apply(s, v)
	}
	return v & mask(to), nil
}

func mask(t Type) uint64 {
	switch t.Size() {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	default:
		return math.MaxUint64
	}
}

func apply(s Step, v uint64) uint64 {
	switch s {
	case StepMove:
		return v
	case StepF16ToF32:
		return uint64(math.Float32bits(float16.Frombits(uint16(v)).Float32()))
	case StepF32ToF16:
		return uint64(float16.Fromfloat32(math.Float32frombits(uint32(v))).Bits())
	case StepF32ToI32:
		return uint64(uint32(floatToInt(float64(math.Float32frombits(uint32(v))), math.MinInt32, math.MaxInt32)))
	case StepI32ToF32:
		return uint64(math.Float32bits(float32(int32(uint32(v)))))
	case StepI32ToI16:
		return v & 0xFFFF
	case StepI32ToI16Sat:
		return uint64(uint16(clamp(int64(int32(uint32(v))), math.MinInt16, math.MaxInt16)))
	case StepI16ToI32:
		return uint64(uint32(int32(int16(uint16(v)))))
	case StepF16ToI16:
		f := float16.Frombits(uint16(v)).Float32()
		return uint64(uint16(floatToInt(float64(f), math.MinInt16, math.MaxInt16)))
	case StepI16ToF16:
		return uint64(float16.Fromfloat32(float32(int16(uint16(v)))).Bits())
	case StepI16ToByte:
		return v & 0xFF
	case StepI16ToI8Sat:
		return uint64(uint8(clamp(int64(int16(uint16(v))), math.MinInt8, math.MaxInt8)))
	case StepI16ToU8Sat:
		return uint64(uint8(clamp(int64(int16(uint16(v))), 0, math.MaxUint8)))
	case StepI8ToI16:
		return uint64(uint16(int16(int8(uint8(v)))))
	case StepU8ToI16:
		return v & 0xFF
	default:
		panic(fmt.Sprintf("element: unknown step %d", s))
	}
}

// floatToInt rounds toward zero, saturates at the bounds and maps NaN to 0,
// matching FCVTZS.
func floatToInt(f float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= float64(hi):
		return hi
	case f <= float64(lo):
		return lo
	}
	return int64(f)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IntBits encodes an integer value as a lane bit pattern of t.
func IntBits(t Type, v int64) uint64 {
	if t.IsReal() {
		return FloatBits(t, float64(v))
	}
	return uint64(v) & mask(t)
}

// FloatBits encodes a floating point value as a lane bit pattern of t.
func FloatBits(t Type, f float64) uint64 {
	switch t {
	case F32:
		return uint64(math.Float32bits(float32(f)))
	case F16:
		return uint64(float16.Fromfloat32(float32(f)).Bits())
	case F64:
		return math.Float64bits(f)
	default:
		return IntBits(t, int64(f))
	}
}

// AsInt decodes a lane bit pattern of an integer type, sign-extending signed
// types.
func AsInt(t Type, bits uint64) int64 {
	switch t {
	case I8:
		return int64(int8(uint8(bits)))
	case I16:
		return int64(int16(uint16(bits)))
	case I32:
		return int64(int32(uint32(bits)))
	case I64:
		return int64(bits)
	case F32, F16, F64:
		return int64(AsFloat(t, bits))
	default:
		return int64(bits & mask(t))
	}
}

// AsFloat decodes a lane bit pattern into a float64.
func AsFloat(t Type, bits uint64) float64 {
	switch t {
	case F32:
		return float64(math.Float32frombits(uint32(bits)))
	case F16:
		return float64(float16.Frombits(uint16(bits)).Float32())
	case F64:
		return math.Float64frombits(bits)
	default:
		return float64(AsInt(t, bits))
	}
}
