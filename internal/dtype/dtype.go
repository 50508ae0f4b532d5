// Package dtype maps runtime element-type tags to their byte width and to a
// monomorphic abs routine over little-endian element buffers.
package dtype

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-abs/internal/device"
)

// DataType is the runtime element type tag carried by a launch.
type DataType int

const (
	Invalid DataType = iota
	Half
	BFloat16
	Float
	Double
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool
	ComplexHalf
	ComplexFloat
)

// Size returns the element width in bytes, or 0 for Invalid.
func (dt DataType) Size() int {
	switch dt {
	case Int8, Uint8, Bool:
		return 1
	case Half, BFloat16, Int16, Uint16:
		return 2
	case Float, Int32, Uint32, ComplexHalf:
		return 4
	case Double, Int64, Uint64, ComplexFloat:
		return 8
	default:
		return 0
	}
}

func (dt DataType) String() string {
	switch dt {
	case Half:
		return "half"
	case BFloat16:
		return "bfloat16"
	case Float:
		return "float"
	case Double:
		return "double"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Bool:
		return "bool"
	case ComplexHalf:
		return "complex_half"
	case ComplexFloat:
		return "complex_float"
	default:
		return "invalid"
	}
}

var aliases = map[string]DataType{
	"half":          Half,
	"float16":       Half,
	"fp16":          Half,
	"bfloat16":      BFloat16,
	"bf16":          BFloat16,
	"float":         Float,
	"float32":       Float,
	"fp32":          Float,
	"double":        Double,
	"float64":       Double,
	"fp64":          Double,
	"int8":          Int8,
	"int16":         Int16,
	"int32":         Int32,
	"int64":         Int64,
	"uint8":         Uint8,
	"uint16":        Uint16,
	"uint32":        Uint32,
	"uint64":        Uint64,
	"bool":          Bool,
	"complex_half":  ComplexHalf,
	"complex_float": ComplexFloat,
}

// Parse resolves a type name such as "FP16" or "int32". Matching ignores case
// and surrounding whitespace.
func Parse(name string) (DataType, error) {
	// A Caser is stateful, so each call gets its own.
	key := cases.Fold().String(strings.TrimSpace(name))
	if dt, ok := aliases[key]; ok {
		return dt, nil
	}
	return Invalid, fmt.Errorf("%w: %q", device.ErrUnsupportedType, name)
}
