package dtype

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-abs/internal/device"
	"github.com/23skdu/longbow-abs/internal/simd"
)

// Kernel is the compute routine for one element type.
type Kernel struct {
	Type  DataType
	Width int
	// Abs writes |src[i]| to dst[i] for every element. Both slices hold whole
	// elements and have equal length; they may be the same slice.
	Abs func(dst, src []byte)
}

var registry = map[DataType]func(dst, src []byte){
	Half:     absHalf,
	BFloat16: func(dst, src []byte) { simd.ClearSignBits(dst, src, 2) },
	Float:    func(dst, src []byte) { simd.ClearSignBits(dst, src, 4) },
	Double:   func(dst, src []byte) { simd.ClearSignBits(dst, src, 8) },
	Int8:     simd.AbsInt8,
	Int16:    simd.AbsInt16,
	Int32:    simd.AbsInt32,
	Int64:    simd.AbsInt64,
	Uint8:    simd.Copy,
	Uint16:   simd.Copy,
	Uint32:   simd.Copy,
	Uint64:   simd.Copy,
}

// Lookup returns the abs kernel for dt, or ErrUnsupportedType.
func Lookup(dt DataType) (Kernel, error) {
	fn, ok := registry[dt]
	if !ok {
		return Kernel{}, fmt.Errorf("%w: abs has no routine for %s", device.ErrUnsupportedType, dt)
	}
	width := dt.Size()
	return Kernel{
		Type:  dt,
		Width: width,
		Abs: func(dst, src []byte) {
			if len(dst) != len(src) || len(src)%width != 0 {
				panic(fmt.Sprintf("dtype: %s abs over %d/%d bytes", dt, len(dst), len(src)))
			}
			fn(dst, src)
		},
	}, nil
}

// Supported lists every type with an abs routine, in tag order.
func Supported() []DataType {
	var out []DataType
	for dt := Invalid; dt <= ComplexFloat; dt++ {
		if _, ok := registry[dt]; ok {
			out = append(out, dt)
		}
	}
	return out
}

func absHalf(dst, src []byte) {
	for i := 0; i+2 <= len(src); i += 2 {
		h := float16.Frombits(binary.LittleEndian.Uint16(src[i:]))
		binary.LittleEndian.PutUint16(dst[i:], AbsHalf(h).Bits())
	}
}

// AbsHalf clears the sign of a binary16 value.
func AbsHalf(x float16.Float16) float16.Float16 {
	return float16.Frombits(x.Bits() &^ 0x8000)
}
