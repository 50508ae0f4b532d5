package dtype

import (
	"encoding/binary"
	"fmt"

	"github.com/23skdu/longbow-abs/internal/device"
)

// Number is any fixed-width element type a buffer can hold. float16.Float16
// satisfies it through its uint16 representation.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Bytes encodes vals as a little-endian element buffer.
func Bytes[T Number](vals []T) []byte {
	out, err := binary.Append(make([]byte, 0, binary.Size(vals)), binary.LittleEndian, vals)
	if err != nil {
		panic(fmt.Sprintf("dtype: encode %T: %v", vals, err))
	}
	return out
}

// Values decodes a little-endian element buffer. len(b) must be a multiple
// of the element width.
func Values[T Number](b []byte) ([]T, error) {
	var zero T
	width := binary.Size(zero)
	if len(b)%width != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte elements",
			device.ErrInvalidArgument, len(b), width)
	}
	out := make([]T, len(b)/width)
	if _, err := binary.Decode(b, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
