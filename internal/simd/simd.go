package simd

import "encoding/binary"

// Element-wise kernels over little-endian element buffers. dst and src must
// have the same length; they may be the same slice (in-place).

// ClearSignBits copies src to dst and clears the sign bit of every
// width-byte element. For IEEE floats this is abs: NaN payloads survive,
// -0 becomes +0 and -Inf becomes +Inf.
func ClearSignBits(dst, src []byte, width int) {
	if len(dst) == 0 {
		return
	}
	if &dst[0] != &src[0] {
		copy(dst, src)
	}
	// Sign bit lives in the most significant byte, which is last.
	top := width - 1
	step := width * 4
	i := 0
	// Unrolled loop for better pipelining
	for ; i <= len(dst)-step; i += step {
		dst[i+top] &^= 0x80
		dst[i+width+top] &^= 0x80
		dst[i+2*width+top] &^= 0x80
		dst[i+3*width+top] &^= 0x80
	}
	// Handle remainder
	for ; i < len(dst); i += width {
		dst[i+top] &^= 0x80
	}
}

// AbsInt8 computes |x| for two's-complement int8. -128 wraps to itself.
func AbsInt8(dst, src []byte) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = abs8(src[i])
		dst[i+1] = abs8(src[i+1])
		dst[i+2] = abs8(src[i+2])
		dst[i+3] = abs8(src[i+3])
	}
	for ; i < len(dst); i++ {
		dst[i] = abs8(src[i])
	}
}

// AbsInt16 computes |x| for little-endian int16. MinInt16 wraps to itself.
func AbsInt16(dst, src []byte) {
	for i := 0; i+2 <= len(dst); i += 2 {
		v := int16(binary.LittleEndian.Uint16(src[i:]))
		m := v >> 15
		binary.LittleEndian.PutUint16(dst[i:], uint16((v^m)-m))
	}
}

// AbsInt32 computes |x| for little-endian int32. MinInt32 wraps to itself.
func AbsInt32(dst, src []byte) {
	i := 0
	for ; i <= len(dst)-8; i += 8 {
		a := int32(binary.LittleEndian.Uint32(src[i:]))
		b := int32(binary.LittleEndian.Uint32(src[i+4:]))
		ma, mb := a>>31, b>>31
		binary.LittleEndian.PutUint32(dst[i:], uint32((a^ma)-ma))
		binary.LittleEndian.PutUint32(dst[i+4:], uint32((b^mb)-mb))
	}
	for ; i+4 <= len(dst); i += 4 {
		v := int32(binary.LittleEndian.Uint32(src[i:]))
		m := v >> 31
		binary.LittleEndian.PutUint32(dst[i:], uint32((v^m)-m))
	}
}

// AbsInt64 computes |x| for little-endian int64. MinInt64 wraps to itself.
func AbsInt64(dst, src []byte) {
	for i := 0; i+8 <= len(dst); i += 8 {
		v := int64(binary.LittleEndian.Uint64(src[i:]))
		m := v >> 63
		binary.LittleEndian.PutUint64(dst[i:], uint64((v^m)-m))
	}
}

// Copy is the identity kernel used for unsigned types.
func Copy(dst, src []byte) {
	if len(dst) > 0 && &dst[0] != &src[0] {
		copy(dst, src)
	}
}

func abs8(b byte) byte {
	v := int8(b)
	m := v >> 7
	return byte((v ^ m) - m)
}
