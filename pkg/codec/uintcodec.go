package codec

import "fmt"

// Order-preserving variable-length unsigned 32-bit encoding.
//
// Byte layout (spec.md §4.1):
//
//	0x00 .. 0xFA   direct: value = first byte, covering [0, 250]
//	0xFB .. 0xFE   multi-byte: n = first-0xFA further bytes carry an offset
//	               added to a per-band base so larger n always sorts after
//	               smaller n and after the direct range
//	0xFF           reserved, never a valid leading byte
const uintDirectMax = 0xFA

var uintBandBase [5]uint64 // uintBandBase[n], n=1..4
var uintBandCapacity [5]uint64

func init() {
	base := uint64(uintDirectMax + 1) // 251
	for n := 1; n <= 4; n++ {
		uintBandCapacity[n] = uint64(1) << uint(8*n)
		uintBandBase[n] = base
		base += uintBandCapacity[n]
	}
}

// EncodeUint32 encodes v into 1-5 bytes such that lexicographic order on
// the result equals numeric order on v.
func EncodeUint32(v uint32) []byte {
	uv := uint64(v)
	if uv <= uintDirectMax {
		return []byte{byte(uv)}
	}
	for n := 1; n <= 4; n++ {
		top := uintBandBase[n] + uintBandCapacity[n]
		if uv < top {
			offset := uv - uintBandBase[n]
			out := make([]byte, 1+n)
			out[0] = byte(0xFA + n)
			for i := n; i >= 1; i-- {
				out[i] = byte(offset)
				offset >>= 8
			}
			return out
		}
	}
	panic(fmt.Sprintf("codec: value %d out of representable range", v))
}

// DecodeUint32 decodes a value encoded by EncodeUint32 from the front of b,
// returning the value and the number of bytes consumed.
func DecodeUint32(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("codec: empty buffer")
	}
	first := b[0]
	if first == 0xFF {
		return 0, 0, fmt.Errorf("codec: invalid leading byte 0xff")
	}
	if first <= uintDirectMax {
		return uint32(first), 1, nil
	}
	n := int(first) - 0xFA
	if n < 1 || n > 4 {
		return 0, 0, fmt.Errorf("codec: invalid leading byte 0x%02x", first)
	}
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("codec: truncated buffer, need %d bytes have %d", 1+n, len(b))
	}
	var offset uint64
	for i := 1; i <= n; i++ {
		offset = offset<<8 | uint64(b[i])
	}
	v := uintBandBase[n] + offset
	if v > 0xFFFFFFFF {
		return 0, 0, fmt.Errorf("codec: decoded value overflows uint32")
	}
	return uint32(v), 1 + n, nil
}
