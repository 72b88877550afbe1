package codec

import (
	"fmt"
	"math/big"
)

// Order-preserving variable-length signed 64-bit encoding.
//
// Byte layout (spec.md §4.1):
//
//	0x00            reserved, never a valid leading byte
//	0x01 .. 0x08     negative, multi-byte: n = 9-first further bytes follow
//	0x09 .. 0xF6     direct: value = first - 127, covering [-118, 119]
//	0xF7 .. 0xFE     positive, multi-byte: n = first-246 further bytes follow
//	0xFF            reserved, never a valid leading byte
//
// Multi-byte forms carry a big-endian unsigned offset U in the trailing n
// bytes. Bands are laid out so that increasing the byte count strictly
// extends the representable range further from the direct band on either
// side, which is what makes byte-wise lexicographic comparison of the
// encoded form equal numeric comparison of the decoded value.
const (
	directBias = 127
	directMin  = -118
	directMax  = 119
	maxBand    = 8
)

var (
	positiveBandOffset [maxBand + 1]*big.Int // positiveBandOffset[n] = smallest value encodable with n extra bytes
	negativeBandOffset [maxBand + 1]*big.Int // negativeBandOffset[n] = largest (closest to zero) value encodable with n extra bytes
	bandCapacity       [maxBand + 1]*big.Int // 256^n
)

func init() {
	acc := big.NewInt(directMax + 1) // 120
	for n := 1; n <= maxBand; n++ {
		bandCapacity[n] = new(big.Int).Lsh(big.NewInt(1), uint(8*n))
		positiveBandOffset[n] = new(big.Int).Set(acc)
		acc = new(big.Int).Add(acc, bandCapacity[n])
	}
	acc = big.NewInt(directMin - 1) // -119
	for n := 1; n <= maxBand; n++ {
		negativeBandOffset[n] = new(big.Int).Set(acc)
		acc = new(big.Int).Sub(acc, bandCapacity[n])
	}
}

// EncodeInt64 encodes v into 1-9 bytes such that lexicographic order on the
// result equals numeric order on v.
func EncodeInt64(v int64) []byte {
	if v >= directMin && v <= directMax {
		return []byte{byte(v + directBias)}
	}
	if v > directMax {
		bv := big.NewInt(v)
		for n := 1; n <= maxBand; n++ {
			top := new(big.Int).Add(positiveBandOffset[n], bandCapacity[n])
			if bv.Cmp(top) < 0 {
				u := new(big.Int).Sub(bv, positiveBandOffset[n])
				return encodeBand(byte(246+n), n, u)
			}
		}
		panic(fmt.Sprintf("codec: value %d out of representable range", v))
	}
	bv := big.NewInt(v)
	for n := 1; n <= maxBand; n++ {
		bottom := new(big.Int).Sub(negativeBandOffset[n], bandCapacity[n])
		if bv.Cmp(bottom) > 0 {
			u := new(big.Int).Sub(bv, bottom)
			u.Sub(u, big.NewInt(1))
			return encodeBand(byte(9-n), n, u)
		}
	}
	panic(fmt.Sprintf("codec: value %d out of representable range", v))
}

func encodeBand(first byte, n int, u *big.Int) []byte {
	out := make([]byte, 1+n)
	out[0] = first
	ub := u.Bytes()
	copy(out[1+n-len(ub):], ub)
	return out
}

// DecodeInt64 decodes a value encoded by EncodeInt64 from the front of b,
// returning the value and the number of bytes consumed.
func DecodeInt64(b []byte) (int64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("codec: empty buffer")
	}
	first := b[0]
	switch {
	case first == 0x00 || first == 0xFF:
		return 0, 0, fmt.Errorf("codec: invalid leading byte 0x%02x", first)
	case first >= 0x09 && first <= 0xF6:
		return int64(first) - directBias, 1, nil
	case first >= 0x01 && first <= 0x08:
		n := int(9 - first)
		u, err := readBand(b, n)
		if err != nil {
			return 0, 0, err
		}
		v := new(big.Int).Sub(negativeBandOffset[n], bandCapacity[n])
		v.Add(v, u).Add(v, big.NewInt(1))
		if !v.IsInt64() {
			return 0, 0, fmt.Errorf("codec: decoded value overflows int64")
		}
		return v.Int64(), 1 + n, nil
	default: // 0xF7..0xFE
		n := int(first) - 246
		u, err := readBand(b, n)
		if err != nil {
			return 0, 0, err
		}
		v := new(big.Int).Add(positiveBandOffset[n], u)
		if !v.IsInt64() {
			return 0, 0, fmt.Errorf("codec: decoded value overflows int64")
		}
		return v.Int64(), 1 + n, nil
	}
}

func readBand(b []byte, n int) (*big.Int, error) {
	if len(b) < 1+n {
		return nil, fmt.Errorf("codec: truncated buffer, need %d bytes have %d", 1+n, len(b))
	}
	return new(big.Int).SetBytes(b[1 : 1+n]), nil
}

// CompareEncoded compares two encoded buffers byte-wise; the sign of the
// result equals the sign of the difference of the decoded values.
func CompareEncoded(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
