package codec

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInt64RoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 118, 119, 120, -118, -119, -120,
		math.MaxInt64, math.MinInt64, 1000, -1000,
		1 << 20, -(1 << 20), 1 << 40, -(1 << 40),
	}
	for _, v := range values {
		enc := EncodeInt64(v)
		require.NotEmpty(t, enc)
		require.LessOrEqual(t, len(enc), 9)
		got, n, err := DecodeInt64(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got)
	}
}

func TestEncodeInt64OrderPreserving(t *testing.T) {
	values := []int64{
		math.MinInt64, -(1 << 40), -(1 << 20), -1000, -120, -119, -118,
		-1, 0, 1, 118, 119, 120, 1000, 1 << 20, 1 << 40, math.MaxInt64,
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeInt64(v)
	}
	for i := 1; i < len(encoded); i++ {
		assert.Equal(t, -1, CompareEncoded(encoded[i-1], encoded[i]),
			"expected encode(%d) < encode(%d)", values[i-1], values[i])
	}
}

func TestEncodeInt64InvalidLeadingByte(t *testing.T) {
	_, _, err := DecodeInt64([]byte{0x00})
	assert.Error(t, err)
	_, _, err = DecodeInt64([]byte{0xFF})
	assert.Error(t, err)
}

func TestEncodeInt64Truncated(t *testing.T) {
	enc := EncodeInt64(math.MaxInt64)
	_, _, err := DecodeInt64(enc[:len(enc)-1])
	assert.Error(t, err)
}
