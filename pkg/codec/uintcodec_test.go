package codec

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUint32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 250, 251, 252, 1000, 1 << 16, 1<<31 - 1, 0xFFFFFFFF}
	for _, v := range values {
		enc := EncodeUint32(v)
		require.NotEmpty(t, enc)
		require.LessOrEqual(t, len(enc), 5)
		got, n, err := DecodeUint32(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, v, got)
	}
}

func TestEncodeUint32OrderPreserving(t *testing.T) {
	values := []uint32{0, 1, 200, 250, 251, 252, 1000, 1 << 16, 1 << 24, 1<<31 - 1}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeUint32(v)
	}
	for i := 1; i < len(encoded); i++ {
		assert.Equal(t, -1, CompareEncoded(encoded[i-1], encoded[i]),
			"expected encode(%d) < encode(%d)", values[i-1], values[i])
	}
}

func TestDecodeUint32InvalidLeadingByte(t *testing.T) {
	_, _, err := DecodeUint32([]byte{0xFF})
	assert.Error(t, err)
}
