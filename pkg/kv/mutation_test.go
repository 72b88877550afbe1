package kv

import (
	"testing"

	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationSetRoundTrip(t *testing.T) {
	set := MutationSet{
		Put{Key: Key("a"), Value: []byte("1")},
		RemoveRange{Range: Range{Start: Key("b"), End: Key("c")}},
		Adjust{Key: Key("counter"), Delta: -5},
		Put{Key: Key("d"), Value: []byte{}},
	}

	decoded, err := DecodeMutationSet(set.Encode())
	require.NoError(t, err)
	require.Len(t, decoded, len(set))
	assert.Equal(t, set, decoded)
}

func TestMutationSetEmpty(t *testing.T) {
	var set MutationSet
	decoded, err := DecodeMutationSet(set.Encode())
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestRemoveRangeUnboundedEnds(t *testing.T) {
	set := MutationSet{RemoveRange{Range: Range{Start: nil, End: nil}}}
	decoded, err := DecodeMutationSet(set.Encode())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	rr := decoded[0].(RemoveRange)
	assert.Nil(t, rr.Range.Start)
	assert.Nil(t, rr.Range.End)
}

func TestDecodeMutationSetRejectsUnknownTag(t *testing.T) {
	bad := append(codec.EncodeUint32(1), 0xEE)
	_, err := DecodeMutationSet(bad)
	assert.Error(t, err)
}

func TestCounterRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)} {
		enc := EncodeCounter(v)
		got, err := DecodeCounter(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestDecodeCounterRejectsWrongLength(t *testing.T) {
	_, err := DecodeCounter([]byte{1, 2, 3})
	assert.Error(t, err)
}
