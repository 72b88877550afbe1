package clientapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/txn"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	addr := kv.Address("10.0.0.2:7420")
	req := Request{
		Consistency:  txn.Linearizable,
		Rebasable:    true,
		HighPriority: true,
		TimeoutMs:    2500,
		ConfigChange: &kv.ConfigChange{Identity: "node-b", Address: &addr},
		Ops: []clientOp{
			{Tag: opGet, Key: kv.Key("a")},
			{Tag: opPut, Key: kv.Key("b"), Value: []byte("v")},
			{Tag: opGetRange, Key: kv.Key("a"), RangeEnd: kv.Key("z")},
			{Tag: opAdjustCounter, Key: kv.Key("c"), Delta: -7},
		},
	}

	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req.Consistency, decoded.Consistency)
	assert.True(t, decoded.Rebasable)
	assert.True(t, decoded.HighPriority)
	assert.False(t, decoded.ReadOnly)
	assert.Equal(t, 2500, decoded.TimeoutMs)
	require.NotNil(t, decoded.ConfigChange)
	assert.Equal(t, kv.Identity("node-b"), decoded.ConfigChange.Identity)
	require.Len(t, decoded.Ops, 4)
	assert.Equal(t, opAdjustCounter, decoded.Ops[3].Tag)
	assert.Equal(t, int64(-7), decoded.Ops[3].Delta)
}

func TestRequestEncodeDecodeNoConfigChange(t *testing.T) {
	req := Request{Consistency: txn.Eventual, ReadOnly: true}
	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	assert.Nil(t, decoded.ConfigChange)
	assert.True(t, decoded.ReadOnly)
	assert.Empty(t, decoded.Ops)
}

func TestResponseEncodeDecodeRoundTrip(t *testing.T) {
	resp := Response{
		Success:      true,
		CommitTerm:   3,
		CommitIndex:  42,
		LeaseTimeout: 1000,
		Results: []opResult{
			{Found: true, Key: kv.Key("a"), Value: []byte("1")},
			{Found: false, Key: kv.Key("missing")},
		},
	}

	decoded, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.Success)
	assert.Equal(t, int64(3), decoded.CommitTerm)
	assert.Equal(t, int64(42), decoded.CommitIndex)
	assert.Equal(t, uint32(1000), decoded.LeaseTimeout)
	require.Len(t, decoded.Results, 2)
	assert.Equal(t, []byte("1"), decoded.Results[0].Value)
	assert.False(t, decoded.Results[1].Found)
}

func TestResponseEncodeDecodeFailure(t *testing.T) {
	resp := Response{Error: "clientapi: commit rejected"}
	decoded, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	assert.False(t, decoded.Success)
	assert.Equal(t, resp.Error, decoded.Error)
}
