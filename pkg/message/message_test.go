package message

import (
	"testing"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header() Header {
	return Header{ClusterID: 7, Sender: kv.Identity("node-a"), Recipient: kv.Identity("node-b"), Term: 42}
}

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	decoded, err := Decode(Encode(m))
	require.NoError(t, err)
	return decoded
}

func TestAppendRequestProbeRoundTrip(t *testing.T) {
	m := AppendRequest{
		Header:       header(),
		LeaderCommit: 10,
		PrevLogTerm:  3,
		PrevLogIndex: 9,
		LogEntryTerm: 0,
	}
	decoded := roundTrip(t, m).(AppendRequest)
	assert.Equal(t, m, decoded)
}

func TestAppendRequestWithEntryAndLeaseRoundTrip(t *testing.T) {
	lease := int64(150)
	mutations := kv.MutationSet{kv.Put{Key: kv.Key("a"), Value: []byte("v")}}
	addr := kv.Address("10.0.0.2:7420")
	m := AppendRequest{
		Header:             header(),
		LeaderTimestamp:    clock.Now(),
		LeaderLeaseTimeout: &lease,
		LeaderCommit:       11,
		PrevLogTerm:        3,
		PrevLogIndex:       10,
		LogEntryTerm:       4,
		Mutations:          &mutations,
		ConfigChange:       &kv.ConfigChange{Identity: "node-c", Address: &addr},
	}
	decoded := roundTrip(t, m).(AppendRequest)
	assert.Equal(t, m, decoded)
}

func TestAppendResponseRoundTrip(t *testing.T) {
	m := AppendResponse{Header: header(), LeaderTimestamp: clock.Now(), Success: true, MatchIndex: 5, LastLogIndex: 5}
	decoded := roundTrip(t, m).(AppendResponse)
	assert.Equal(t, m, decoded)
}

func TestCommitRequestReadOnlyRoundTrip(t *testing.T) {
	m := CommitRequest{
		Header:    header(),
		TxId:      "tx-1",
		BaseTerm:  2,
		BaseIndex: 8,
		Reads:     []kv.Range{{Start: kv.Key("a"), End: kv.Key("z")}},
	}
	decoded := roundTrip(t, m).(CommitRequest)
	assert.Equal(t, m, decoded)
	assert.Nil(t, decoded.Mutations)
}

func TestCommitRequestWriteRoundTrip(t *testing.T) {
	mutations := kv.MutationSet{kv.Adjust{Key: kv.Key("counter"), Delta: 3}}
	m := CommitRequest{
		Header:    header(),
		TxId:      "tx-2",
		BaseTerm:  2,
		BaseIndex: 8,
		Mutations: &mutations,
	}
	decoded := roundTrip(t, m).(CommitRequest)
	assert.Equal(t, m, decoded)
}

func TestCommitResponseRoundTrip(t *testing.T) {
	lease := clock.Now()
	m := CommitResponse{
		Header:             header(),
		TxId:               "tx-3",
		Success:            true,
		CommitTerm:         2,
		CommitIndex:        9,
		LeaderLeaseTimeout: &lease,
	}
	decoded := roundTrip(t, m).(CommitResponse)
	assert.Equal(t, m, decoded)
}

func TestCommitResponseFailureRoundTrip(t *testing.T) {
	m := CommitResponse{Header: header(), TxId: "tx-4", Success: false, Error: "conflicting transaction"}
	decoded := roundTrip(t, m).(CommitResponse)
	assert.Equal(t, m, decoded)
}

func TestRequestVoteRoundTrip(t *testing.T) {
	m := RequestVote{Header: header(), LastLogTerm: 5, LastLogIndex: 20}
	decoded := roundTrip(t, m).(RequestVote)
	assert.Equal(t, m, decoded)
}

func TestGrantVoteRoundTrip(t *testing.T) {
	m := GrantVote{Header: header()}
	decoded := roundTrip(t, m).(GrantVote)
	assert.Equal(t, m, decoded)
}

func TestInstallSnapshotRoundTrip(t *testing.T) {
	m := InstallSnapshot{
		Header:        header(),
		SnapshotTerm:  6,
		SnapshotIndex: 100,
		PairIndex:     0,
		SnapshotConfig: []ConfigEntry{
			{Identity: "node-a", Address: "10.0.0.1:7420"},
			{Identity: "node-b", Address: "10.0.0.2:7420"},
		},
		Data:      []byte{0x01, 0x02, 0x03},
		LastChunk: false,
	}
	decoded := roundTrip(t, m).(InstallSnapshot)
	assert.Equal(t, m, decoded)
}

func TestPingRoundTrip(t *testing.T) {
	now := clock.Now()
	req := PingRequest{Header: header(), Timestamp: now}
	decodedReq := roundTrip(t, req).(PingRequest)
	assert.Equal(t, req, decodedReq)

	resp := PingResponse{Header: header(), Timestamp: now}
	decodedResp := roundTrip(t, resp).(PingResponse)
	assert.Equal(t, resp, decodedResp)
}

func TestDecodeRejectsBadProtocolVersion(t *testing.T) {
	frame := Encode(GrantVote{Header: header()})
	frame[0] = 0xFF
	_, err := Decode(frame)
	assert.Error(t, err)
}

func TestDecodeRejectsZeroClusterID(t *testing.T) {
	h := header()
	h.ClusterID = 0
	_, err := Decode(Encode(GrantVote{Header: h}))
	assert.Error(t, err)
}

func TestStringEncodingRoundTripsEmbeddedNUL(t *testing.T) {
	s := "a\x00b"
	enc := encodeString(s)
	decoded, used, err := decodeString(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), used)
	assert.Equal(t, s, decoded)
}
