package message

import (
	"fmt"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/cuemby/raftkv/pkg/kv"
)

// AppendRequest replicates (or probes for) one log entry. LogEntryTerm
// of 0 marks a probe carrying no entry; probes cap LeaderCommit at
// PrevLogIndex since the follower cannot yet know an entry exists there.
type AppendRequest struct {
	Header
	LeaderTimestamp    clock.Timestamp
	LeaderLeaseTimeout *int64 // signed offset in ms from LeaderTimestamp; nil if not granted
	LeaderCommit       int64
	PrevLogTerm        int64
	PrevLogIndex       int64
	LogEntryTerm       int64
	Mutations          *kv.MutationSet
	ConfigChange       *kv.ConfigChange
}

func (m AppendRequest) Type() Type        { return TypeAppendRequest }
func (m AppendRequest) GetHeader() Header { return m.Header }

func (m AppendRequest) encodeBody() []byte {
	out := codec.EncodeUint32(uint32(m.LeaderTimestamp))
	if m.LeaderLeaseTimeout != nil {
		out = append(out, encodeBool(true))
		out = append(out, codec.EncodeInt64(*m.LeaderLeaseTimeout)...)
	} else {
		out = append(out, encodeBool(false))
	}
	out = append(out, codec.EncodeInt64(m.LeaderCommit)...)
	out = append(out, codec.EncodeInt64(m.PrevLogTerm)...)
	out = append(out, codec.EncodeInt64(m.PrevLogIndex)...)
	out = append(out, codec.EncodeInt64(m.LogEntryTerm)...)
	if m.Mutations != nil {
		out = append(out, encodeBool(true))
		out = append(out, encodeBytes(m.Mutations.Encode())...)
	} else {
		out = append(out, encodeBool(false))
	}
	if m.ConfigChange != nil {
		out = append(out, encodeBool(true))
		out = append(out, m.ConfigChange.Encode()...)
	} else {
		out = append(out, encodeBool(false))
	}
	return out
}

func decodeAppendRequest(h Header, b []byte) (Message, error) {
	ts, u1, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	hasLease, u2, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u2:]
	var lease *int64
	if hasLease {
		v, u, err := codec.DecodeInt64(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		lease = &v
	}
	leaderCommit, u3, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u3:]
	prevLogTerm, u4, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u4:]
	prevLogIndex, u5, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u5:]
	logEntryTerm, u6, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u6:]
	hasMutations, u7, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u7:]
	var mutations *kv.MutationSet
	if hasMutations {
		raw, u, err := decodeBytes(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		set, err := kv.DecodeMutationSet(raw)
		if err != nil {
			return nil, err
		}
		mutations = &set
	}
	hasConfigChange, u8, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u8:]
	var cc *kv.ConfigChange
	if hasConfigChange {
		v, _, err := kv.DecodeConfigChange(b)
		if err != nil {
			return nil, err
		}
		cc = &v
	}
	return AppendRequest{
		Header:             h,
		LeaderTimestamp:    clock.Timestamp(ts),
		LeaderLeaseTimeout: lease,
		LeaderCommit:       leaderCommit,
		PrevLogTerm:        prevLogTerm,
		PrevLogIndex:       prevLogIndex,
		LogEntryTerm:       logEntryTerm,
		Mutations:          mutations,
		ConfigChange:       cc,
	}, nil
}

// AppendResponse answers an AppendRequest.
type AppendResponse struct {
	Header
	LeaderTimestamp clock.Timestamp
	Success         bool
	MatchIndex      int64
	LastLogIndex    int64
}

func (m AppendResponse) Type() Type        { return TypeAppendResponse }
func (m AppendResponse) GetHeader() Header { return m.Header }

func (m AppendResponse) encodeBody() []byte {
	out := codec.EncodeUint32(uint32(m.LeaderTimestamp))
	out = append(out, encodeBool(m.Success))
	out = append(out, codec.EncodeInt64(m.MatchIndex)...)
	out = append(out, codec.EncodeInt64(m.LastLogIndex)...)
	return out
}

func decodeAppendResponse(h Header, b []byte) (Message, error) {
	ts, u1, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	success, u2, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u2:]
	matchIndex, u3, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u3:]
	lastLogIndex, _, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	return AppendResponse{
		Header:          h,
		LeaderTimestamp: clock.Timestamp(ts),
		Success:         success,
		MatchIndex:      matchIndex,
		LastLogIndex:    lastLogIndex,
	}, nil
}

// CommitRequest asks the leader to commit a transaction — a client
// write submitted directly to the leader, or forwarded by a follower.
// A nil Mutations marks a read-only transaction.
type CommitRequest struct {
	Header
	TxId         string
	BaseTerm     int64
	BaseIndex    int64
	Reads        []kv.Range
	Mutations    *kv.MutationSet
	ConfigChange *kv.ConfigChange
}

func (m CommitRequest) Type() Type        { return TypeCommitRequest }
func (m CommitRequest) GetHeader() Header { return m.Header }

func (m CommitRequest) encodeBody() []byte {
	out := encodeString(m.TxId)
	out = append(out, codec.EncodeInt64(m.BaseTerm)...)
	out = append(out, codec.EncodeInt64(m.BaseIndex)...)
	if m.Reads != nil {
		out = append(out, encodeBool(true))
		out = append(out, codec.EncodeUint32(uint32(len(m.Reads)))...)
		for _, r := range m.Reads {
			out = append(out, encodeOptionalRangeKey(r.Start)...)
			out = append(out, encodeOptionalRangeKey(r.End)...)
		}
	} else {
		out = append(out, encodeBool(false))
	}
	if m.Mutations != nil {
		out = append(out, encodeBool(true))
		out = append(out, encodeBytes(m.Mutations.Encode())...)
	} else {
		out = append(out, encodeBool(false))
	}
	if m.ConfigChange != nil {
		out = append(out, encodeBool(true))
		out = append(out, m.ConfigChange.Encode()...)
	} else {
		out = append(out, encodeBool(false))
	}
	return out
}

func decodeCommitRequest(h Header, b []byte) (Message, error) {
	txId, u1, err := decodeString(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	baseTerm, u2, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u2:]
	baseIndex, u3, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u3:]
	hasReads, u4, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u4:]
	var reads []kv.Range
	if hasReads {
		n, u, err := codec.DecodeUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		reads = make([]kv.Range, 0, n)
		for i := uint32(0); i < n; i++ {
			start, us, err := decodeOptionalRangeKey(b)
			if err != nil {
				return nil, err
			}
			b = b[us:]
			end, ue, err := decodeOptionalRangeKey(b)
			if err != nil {
				return nil, err
			}
			b = b[ue:]
			reads = append(reads, kv.Range{Start: start, End: end})
		}
	}
	hasMutations, u5, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u5:]
	var mutations *kv.MutationSet
	if hasMutations {
		raw, u, err := decodeBytes(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		set, err := kv.DecodeMutationSet(raw)
		if err != nil {
			return nil, err
		}
		mutations = &set
	}
	hasConfigChange, u6, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u6:]
	var cc *kv.ConfigChange
	if hasConfigChange {
		v, _, err := kv.DecodeConfigChange(b)
		if err != nil {
			return nil, err
		}
		cc = &v
	}
	return CommitRequest{
		Header:       h,
		TxId:         txId,
		BaseTerm:     baseTerm,
		BaseIndex:    baseIndex,
		Reads:        reads,
		Mutations:    mutations,
		ConfigChange: cc,
	}, nil
}

// CommitResponse answers a CommitRequest. LeaderLeaseTimeout is present
// whenever the commit satisfied a LINEARIZABLE read and must be checked
// against the clock by the requester before treating the result as safe.
type CommitResponse struct {
	Header
	TxId               string
	Success            bool
	CommitTerm         int64
	CommitIndex        int64
	LeaderLeaseTimeout *clock.Timestamp
	Error              string
}

func (m CommitResponse) Type() Type        { return TypeCommitResponse }
func (m CommitResponse) GetHeader() Header { return m.Header }

func (m CommitResponse) encodeBody() []byte {
	out := encodeString(m.TxId)
	out = append(out, encodeBool(m.Success))
	out = append(out, codec.EncodeInt64(m.CommitTerm)...)
	out = append(out, codec.EncodeInt64(m.CommitIndex)...)
	if m.LeaderLeaseTimeout != nil {
		out = append(out, encodeBool(true))
		out = append(out, codec.EncodeUint32(uint32(*m.LeaderLeaseTimeout))...)
	} else {
		out = append(out, encodeBool(false))
	}
	out = append(out, encodeString(m.Error)...)
	return out
}

func decodeCommitResponse(h Header, b []byte) (Message, error) {
	txId, u1, err := decodeString(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	success, u2, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u2:]
	commitTerm, u3, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u3:]
	commitIndex, u4, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u4:]
	hasLease, u5, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	b = b[u5:]
	var lease *clock.Timestamp
	if hasLease {
		v, u, err := codec.DecodeUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		ts := clock.Timestamp(v)
		lease = &ts
	}
	errStr, _, err := decodeString(b)
	if err != nil {
		return nil, err
	}
	return CommitResponse{
		Header:             h,
		TxId:               txId,
		Success:            success,
		CommitTerm:         commitTerm,
		CommitIndex:        commitIndex,
		LeaderLeaseTimeout: lease,
		Error:              errStr,
	}, nil
}

// RequestVote is a candidate's solicitation for a vote.
type RequestVote struct {
	Header
	LastLogTerm  int64
	LastLogIndex int64
}

func (m RequestVote) Type() Type        { return TypeRequestVote }
func (m RequestVote) GetHeader() Header { return m.Header }

func (m RequestVote) encodeBody() []byte {
	out := codec.EncodeInt64(m.LastLogTerm)
	out = append(out, codec.EncodeInt64(m.LastLogIndex)...)
	return out
}

func decodeRequestVote(h Header, b []byte) (Message, error) {
	lastLogTerm, u1, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	lastLogIndex, _, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	return RequestVote{Header: h, LastLogTerm: lastLogTerm, LastLogIndex: lastLogIndex}, nil
}

// GrantVote carries no body beyond the shared header: the header's Term
// identifies which election the vote belongs to.
type GrantVote struct {
	Header
}

func (m GrantVote) Type() Type          { return TypeGrantVote }
func (m GrantVote) GetHeader() Header   { return m.Header }
func (m GrantVote) encodeBody() []byte  { return nil }
func decodeGrantVote(h Header, _ []byte) (Message, error) {
	return GrantVote{Header: h}, nil
}

// InstallSnapshot carries one chunk of a state machine snapshot. PairIndex
// is a strictly increasing chunk sequence number; 0 marks the first chunk,
// which tells the follower to begin writing into its inactive flip-flop
// prefix. Data holds prefix-compressed key/value pairs.
type InstallSnapshot struct {
	Header
	SnapshotTerm   int64
	SnapshotIndex  int64
	PairIndex      int64
	SnapshotConfig []ConfigEntry
	Data           []byte
	LastChunk      bool
}

// ConfigEntry is one member of the configuration embedded in a snapshot.
type ConfigEntry struct {
	Identity kv.Identity
	Address  kv.Address
}

func (m InstallSnapshot) Type() Type        { return TypeInstallSnapshot }
func (m InstallSnapshot) GetHeader() Header { return m.Header }

func (m InstallSnapshot) encodeBody() []byte {
	out := codec.EncodeInt64(m.SnapshotTerm)
	out = append(out, codec.EncodeInt64(m.SnapshotIndex)...)
	out = append(out, codec.EncodeInt64(m.PairIndex)...)
	out = append(out, codec.EncodeUint32(uint32(len(m.SnapshotConfig)))...)
	for _, e := range m.SnapshotConfig {
		out = append(out, encodeString(string(e.Identity))...)
		out = append(out, encodeString(string(e.Address))...)
	}
	out = append(out, encodeBytes(m.Data)...)
	out = append(out, encodeBool(m.LastChunk))
	return out
}

func decodeInstallSnapshot(h Header, b []byte) (Message, error) {
	snapshotTerm, u1, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u1:]
	snapshotIndex, u2, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u2:]
	pairIndex, u3, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, err
	}
	b = b[u3:]
	n, u4, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[u4:]
	config := make([]ConfigEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		id, ui, err := decodeString(b)
		if err != nil {
			return nil, err
		}
		b = b[ui:]
		addr, ua, err := decodeString(b)
		if err != nil {
			return nil, err
		}
		b = b[ua:]
		config = append(config, ConfigEntry{Identity: kv.Identity(id), Address: kv.Address(addr)})
	}
	data, u5, err := decodeBytes(b)
	if err != nil {
		return nil, err
	}
	b = b[u5:]
	lastChunk, _, err := decodeBool(b)
	if err != nil {
		return nil, err
	}
	return InstallSnapshot{
		Header:         h,
		SnapshotTerm:   snapshotTerm,
		SnapshotIndex:  snapshotIndex,
		PairIndex:      pairIndex,
		SnapshotConfig: config,
		Data:           data,
		LastChunk:      lastChunk,
	}, nil
}

// PingRequest and PingResponse implement follower probing ahead of an
// election, so a peer that cannot reach a majority never disrupts a
// functioning leader by starting a pointless election.
type PingRequest struct {
	Header
	Timestamp clock.Timestamp
}

func (m PingRequest) Type() Type        { return TypePingRequest }
func (m PingRequest) GetHeader() Header { return m.Header }
func (m PingRequest) encodeBody() []byte {
	return codec.EncodeUint32(uint32(m.Timestamp))
}

func decodePingRequest(h Header, b []byte) (Message, error) {
	ts, _, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	return PingRequest{Header: h, Timestamp: clock.Timestamp(ts)}, nil
}

type PingResponse struct {
	Header
	Timestamp clock.Timestamp
}

func (m PingResponse) Type() Type        { return TypePingResponse }
func (m PingResponse) GetHeader() Header { return m.Header }
func (m PingResponse) encodeBody() []byte {
	return codec.EncodeUint32(uint32(m.Timestamp))
}

func decodePingResponse(h Header, b []byte) (Message, error) {
	ts, _, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	return PingResponse{Header: h, Timestamp: clock.Timestamp(ts)}, nil
}

func encodeOptionalRangeKey(k kv.Key) []byte {
	if k == nil {
		return codec.EncodeUint32(0)
	}
	out := codec.EncodeUint32(uint32(len(k) + 1))
	out = append(out, k...)
	return out
}

func decodeOptionalRangeKey(b []byte) (kv.Key, int, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, used, nil
	}
	klen := int(n) - 1
	if len(b) < used+klen {
		return nil, 0, fmt.Errorf("message: truncated range key")
	}
	k := make(kv.Key, klen)
	copy(k, b[used:used+klen])
	return k, used + klen, nil
}
