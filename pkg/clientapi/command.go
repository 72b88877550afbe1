// Package clientapi is the client-facing transaction service (spec.md
// §6): a gRPC service distinct from the peer-to-peer wire protocol in
// pkg/message, carrying opaque payloads that wrap this repository's own
// codec-encoded transaction commands rather than a compiled .proto
// schema.
package clientapi

import (
	"fmt"

	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/txn"
)

// opTag identifies one buffered transaction operation on the wire. Its
// values are a separate numbering from the tag bytes kv.Mutation.encode
// writes into log entries.
type opTag byte

const (
	opGet opTag = iota + 1
	opGetAtLeast
	opGetAtMost
	opGetRange
	opPut
	opRemove
	opRemoveRange
	opAdjustCounter
	opWatchKey
)

// clientOp is one operation a Request buffers against a transaction, in
// the order the caller issued it. Only the fields relevant to Tag are
// populated.
type clientOp struct {
	Tag      opTag
	Key      kv.Key
	RangeEnd kv.Key
	Value    []byte
	Delta    int64
}

// Request is the decoded form of an Execute call's payload: the
// transaction's options, an optional configuration change, and the
// sequence of operations to apply before committing.
type Request struct {
	Consistency  txn.Consistency
	Rebasable    bool
	ReadOnly     bool
	// ReadOnlySet distinguishes "caller asked for ReadOnly=false" from
	// "caller never touched ReadOnly, keep the consistency level's own
	// default" — txn.New already sets it for every non-LINEARIZABLE
	// consistency, and Execute must not clobber that unless asked to.
	ReadOnlySet  bool
	HighPriority bool
	TimeoutMs    int
	ConfigChange *kv.ConfigChange
	Rollback     bool
	Ops          []clientOp
}

// opResult carries one read operation's outcome back to the caller, in
// the same order its clientOp appeared in the Request.
type opResult struct {
	Found bool
	Key   kv.Key
	Value []byte
}

// Response is the decoded form of an Execute call's result.
type Response struct {
	Success     bool
	Error       string
	CommitTerm  int64
	CommitIndex int64
	// LeaseTimeout is the leader's relative-clock lease deadline, if the
	// coordinator supplied one for a LINEARIZABLE read; zero otherwise.
	LeaseTimeout uint32
	Results      []opResult
}

func encodeBytes(b []byte) []byte {
	out := codec.EncodeUint32(uint32(len(b) + 1))
	return append(out, b...)
}

func decodeBytes(b []byte) ([]byte, int, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, used, nil
	}
	blen := int(n) - 1
	if len(b) < used+blen {
		return nil, 0, fmt.Errorf("clientapi: truncated buffer")
	}
	return b[used : used+blen], used + blen, nil
}

func encodeBool(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Encode serializes r for transmission inside a wrapperspb.BytesValue.
func (r Request) Encode() []byte {
	var out []byte
	out = append(out, byte(r.Consistency))
	flags := encodeBool(r.Rebasable) | encodeBool(r.ReadOnly)<<1 | encodeBool(r.HighPriority)<<2 | encodeBool(r.Rollback)<<3 | encodeBool(r.ReadOnlySet)<<4
	out = append(out, flags)
	out = append(out, codec.EncodeUint32(uint32(r.TimeoutMs))...)
	if r.ConfigChange == nil {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = append(out, r.ConfigChange.Encode()...)
	}
	out = append(out, codec.EncodeUint32(uint32(len(r.Ops)))...)
	for _, op := range r.Ops {
		out = append(out, byte(op.Tag))
		switch op.Tag {
		case opGet, opGetAtLeast, opGetAtMost, opRemove, opWatchKey:
			out = append(out, encodeBytes(op.Key)...)
		case opGetRange, opRemoveRange:
			out = append(out, encodeBytes(op.Key)...)
			out = append(out, encodeBytes(op.RangeEnd)...)
		case opPut:
			out = append(out, encodeBytes(op.Key)...)
			out = append(out, encodeBytes(op.Value)...)
		case opAdjustCounter:
			out = append(out, encodeBytes(op.Key)...)
			out = append(out, codec.EncodeInt64(op.Delta)...)
		}
	}
	return out
}

// DecodeRequest is the inverse of Request.Encode.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	if len(b) < 2 {
		return r, fmt.Errorf("clientapi: truncated request header")
	}
	r.Consistency = txn.Consistency(b[0])
	flags := b[1]
	r.Rebasable = flags&1 != 0
	r.ReadOnly = flags&2 != 0
	r.HighPriority = flags&4 != 0
	r.Rollback = flags&8 != 0
	r.ReadOnlySet = flags&16 != 0
	b = b[2:]

	timeout, used, err := codec.DecodeUint32(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding timeout: %w", err)
	}
	r.TimeoutMs = int(timeout)
	b = b[used:]

	if len(b) < 1 {
		return r, fmt.Errorf("clientapi: truncated config-change flag")
	}
	hasConfigChange := b[0]
	b = b[1:]
	if hasConfigChange != 0 {
		cc, n, err := kv.DecodeConfigChange(b)
		if err != nil {
			return r, fmt.Errorf("clientapi: decoding config change: %w", err)
		}
		r.ConfigChange = &cc
		b = b[n:]
	}

	opCount, used, err := codec.DecodeUint32(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding op count: %w", err)
	}
	b = b[used:]

	for i := uint32(0); i < opCount; i++ {
		if len(b) < 1 {
			return r, fmt.Errorf("clientapi: truncated op tag")
		}
		op := clientOp{Tag: opTag(b[0])}
		b = b[1:]
		switch op.Tag {
		case opGet, opGetAtLeast, opGetAtMost, opRemove, opWatchKey:
			key, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding op key: %w", err)
			}
			op.Key = key
			b = b[n:]
		case opGetRange, opRemoveRange:
			start, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding range start: %w", err)
			}
			b = b[n:]
			end, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding range end: %w", err)
			}
			op.Key, op.RangeEnd = start, end
			b = b[n:]
		case opPut:
			key, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding put key: %w", err)
			}
			b = b[n:]
			value, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding put value: %w", err)
			}
			op.Key, op.Value = key, value
			b = b[n:]
		case opAdjustCounter:
			key, n, err := decodeBytes(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding adjust key: %w", err)
			}
			b = b[n:]
			delta, n, err := codec.DecodeInt64(b)
			if err != nil {
				return r, fmt.Errorf("clientapi: decoding adjust delta: %w", err)
			}
			op.Key, op.Delta = key, delta
			b = b[n:]
		default:
			return r, fmt.Errorf("clientapi: unknown op tag 0x%02x", byte(op.Tag))
		}
		r.Ops = append(r.Ops, op)
	}
	return r, nil
}

// Encode serializes r for transmission inside a wrapperspb.BytesValue.
func (r Response) Encode() []byte {
	var out []byte
	out = append(out, encodeBool(r.Success))
	out = append(out, encodeBytes([]byte(r.Error))...)
	out = append(out, codec.EncodeInt64(r.CommitTerm)...)
	out = append(out, codec.EncodeInt64(r.CommitIndex)...)
	out = append(out, codec.EncodeUint32(r.LeaseTimeout)...)
	out = append(out, codec.EncodeUint32(uint32(len(r.Results)))...)
	for _, res := range r.Results {
		out = append(out, encodeBool(res.Found))
		out = append(out, encodeBytes(res.Key)...)
		out = append(out, encodeBytes(res.Value)...)
	}
	return out
}

// DecodeResponse is the inverse of Response.Encode.
func DecodeResponse(b []byte) (Response, error) {
	var r Response
	if len(b) < 1 {
		return r, fmt.Errorf("clientapi: truncated response")
	}
	r.Success = b[0] != 0
	b = b[1:]

	errMsg, n, err := decodeBytes(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding error message: %w", err)
	}
	r.Error = string(errMsg)
	b = b[n:]

	term, n, err := codec.DecodeInt64(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding commit term: %w", err)
	}
	r.CommitTerm = term
	b = b[n:]

	index, n, err := codec.DecodeInt64(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding commit index: %w", err)
	}
	r.CommitIndex = index
	b = b[n:]

	lease, n, err := codec.DecodeUint32(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding lease timeout: %w", err)
	}
	r.LeaseTimeout = lease
	b = b[n:]

	count, n, err := codec.DecodeUint32(b)
	if err != nil {
		return r, fmt.Errorf("clientapi: decoding result count: %w", err)
	}
	b = b[n:]

	for i := uint32(0); i < count; i++ {
		if len(b) < 1 {
			return r, fmt.Errorf("clientapi: truncated result")
		}
		found := b[0] != 0
		b = b[1:]
		key, n, err := decodeBytes(b)
		if err != nil {
			return r, fmt.Errorf("clientapi: decoding result key: %w", err)
		}
		b = b[n:]
		value, n, err := decodeBytes(b)
		if err != nil {
			return r, fmt.Errorf("clientapi: decoding result value: %w", err)
		}
		b = b[n:]
		r.Results = append(r.Results, opResult{Found: found, Key: key, Value: value})
	}
	return r, nil
}
