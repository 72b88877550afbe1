// Package message defines the nine peer RPC messages and the
// length-prefixed binary wire format used to carry them (spec.md §4.4).
// Every message shares a common envelope — protocol version, message
// type, cluster id, sender/recipient identity, and term — followed by a
// type-specific body. Integers use the order-preserving codecs from
// pkg/codec (chosen for a single shared implementation, not because the
// wire format itself needs sort order), booleans are one byte, byte
// buffers are length-prefixed, and strings use a modified-UTF-8
// NUL-terminated encoding in the style of Java's DataOutput.writeUTF,
// which the Permazen-derived design this protocol is based on assumes.
package message

import (
	"fmt"

	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/cuemby/raftkv/pkg/kv"
)

// ProtocolVersion is the leading byte of every encoded message. Peers
// reject messages carrying a version they do not understand.
const ProtocolVersion byte = 1

// Type identifies which of the nine RPC messages a body decodes as.
type Type byte

const (
	TypeAppendRequest Type = iota + 1
	TypeAppendResponse
	TypeCommitRequest
	TypeCommitResponse
	TypeRequestVote
	TypeGrantVote
	TypeInstallSnapshot
	TypePingRequest
	TypePingResponse
)

func (t Type) String() string {
	switch t {
	case TypeAppendRequest:
		return "AppendRequest"
	case TypeAppendResponse:
		return "AppendResponse"
	case TypeCommitRequest:
		return "CommitRequest"
	case TypeCommitResponse:
		return "CommitResponse"
	case TypeRequestVote:
		return "RequestVote"
	case TypeGrantVote:
		return "GrantVote"
	case TypeInstallSnapshot:
		return "InstallSnapshot"
	case TypePingRequest:
		return "PingRequest"
	case TypePingResponse:
		return "PingResponse"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// Header carries the fields every message shares.
type Header struct {
	ClusterID uint32
	Sender    kv.Identity
	Recipient kv.Identity
	Term      int64
}

// Message is anything that can ride the wire protocol.
type Message interface {
	Type() Type
	GetHeader() Header
	encodeBody() []byte
}

// Encode serializes m as a complete wire frame: version, type, header,
// body, in that order.
func Encode(m Message) []byte {
	h := m.GetHeader()
	out := []byte{ProtocolVersion, byte(m.Type())}
	out = append(out, codec.EncodeUint32(h.ClusterID)...)
	out = append(out, encodeString(string(h.Sender))...)
	out = append(out, encodeString(string(h.Recipient))...)
	out = append(out, codec.EncodeInt64(h.Term)...)
	out = append(out, m.encodeBody()...)
	return out
}

// Decode parses a wire frame produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("message: frame too short")
	}
	if b[0] != ProtocolVersion {
		return nil, fmt.Errorf("message: unsupported protocol version %d", b[0])
	}
	typ := Type(b[1])
	b = b[2:]

	clusterID, u1, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, fmt.Errorf("message: cluster id: %w", err)
	}
	b = b[u1:]
	if clusterID == 0 {
		return nil, fmt.Errorf("message: clusterId 0 is invalid")
	}
	sender, u2, err := decodeString(b)
	if err != nil {
		return nil, fmt.Errorf("message: sender: %w", err)
	}
	b = b[u2:]
	recipient, u3, err := decodeString(b)
	if err != nil {
		return nil, fmt.Errorf("message: recipient: %w", err)
	}
	b = b[u3:]
	term, u4, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, fmt.Errorf("message: term: %w", err)
	}
	b = b[u4:]

	h := Header{ClusterID: clusterID, Sender: kv.Identity(sender), Recipient: kv.Identity(recipient), Term: term}

	switch typ {
	case TypeAppendRequest:
		return decodeAppendRequest(h, b)
	case TypeAppendResponse:
		return decodeAppendResponse(h, b)
	case TypeCommitRequest:
		return decodeCommitRequest(h, b)
	case TypeCommitResponse:
		return decodeCommitResponse(h, b)
	case TypeRequestVote:
		return decodeRequestVote(h, b)
	case TypeGrantVote:
		return decodeGrantVote(h, b)
	case TypeInstallSnapshot:
		return decodeInstallSnapshot(h, b)
	case TypePingRequest:
		return decodePingRequest(h, b)
	case TypePingResponse:
		return decodePingResponse(h, b)
	default:
		return nil, fmt.Errorf("message: unknown type %d", typ)
	}
}

// encodeString writes s using a modified-UTF-8 NUL-terminated encoding:
// embedded NUL bytes are re-encoded as the two-byte sequence 0xC0 0x80 so
// the terminator is unambiguous, then a single 0x00 terminates the
// string.
func encodeString(s string) []byte {
	out := make([]byte, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			out = append(out, 0xC0, 0x80)
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, 0x00)
	return out
}

// decodeString is the inverse of encodeString, returning the decoded
// string and the number of wire bytes consumed (including the
// terminator).
func decodeString(b []byte) (string, int, error) {
	out := make([]byte, 0, len(b))
	i := 0
	for {
		if i >= len(b) {
			return "", 0, fmt.Errorf("message: unterminated string")
		}
		c := b[i]
		if c == 0x00 {
			return string(out), i + 1, nil
		}
		if c == 0xC0 && i+1 < len(b) && b[i+1] == 0x80 {
			out = append(out, 0)
			i += 2
			continue
		}
		out = append(out, c)
		i++
	}
}

func encodeBool(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func decodeBool(b []byte) (bool, int, error) {
	if len(b) < 1 {
		return false, 0, fmt.Errorf("message: truncated bool")
	}
	return b[0] != 0, 1, nil
}

func encodeBytes(data []byte) []byte {
	out := codec.EncodeUint32(uint32(len(data)))
	out = append(out, data...)
	return out
}

func decodeBytes(b []byte) ([]byte, int, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < used+int(n) {
		return nil, 0, fmt.Errorf("message: truncated byte buffer")
	}
	out := make([]byte, n)
	copy(out, b[used:used+int(n)])
	return out, used + int(n), nil
}
