package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/raftkv/pkg/codec"
)

// Mutation is one write recorded in a log entry or a transaction's
// mutable view: a range remove, a key put, or a commutative counter
// adjust (spec.md §3).
type Mutation interface {
	// AffectsRange reports whether r and the keys this mutation touches
	// could overlap, used by the view's conflict detector.
	AffectsRange(r Range) bool
	encode() []byte
}

const (
	tagPut byte = iota + 1
	tagRemoveRange
	tagAdjust
)

// Put sets key to value.
type Put struct {
	Key   Key
	Value []byte
}

// AffectsRange implements Mutation.
func (p Put) AffectsRange(r Range) bool { return r.Contains(p.Key) }

func (p Put) encode() []byte {
	out := []byte{tagPut}
	out = append(out, codec.EncodeUint32(uint32(len(p.Key)))...)
	out = append(out, p.Key...)
	out = append(out, codec.EncodeUint32(uint32(len(p.Value)))...)
	out = append(out, p.Value...)
	return out
}

// RemoveRange deletes every key in Range.
type RemoveRange struct {
	Range Range
}

// AffectsRange implements Mutation.
func (rr RemoveRange) AffectsRange(r Range) bool { return rr.Range.Overlaps(r) }

func (rr RemoveRange) encode() []byte {
	out := []byte{tagRemoveRange}
	out = append(out, encodeOptionalKey(rr.Range.Start)...)
	out = append(out, encodeOptionalKey(rr.Range.End)...)
	return out
}

// Adjust commutatively adds Delta to the 64-bit counter stored at Key,
// creating it with value Delta if absent.
type Adjust struct {
	Key   Key
	Delta int64
}

// AffectsRange implements Mutation.
func (a Adjust) AffectsRange(r Range) bool { return r.Contains(a.Key) }

func (a Adjust) encode() []byte {
	out := []byte{tagAdjust}
	out = append(out, codec.EncodeUint32(uint32(len(a.Key)))...)
	out = append(out, a.Key...)
	out = append(out, codec.EncodeInt64(a.Delta)...)
	return out
}

func encodeOptionalKey(k Key) []byte {
	if k == nil {
		return codec.EncodeUint32(0)
	}
	out := codec.EncodeUint32(uint32(len(k) + 1))
	out = append(out, k...)
	return out
}

func decodeOptionalKey(b []byte) (Key, int, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, used, nil
	}
	klen := int(n) - 1
	if len(b) < used+klen {
		return nil, 0, fmt.Errorf("kv: truncated key")
	}
	k := make(Key, klen)
	copy(k, b[used:used+klen])
	return k, used + klen, nil
}

// MutationSet is an ordered, deterministically serializable sequence of
// mutations. Order matters: later mutations in the set win on overlapping
// keys when applied.
type MutationSet []Mutation

// Encode serializes the set deterministically: a count followed by each
// mutation's tagged encoding, in order.
func (s MutationSet) Encode() []byte {
	out := codec.EncodeUint32(uint32(len(s)))
	for _, m := range s {
		out = append(out, m.encode()...)
	}
	return out
}

// DecodeMutationSet parses a buffer produced by MutationSet.Encode.
func DecodeMutationSet(b []byte) (MutationSet, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[used:]
	set := make(MutationSet, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) == 0 {
			return nil, fmt.Errorf("kv: truncated mutation set")
		}
		tag := b[0]
		rest := b[1:]
		var m Mutation
		var consumed int
		switch tag {
		case tagPut:
			klen, u1, err := codec.DecodeUint32(rest)
			if err != nil {
				return nil, err
			}
			rest = rest[u1:]
			if len(rest) < int(klen) {
				return nil, fmt.Errorf("kv: truncated put key")
			}
			key := make(Key, klen)
			copy(key, rest[:klen])
			rest = rest[klen:]
			vlen, u2, err := codec.DecodeUint32(rest)
			if err != nil {
				return nil, err
			}
			rest = rest[u2:]
			if len(rest) < int(vlen) {
				return nil, fmt.Errorf("kv: truncated put value")
			}
			val := make([]byte, vlen)
			copy(val, rest[:vlen])
			m = Put{Key: key, Value: val}
			consumed = 1 + u1 + int(klen) + u2 + int(vlen)
		case tagRemoveRange:
			start, u1, err := decodeOptionalKey(rest)
			if err != nil {
				return nil, err
			}
			rest = rest[u1:]
			end, u2, err := decodeOptionalKey(rest)
			if err != nil {
				return nil, err
			}
			m = RemoveRange{Range: Range{Start: start, End: end}}
			consumed = 1 + u1 + u2
		case tagAdjust:
			klen, u1, err := codec.DecodeUint32(rest)
			if err != nil {
				return nil, err
			}
			rest = rest[u1:]
			if len(rest) < int(klen) {
				return nil, fmt.Errorf("kv: truncated adjust key")
			}
			key := make(Key, klen)
			copy(key, rest[:klen])
			rest = rest[klen:]
			delta, u2, err := codec.DecodeInt64(rest)
			if err != nil {
				return nil, err
			}
			m = Adjust{Key: key, Delta: delta}
			consumed = 1 + u1 + int(klen) + u2
		default:
			return nil, fmt.Errorf("kv: unknown mutation tag 0x%02x", tag)
		}
		set = append(set, m)
		b = b[consumed:]
	}
	return set, nil
}

// EncodeCounter serializes a counter value as a fixed-width big-endian
// 8-byte buffer. Unlike key encodings, counter values are never used as
// sort keys, so a fixed-width encoding (not the order-preserving codec
// package) is the simpler and sufficient choice.
func EncodeCounter(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeCounter is the inverse of EncodeCounter.
func DecodeCounter(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kv: counter value must be 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
