// Package codec implements the two binary integer encodings the rest of
// this module builds on: a variable-length signed 64-bit encoding and a
// variable-length unsigned 32-bit encoding. Both are "order preserving":
// the lexicographic order of the encoded bytes equals the numeric order
// of the decoded values. That guarantee is load-bearing for the wire
// framing in pkg/message and for the on-disk keys pkg/store writes.
//
// No third-party varint library in the example pack offers order
// preservation (encoding/binary's Uvarint does not; it is little/big
// endian byte-count-first, not sign-and-magnitude order preserving), so
// this package is implemented directly with the standard library
// (math/big for the signed bands, plain byte shifts for the unsigned
// ones) — see DESIGN.md for why no pack dependency was a better fit.
package codec
