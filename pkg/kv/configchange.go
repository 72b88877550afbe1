package kv

import "fmt"

// ConfigChange adds or removes a single peer from the cluster
// configuration. A nil Address marks a removal of Identity; a non-nil
// Address adds (or re-addresses) it. At most one ConfigChange may be
// outstanding (uncommitted) at a time (spec.md §6).
type ConfigChange struct {
	Identity Identity
	Address  *Address
}

// IsRemoval reports whether this change removes Identity from the
// configuration rather than adding it.
func (c ConfigChange) IsRemoval() bool { return c.Address == nil }

func (c ConfigChange) String() string {
	if c.IsRemoval() {
		return fmt.Sprintf("remove(%s)", c.Identity)
	}
	return fmt.Sprintf("add(%s@%s)", c.Identity, *c.Address)
}

// Encode serializes the change: the identity as an optional-key field
// (length+1 as a uint32 codec value, then the bytes), then either a zero
// byte (removal) or a one byte followed by the address in the same
// optional-key form.
func (c ConfigChange) Encode() []byte {
	id := []byte(c.Identity)
	out := append([]byte{}, encodeOptionalKey(Key(id))...)
	if c.Address == nil {
		out = append(out, 0)
		return out
	}
	out = append(out, 1)
	addr := []byte(*c.Address)
	out = append(out, encodeOptionalKey(Key(addr))...)
	return out
}

// DecodeConfigChange is the inverse of ConfigChange.Encode.
func DecodeConfigChange(b []byte) (ConfigChange, int, error) {
	idKey, used, err := decodeOptionalKey(b)
	if err != nil {
		return ConfigChange{}, 0, err
	}
	b = b[used:]
	if len(b) < 1 {
		return ConfigChange{}, 0, fmt.Errorf("kv: truncated config change")
	}
	hasAddr := b[0]
	b = b[1:]
	used += 1
	cc := ConfigChange{Identity: Identity(idKey)}
	if hasAddr == 0 {
		return cc, used, nil
	}
	addrKey, u2, err := decodeOptionalKey(b)
	if err != nil {
		return ConfigChange{}, 0, err
	}
	addr := Address(addrKey)
	cc.Address = &addr
	return cc, used + u2, nil
}
