// Package view implements the MVCC overlay a transaction reads and
// writes through: a read-only Snapshot of the state machine at some
// applied index, plus a buffer of not-yet-committed writes layered on
// top, plus the set of key ranges the transaction has read (needed for
// conflict detection at commit time) (spec.md §4.5).
package view

import (
	"bytes"

	"github.com/google/btree"

	"github.com/cuemby/raftkv/pkg/kv"
)

// Snapshot is the read-only view of the state machine a View overlays
// its buffered writes on top of. It is satisfied by pkg/store's
// snapshot handle.
type Snapshot interface {
	Get(key kv.Key) ([]byte, bool, error)
	// Iterate calls fn with every key/value pair in r in ascending key
	// order, stopping early if fn returns false.
	Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error
}

type writeKind int

const (
	writePut writeKind = iota
	writeRemove
	writeAdjust
)

type writeEntry struct {
	key   kv.Key
	kind  writeKind
	value []byte
	delta int64 // writeAdjust: cumulative delta applied on top of the snapshot value
}

func writeEntryLess(a, b writeEntry) bool { return bytes.Compare(a.key, b.key) < 0 }

// View is one transaction's private, isolated look at the database: a
// snapshot plus the transaction's own buffered reads and writes. Two
// concurrent views never see each other's uncommitted writes.
type View struct {
	snapshot     Snapshot
	reads        []kv.Range
	rangeRemoves []kv.Range
	writes       *btree.BTreeG[writeEntry]
}

// New returns a View reading through snapshot with an empty read/write
// buffer.
func New(snapshot Snapshot) *View {
	return &View{
		snapshot: snapshot,
		writes:   btree.NewG(32, writeEntryLess),
	}
}

// Get returns the value visible to this view for key: the most recent
// buffered write if one exists, otherwise the snapshot's value. The
// read is recorded for later conflict detection.
func (v *View) Get(key kv.Key) ([]byte, bool, error) {
	v.recordRead(kv.Single(key))
	return v.resolve(key)
}

func (v *View) resolve(key kv.Key) ([]byte, bool, error) {
	if entry, ok := v.writes.Get(writeEntry{key: key}); ok {
		switch entry.kind {
		case writePut:
			return entry.value, true, nil
		case writeRemove:
			return nil, false, nil
		case writeAdjust:
			base, found, err := v.snapshot.Get(key)
			if err != nil {
				return nil, false, err
			}
			var current int64
			if found {
				current, err = kv.DecodeCounter(base)
				if err != nil {
					return nil, false, err
				}
			}
			return kv.EncodeCounter(current + entry.delta), true, nil
		}
	}
	if v.inRemovedRange(key) {
		return nil, false, nil
	}
	return v.snapshot.Get(key)
}

// ascendWrites iterates the write buffer over r in ascending key order,
// handling r's unbounded Start/End (a nil bound can't be passed to
// AscendRange, which requires concrete sentinel keys on both sides).
func (v *View) ascendWrites(r kv.Range, fn func(writeEntry) bool) {
	switch {
	case r.Start == nil && r.End == nil:
		v.writes.Ascend(fn)
	case r.Start == nil:
		v.writes.AscendLessThan(writeEntry{key: r.End}, fn)
	case r.End == nil:
		v.writes.AscendGreaterOrEqual(writeEntry{key: r.Start}, fn)
	default:
		v.writes.AscendRange(writeEntry{key: r.Start}, writeEntry{key: r.End}, fn)
	}
}

func (v *View) inRemovedRange(key kv.Key) bool {
	for _, r := range v.rangeRemoves {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// GetRange calls fn with every visible key/value pair in r, in
// ascending key order, merging buffered writes over the snapshot. The
// read is recorded for later conflict detection.
func (v *View) GetRange(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	v.recordRead(r)

	seen := make(map[string]bool)
	cont := true
	v.ascendWrites(r, func(e writeEntry) bool {
		if !cont {
			return false
		}
		seen[string(e.key)] = true
		if e.kind == writeRemove {
			return true
		}
		value, _, err := v.resolve(e.key)
		if err != nil || value == nil {
			return true
		}
		cont = fn(e.key, value)
		return cont
	})
	if !cont {
		return nil
	}
	return v.snapshot.Iterate(r, func(key kv.Key, value []byte) bool {
		if seen[string(key)] {
			return true
		}
		if v.inRemovedRange(key) {
			return true
		}
		return fn(key, value)
	})
}

// Put buffers a write of value to key, overwriting any prior buffered
// write for that key.
func (v *View) Put(key kv.Key, value []byte) {
	v.writes.ReplaceOrInsert(writeEntry{key: key.Clone(), kind: writePut, value: value})
}

// Remove buffers removal of a single key.
func (v *View) Remove(key kv.Key) {
	v.writes.ReplaceOrInsert(writeEntry{key: key.Clone(), kind: writeRemove})
}

// RemoveRange buffers removal of every key in r, discarding any
// buffered writes already in that range.
func (v *View) RemoveRange(r kv.Range) {
	var toDelete []writeEntry
	v.ascendWrites(r, func(e writeEntry) bool {
		toDelete = append(toDelete, e)
		return true
	})
	for _, e := range toDelete {
		v.writes.Delete(e)
	}
	v.rangeRemoves = append(v.rangeRemoves, r)
}

// AdjustCounter buffers a commutative delta to the counter at key. Two
// adjusts to the same key in the same view accumulate rather than
// overwrite, matching the commutative semantics of a single committed
// Adjust mutation.
func (v *View) AdjustCounter(key kv.Key, delta int64) {
	if existing, ok := v.writes.Get(writeEntry{key: key}); ok && existing.kind == writeAdjust {
		existing.delta += delta
		v.writes.ReplaceOrInsert(existing)
		return
	}
	v.writes.ReplaceOrInsert(writeEntry{key: key.Clone(), kind: writeAdjust, delta: delta})
}

func (v *View) recordRead(r kv.Range) {
	v.reads = append(v.reads, r)
}

// Reads returns the key ranges read so far, for a caller (typically the
// leader's rebase check) that needs to test them against another set of
// mutations.
func (v *View) Reads() []kv.Range {
	return append([]kv.Range{}, v.reads...)
}

// FindConflict reports whether any range this view has read overlaps a
// key touched by mutations — the rebase check a leader runs before
// committing a read-write transaction (spec.md §4.5, §4.6.1).
func FindConflict(reads []kv.Range, mutations kv.MutationSet) bool {
	for _, r := range reads {
		for _, m := range mutations {
			if m.AffectsRange(r) {
				return true
			}
		}
	}
	return false
}

// Mutations returns the buffered writes as a deterministically ordered
// MutationSet suitable for appending to the log: range-removes first
// (in the order issued), then point writes in key order — range-removes
// must apply before the point writes issued after them so a
// remove-then-put on the same key is never undone by replay order.
func (v *View) Mutations() kv.MutationSet {
	var set kv.MutationSet
	for _, r := range v.rangeRemoves {
		set = append(set, kv.RemoveRange{Range: r})
	}
	v.writes.Ascend(func(e writeEntry) bool {
		switch e.kind {
		case writePut:
			set = append(set, kv.Put{Key: e.key, Value: e.value})
		case writeRemove:
			set = append(set, kv.RemoveRange{Range: kv.Single(e.key)})
		case writeAdjust:
			set = append(set, kv.Adjust{Key: e.key, Delta: e.delta})
		}
		return true
	})
	return set
}

// IsReadOnly reports whether the view has buffered no writes at all.
func (v *View) IsReadOnly() bool {
	empty := true
	v.writes.Ascend(func(writeEntry) bool { empty = false; return false })
	return empty && len(v.rangeRemoves) == 0
}
