// Package store is the pluggable state-machine engine the core Raft
// and transaction logic treats as an external collaborator: it only
// needs snapshot-consistent reads, atomic mutation application, and
// range iteration (spec.md §1). BoltStore is this module's reference
// implementation, adapted from the teacher's bbolt-backed storage
// layer, and additionally implements the "flip-flop" dual key-prefix
// scheme snapshot install relies on (spec.md §4.6.3 / §7): writes
// during an InstallSnapshot land in the currently inactive prefix, and
// a single durable transaction flips which prefix is live.
package store

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/raftkv/pkg/kv"
)

var (
	bucketMeta = []byte("meta")
	bucketData = []byte("data")
)

var (
	metaKeyActivePrefix    = []byte("activePrefix")
	metaKeyLastAppliedTerm = []byte("lastAppliedTerm")
	metaKeyLastAppliedIdx  = []byte("lastAppliedIndex")
	metaKeyLastAppliedCfg  = []byte("lastAppliedConfig")
)

// Flip-flop prefixes: exactly one is "live" at a time; InstallSnapshot
// writes into whichever one is not currently live, then a single
// transaction flips metaKeyActivePrefix and bulk-deletes the old one.
const (
	prefixA byte = 0x80
	prefixB byte = 0x81
)

func otherPrefix(p byte) byte {
	if p == prefixA {
		return prefixB
	}
	return prefixA
}

// Store is the atomic key/value engine the transaction and
// replication layers depend on through this narrow interface.
type Store interface {
	Get(key kv.Key) ([]byte, bool, error)
	Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error
	Apply(mutations kv.MutationSet) error
	Snapshot() (Snapshot, error)
	LastApplied() (term, index int64, config []kv.ConfigChange, err error)
	SetLastApplied(term, index int64, config []kv.ConfigChange) error
	Start() error
	Stop() error

	// InstallSnapshotBegin, WriteSnapshotPairs, and InstallSnapshotCommit
	// implement the flip-flop snapshot install pkg/snapshot drives.
	InstallSnapshotBegin() error
	WriteSnapshotPairs(pairs []kv.Put) error
	InstallSnapshotCommit(term, index int64, config []kv.ConfigChange) error
}

// Snapshot is a consistent, read-only view of the store as of some
// point in time. Callers must call Close when done.
type Snapshot interface {
	Get(key kv.Key) ([]byte, bool, error)
	Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error
	Close() error
}

// BoltStore is a bbolt-backed Store.
type BoltStore struct {
	path         string
	db           *bolt.DB
	activePrefix byte
}

// NewBoltStore returns a BoltStore backed by a file in dataDir. Call
// Start before use.
func NewBoltStore(dataDir string) *BoltStore {
	return &BoltStore{path: filepath.Join(dataDir, "raftkv.db")}
}

// Start opens the database file, creating the metadata and data
// buckets and initializing the flip-flop prefix on first use.
func (s *BoltStore) Start() error {
	db, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("store: open database: %w", err)
	}
	s.db = db

	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		if v := meta.Get(metaKeyActivePrefix); v != nil {
			s.activePrefix = v[0]
			return nil
		}
		s.activePrefix = prefixA
		return meta.Put(metaKeyActivePrefix, []byte{prefixA})
	})
}

// Stop closes the database file.
func (s *BoltStore) Stop() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) prefixedKey(key kv.Key) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, s.activePrefix)
	out = append(out, key...)
	return out
}

// Get returns the current value of key, if present.
func (s *BoltStore) Get(key kv.Key) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketData).Get(s.prefixedKey(key))
		if v != nil {
			value = append([]byte{}, v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

// Iterate calls fn for every key/value pair in r under the active
// prefix, in ascending key order.
func (s *BoltStore) Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return iteratePrefixed(tx, s.activePrefix, r, fn)
	})
}

func iteratePrefixed(tx *bolt.Tx, prefix byte, r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	c := tx.Bucket(bucketData).Cursor()
	lower := append([]byte{prefix}, r.Start...)
	upper := []byte{prefix + 1}
	if r.End != nil {
		upper = append([]byte{prefix}, r.End...)
	}
	for k, v := c.Seek(lower); k != nil && bytes.Compare(k, upper) < 0; k, v = c.Next() {
		if !fn(kv.Key(append([]byte{}, k[1:]...)), append([]byte{}, v...)) {
			return nil
		}
	}
	return nil
}

// Apply durably applies mutations to the active prefix in a single
// transaction.
func (s *BoltStore) Apply(mutations kv.MutationSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyPrefixed(tx, s.activePrefix, mutations)
	})
}

func applyPrefixed(tx *bolt.Tx, prefix byte, mutations kv.MutationSet) error {
	bucket := tx.Bucket(bucketData)
	for _, m := range mutations {
		switch v := m.(type) {
		case kv.Put:
			if err := bucket.Put(append([]byte{prefix}, v.Key...), v.Value); err != nil {
				return err
			}
		case kv.RemoveRange:
			var toDelete [][]byte
			if err := iteratePrefixed(tx, prefix, v.Range, func(key kv.Key, _ []byte) bool {
				toDelete = append(toDelete, append([]byte{prefix}, key...))
				return true
			}); err != nil {
				return err
			}
			for _, k := range toDelete {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		case kv.Adjust:
			pk := append([]byte{prefix}, v.Key...)
			var current int64
			if existing := bucket.Get(pk); existing != nil {
				c, err := kv.DecodeCounter(existing)
				if err != nil {
					return err
				}
				current = c
			}
			if err := bucket.Put(pk, kv.EncodeCounter(current+v.Delta)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("store: unsupported mutation type %T", m)
		}
	}
	return nil
}

// LastApplied returns the durably recorded last-applied term, index,
// and membership.
func (s *BoltStore) LastApplied() (int64, int64, []kv.ConfigChange, error) {
	var term, index int64
	var config []kv.ConfigChange
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaKeyLastAppliedTerm); v != nil {
			t, _, err := decodeInt64Meta(v)
			if err != nil {
				return err
			}
			term = t
		}
		if v := meta.Get(metaKeyLastAppliedIdx); v != nil {
			i, _, err := decodeInt64Meta(v)
			if err != nil {
				return err
			}
			index = i
		}
		if v := meta.Get(metaKeyLastAppliedCfg); v != nil {
			cfg, err := decodeConfigList(v)
			if err != nil {
				return err
			}
			config = cfg
		}
		return nil
	})
	return term, index, config, err
}

// SetLastApplied durably records the last-applied term, index, and
// membership in one transaction.
func (s *BoltStore) SetLastApplied(term, index int64, config []kv.ConfigChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(metaKeyLastAppliedTerm, encodeInt64Meta(term)); err != nil {
			return err
		}
		if err := meta.Put(metaKeyLastAppliedIdx, encodeInt64Meta(index)); err != nil {
			return err
		}
		return meta.Put(metaKeyLastAppliedCfg, encodeConfigList(config))
	})
}

// Snapshot returns a consistent read-only view backed by a long-lived
// bbolt read transaction.
func (s *BoltStore) Snapshot() (Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("store: begin snapshot transaction: %w", err)
	}
	return &boltSnapshot{tx: tx, prefix: s.activePrefix}, nil
}

type boltSnapshot struct {
	tx     *bolt.Tx
	prefix byte
}

func (s *boltSnapshot) Get(key kv.Key) ([]byte, bool, error) {
	v := s.tx.Bucket(bucketData).Get(append([]byte{s.prefix}, key...))
	if v == nil {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (s *boltSnapshot) Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	return iteratePrefixed(s.tx, s.prefix, r, fn)
}

func (s *boltSnapshot) Close() error { return s.tx.Rollback() }
