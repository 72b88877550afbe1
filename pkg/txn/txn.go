// Package txn implements the per-client transaction object: its
// lifecycle state machine, the client-visible read/write API delegated
// to an MVCC view, and the commit future a client thread blocks on
// (spec.md §3, §4.5, §4.6.3).
package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/store"
	"github.com/cuemby/raftkv/pkg/timer"
	"github.com/cuemby/raftkv/pkg/view"
	"github.com/cuemby/raftkv/pkg/watch"
)

// Consistency selects how a transaction's reads are anchored and how
// aggressively its commit can be reported (spec.md §5).
type Consistency int

const (
	// Linearizable is the default: reads and writes are anchored to a
	// quorum-confirmed point in the log, with a leader-lease check
	// avoiding a log append for read-only transactions.
	Linearizable Consistency = iota
	// Eventual reads are read-only, view the last (possibly
	// uncommitted) log entry, and never round-trip to the leader.
	Eventual
	// EventualCommitted reads are read-only, view the last committed
	// entry, and commit immediately.
	EventualCommitted
	// Uncommitted reads are read-only, commit immediately, and carry no
	// commit term/index at all.
	Uncommitted
)

func (c Consistency) String() string {
	switch c {
	case Linearizable:
		return "LINEARIZABLE"
	case Eventual:
		return "EVENTUAL"
	case EventualCommitted:
		return "EVENTUAL_COMMITTED"
	case Uncommitted:
		return "UNCOMMITTED"
	default:
		return fmt.Sprintf("Consistency(%d)", c)
	}
}

// State is a transaction's position in its lifecycle.
type State int

const (
	Executing State = iota
	CommitReady
	CommitWaiting
	Completed
	Closed
)

func (s State) String() string {
	switch s {
	case Executing:
		return "EXECUTING"
	case CommitReady:
		return "COMMIT_READY"
	case CommitWaiting:
		return "COMMIT_WAITING"
	case Completed:
		return "COMPLETED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Dispatcher is the coordinator-side hook a Transaction submits
// lifecycle requests to. All methods must be safe to call from any
// goroutine; the coordinator's single-threaded dispatcher queues the
// actual work (spec.md §6).
type Dispatcher interface {
	SubmitCommit(tx *Transaction)
	SubmitRollback(tx *Transaction)
}

// Transaction is one client's in-flight unit of work.
type Transaction struct {
	TxId        string
	Consistency Consistency

	BaseTerm  int64
	BaseIndex int64

	CommitTerm               int64
	CommitIndex               int64
	CommitLeaderLeaseTimeout *clock.Timestamp

	Rebasable    bool
	ReadOnly     bool
	HighPriority bool
	ConfigChange *kv.ConfigChange

	TimeoutMs int

	View     *view.View
	snapshot *SharedSnapshot

	mu       sync.Mutex
	state    State
	failure  error
	done     chan struct{}
	once     sync.Once

	dispatcher   Dispatcher
	commitTimer  *timer.Timer
}

// New creates a transaction reading through snapshot, anchored at
// (baseTerm, baseIndex). rebasable must only be set for LINEARIZABLE
// transactions; see the Rebasable field invariant (spec.md §3). The
// transaction takes over the caller's reference to snapshot and
// releases it when it finishes.
func New(txId string, consistency Consistency, snapshot *SharedSnapshot, baseTerm, baseIndex int64, dispatcher Dispatcher) *Transaction {
	if txId == "" {
		txId = uuid.NewString()
	}
	return &Transaction{
		TxId:        txId,
		Consistency: consistency,
		BaseTerm:    baseTerm,
		BaseIndex:   baseIndex,
		ReadOnly:    consistency != Linearizable,
		View:        view.New(snapshot),
		snapshot:    snapshot,
		state:       Executing,
		done:        make(chan struct{}),
		dispatcher:  dispatcher,
	}
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// SetState is called only by the coordinator/dispatcher as the
// transaction progresses through its lifecycle.
func (tx *Transaction) SetState(s State) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.state = s
}

// --- client-visible read/write API (spec.md §3) ---

// Get returns the value currently visible for key.
func (tx *Transaction) Get(key kv.Key) ([]byte, bool, error) {
	return tx.View.Get(key)
}

// GetAtLeast returns the first key >= start and its value, if any key
// in the view is >= start.
func (tx *Transaction) GetAtLeast(start kv.Key) (kv.Key, []byte, bool, error) {
	var foundKey kv.Key
	var foundValue []byte
	found := false
	err := tx.View.GetRange(kv.Range{Start: start}, func(k kv.Key, v []byte) bool {
		foundKey, foundValue, found = k.Clone(), v, true
		return false
	})
	return foundKey, foundValue, found, err
}

// GetAtMost returns the last key <= end and its value, if any key in
// the view is <= end.
func (tx *Transaction) GetAtMost(end kv.Key) (kv.Key, []byte, bool, error) {
	var foundKey kv.Key
	var foundValue []byte
	found := false
	err := tx.View.GetRange(kv.Range{End: append(append(kv.Key{}, end...), 0x00)}, func(k kv.Key, v []byte) bool {
		foundKey, foundValue, found = k.Clone(), v, true
		return true // keep scanning; last write wins
	})
	return foundKey, foundValue, found, err
}

// GetRange calls fn with every visible key/value pair in r, in
// ascending key order.
func (tx *Transaction) GetRange(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	return tx.View.GetRange(r, fn)
}

// Put buffers a write of value to key.
func (tx *Transaction) Put(key kv.Key, value []byte) { tx.View.Put(key, value) }

// Remove buffers removal of key.
func (tx *Transaction) Remove(key kv.Key) { tx.View.Remove(key) }

// RemoveRange buffers removal of every key in r.
func (tx *Transaction) RemoveRange(r kv.Range) { tx.View.RemoveRange(r) }

// AdjustCounter buffers a commutative delta to the counter at key.
func (tx *Transaction) AdjustCounter(key kv.Key, delta int64) { tx.View.AdjustCounter(key, delta) }

// WatchKey registers a one-shot watch on key with tracker.
func (tx *Transaction) WatchKey(tracker *watch.Tracker, key kv.Key) *watch.Watch {
	return tracker.Register(key)
}

// SetReadOnly marks the transaction read-only. It is an error to call
// this after any write has been buffered; the caller is trusted to
// call it before issuing writes, matching how the spec describes
// option-setting as happening at transaction creation.
func (tx *Transaction) SetReadOnly(readOnly bool) { tx.ReadOnly = readOnly }

// SetTimeout sets the commit timeout in milliseconds; 0 means no
// timeout.
func (tx *Transaction) SetTimeout(ms int) { tx.TimeoutMs = ms }

// SetHighPriority marks the transaction as the one per-peer
// transaction that wins rebase/commit conflicts against normal-priority
// transactions (spec.md §9 REDESIGN FLAGS).
func (tx *Transaction) SetHighPriority(v bool) { tx.HighPriority = v }

// ConfigChangeRequest sets the single configuration change this
// transaction's commit will carry, if any.
func (tx *Transaction) ConfigChangeRequest(identity kv.Identity, address *kv.Address) {
	tx.ConfigChange = &kv.ConfigChange{Identity: identity, Address: address}
}

// Commit submits the transaction for commit and blocks until it
// reaches COMPLETED or fails. An UNCOMMITTED transaction completes
// immediately with no commit term/index (spec.md §4.6.3).
func (tx *Transaction) Commit() error {
	if tx.Consistency == Uncommitted {
		tx.CommitTerm, tx.CommitIndex = 0, 0
		tx.finish(nil)
		return nil
	}
	tx.dispatcher.SubmitCommit(tx)
	<-tx.done
	return tx.failure
}

// Rollback abandons the transaction without committing.
func (tx *Transaction) Rollback() {
	tx.dispatcher.SubmitRollback(tx)
	tx.finish(fmt.Errorf("txn: rolled back"))
}

// ReadOnlySnapshot returns a new reference to this transaction's shared
// snapshot, independently releasable by the caller — used to serve a
// long-lived read session without holding the transaction itself open.
func (tx *Transaction) ReadOnlySnapshot() *SharedSnapshot {
	tx.snapshot.acquire()
	return tx.snapshot
}

// Failure returns the error that closed the transaction, if any.
func (tx *Transaction) Failure() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.failure
}

// Finish is called by the coordinator/dispatcher exactly once, when the
// transaction reaches COMPLETED or CLOSED, releasing the client thread
// blocked in Commit and the transaction's hold on its snapshot.
func (tx *Transaction) Finish(err error) {
	tx.finish(err)
}

func (tx *Transaction) finish(err error) {
	tx.once.Do(func() {
		tx.mu.Lock()
		tx.failure = err
		if err != nil {
			tx.state = Closed
		} else {
			tx.state = Completed
		}
		tx.mu.Unlock()
		if tx.commitTimer != nil {
			tx.commitTimer.Cancel()
		}
		tx.snapshot.release()
		close(tx.done)
	})
}

// Committable reports whether this transaction can complete given the
// log's authoritative term at its commit index (spec.md §4.6.3: a
// transaction becomes committable when commitTerm > 0, the entry at
// commitIndex still has term commitTerm, commitIndex is no later than
// the log's own commitIndex, and — if rebasable — its base is at least
// as new as its commit).
func (tx *Transaction) Committable(termAtCommitIndex int64, logCommitIndex int64) bool {
	if tx.CommitTerm == 0 {
		return false
	}
	if termAtCommitIndex != tx.CommitTerm {
		return false
	}
	if tx.CommitIndex > logCommitIndex {
		return false
	}
	if tx.Rebasable && tx.BaseIndex < tx.CommitIndex {
		return false
	}
	return true
}

// SetCommitTimer installs the timer the coordinator uses to fail this
// transaction if its commit takes too long.
func (tx *Transaction) SetCommitTimer(t *timer.Timer) { tx.commitTimer = t }

// SharedSnapshot is a reference-counted store.Snapshot: several
// transactions anchored at the same log index may share one underlying
// snapshot, which is only closed once every holder has released it
// (spec.md §3 Ownership).
type SharedSnapshot struct {
	mu    sync.Mutex
	inner store.Snapshot
	refs  int
}

// NewSharedSnapshot wraps inner with a reference count of 1.
func NewSharedSnapshot(inner store.Snapshot) *SharedSnapshot {
	return &SharedSnapshot{inner: inner, refs: 1}
}

func (s *SharedSnapshot) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

func (s *SharedSnapshot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs <= 0 && s.inner != nil {
		_ = s.inner.Close()
		s.inner = nil
	}
}

// Get implements view.Snapshot.
func (s *SharedSnapshot) Get(key kv.Key) ([]byte, bool, error) {
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	if inner == nil {
		return nil, false, fmt.Errorf("txn: snapshot already released")
	}
	return inner.Get(key)
}

// Iterate implements view.Snapshot.
func (s *SharedSnapshot) Iterate(r kv.Range, fn func(key kv.Key, value []byte) bool) error {
	s.mu.Lock()
	inner := s.inner
	s.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("txn: snapshot already released")
	}
	return inner.Iterate(r, fn)
}

// Close releases this holder's reference.
func (s *SharedSnapshot) Close() error {
	s.release()
	return nil
}
