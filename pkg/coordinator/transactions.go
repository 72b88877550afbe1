package coordinator

import (
	"fmt"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/role"
	"github.com/cuemby/raftkv/pkg/txn"
	"github.com/cuemby/raftkv/pkg/view"
)

// CreateTransaction opens a new transaction against a fresh snapshot of
// the store, anchored at the log's current (term, index). The returned
// transaction is not yet known to the coordinator's registry; it joins
// the registry only once Commit submits it.
func (c *Coordinator) CreateTransaction(consistency txn.Consistency) (*txn.Transaction, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot: %w", err)
	}
	var tx *txn.Transaction
	c.runSync(func() {
		shared := txn.NewSharedSnapshot(snap)
		tx = txn.New("", consistency, shared, c.log.LastTerm(), c.log.LastIndex(), c)
		tx.View = view.New(shared)
	})
	return tx, nil
}

// runSync executes w on the dispatcher goroutine and blocks the caller
// until it finishes — used by synchronous client-facing entry points
// that need a consistent read of dispatcher state (e.g. the current log
// position a new transaction anchors to).
func (c *Coordinator) runSync(w work) {
	done := make(chan struct{})
	c.submit(func() {
		w()
		close(done)
	})
	<-done
}

// SubmitCommit implements txn.Dispatcher. It registers tx and, if this
// peer is the leader, begins the local append-and-replicate sequence;
// otherwise it forwards the request to the known leader.
func (c *Coordinator) SubmitCommit(tx *txn.Transaction) {
	c.submit(func() { c.handleSubmitCommit(tx) })
}

// SubmitRollback implements txn.Dispatcher.
func (c *Coordinator) SubmitRollback(tx *txn.Transaction) {
	c.submit(func() {
		delete(c.transactions, tx.TxId)
	})
}

func (c *Coordinator) handleSubmitCommit(tx *txn.Transaction) {
	c.transactions[tx.TxId] = tx
	c.commitStarted[tx.TxId] = metrics.NewTimer()

	if c.currentRole != role.Leader {
		c.forwardCommit(tx)
		return
	}

	if err := c.rebase(tx); err != nil {
		c.failTransaction(tx, err)
		return
	}

	mutations := tx.View.Mutations()
	if tx.ConfigChange != nil {
		if err := c.validateConfigChange(*tx.ConfigChange); err != nil {
			c.failTransaction(tx, err)
			return
		}
	}

	if len(mutations) == 0 && tx.ConfigChange == nil {
		c.resolveReadOnlyCommit(tx)
		return
	}

	entry, err := c.log.AppendEntry(c.currentTerm, mutations, tx.ConfigChange)
	if err != nil {
		c.failTransaction(tx, err)
		return
	}
	tx.CommitTerm = entry.Term
	tx.CommitIndex = entry.Index
	tx.SetState(txn.CommitWaiting)
	if tx.ConfigChange != nil {
		c.currentConfig = c.log.BuildCurrentConfig()
		c.rebuildConfigOverlay()
		if c.leaderState != nil {
			cc := *tx.ConfigChange
			if cc.IsRemoval() {
				c.leaderState.RemovePeer(cc.Identity)
			} else {
				c.leaderState.AddPeer(cc.Identity, *cc.Address, entry.Index)
			}
		}
	}
	c.replicateToAll()
	c.maybeAdvanceCommit()
	c.reportGauges()
}

// resolveReadOnlyCommit satisfies a transaction that touched no
// mutations: a LINEARIZABLE read still needs a leader lease check
// before the caller may trust it, which the caller performs itself
// using CommitLeaderLeaseTimeout; a non-linearizable read resolves
// immediately.
func (c *Coordinator) resolveReadOnlyCommit(tx *txn.Transaction) {
	tx.CommitTerm = c.currentTerm
	tx.CommitIndex = c.commitIndex
	if tx.Consistency == txn.Linearizable && c.leaderState != nil {
		if lease, ok := c.leaderState.ComputeLeaderLeaseTimeout(now(), c.quorumSize(), c.cfg.MinElectionTimeout); ok {
			tx.CommitLeaderLeaseTimeout = &lease
		}
	}
	delete(c.transactions, tx.TxId)
	c.finishTransactionMetrics(tx.TxId, "success")
	tx.Finish(nil)
}

// finishTransactionMetrics records a transaction's resolution outcome and
// total commit latency, then stops tracking its start time.
func (c *Coordinator) finishTransactionMetrics(txId, outcome string) {
	if timer, ok := c.commitStarted[txId]; ok {
		timer.ObserveDuration(metrics.TransactionCommitLatency)
		delete(c.commitStarted, txId)
	}
	metrics.TransactionsTotal.WithLabelValues(outcome).Inc()
}

// rebase implements spec.md §4.6.4: advance a rebasable transaction's
// base position through every log entry appended since it started,
// failing it the moment a later entry's writes conflict with something
// this transaction read.
func (c *Coordinator) rebase(tx *txn.Transaction) error {
	if !tx.Rebasable {
		return nil
	}
	for idx := tx.BaseIndex + 1; idx <= c.log.LastIndex(); idx++ {
		entry, err := c.log.EntryAtIndex(idx)
		if err != nil {
			return err
		}
		if view.FindConflict(tx.View.Reads(), entry.Mutations) {
			return fmt.Errorf("coordinator: transaction %s conflicts with entry %d", tx.TxId, idx)
		}
		tx.BaseTerm = entry.Term
		tx.BaseIndex = entry.Index
	}
	return nil
}

func (c *Coordinator) failTransaction(tx *txn.Transaction, err error) {
	delete(c.transactions, tx.TxId)
	c.finishTransactionMetrics(tx.TxId, "failure")
	tx.Finish(err)
}

// forwardCommit relays a transaction's mutations to the known leader as
// a CommitRequest. The local Transaction object stays registered so the
// eventual CommitResponse can resolve it.
func (c *Coordinator) forwardCommit(tx *txn.Transaction) {
	if c.followerState == nil || c.followerState.Leader == nil {
		c.failTransaction(tx, fmt.Errorf("coordinator: no known leader to forward commit to"))
		return
	}
	leader := *c.followerState.Leader
	mutations := tx.View.Mutations()
	var mset *kv.MutationSet
	if len(mutations) > 0 {
		mset = &mutations
	}
	req := message.CommitRequest{
		Header:       c.header(leader),
		TxId:         tx.TxId,
		BaseTerm:     tx.BaseTerm,
		BaseIndex:    tx.BaseIndex,
		Reads:        tx.View.Reads(),
		Mutations:    mset,
		ConfigChange: tx.ConfigChange,
	}
	c.send(leader, req)
}

func (c *Coordinator) validateConfigChange(cc kv.ConfigChange) error {
	for _, tx := range c.transactions {
		if tx.ConfigChange != nil && tx.State() == txn.CommitWaiting {
			return fmt.Errorf("coordinator: a configuration change is already pending")
		}
	}
	if cc.IsRemoval() {
		if _, ok := c.currentConfig[cc.Identity]; !ok {
			return fmt.Errorf("coordinator: cannot remove unknown peer %s", cc.Identity)
		}
	}
	return nil
}

// FailTransactionsWithBaseAtOrAfter implements role.TransactionFailer: a
// follower discarding a conflicting log tail must also fail any local
// transaction whose base position falls within the discarded range,
// since its snapshot no longer corresponds to any future of the log.
func (c *Coordinator) FailTransactionsWithBaseAtOrAfter(index int64) {
	for id, tx := range c.transactions {
		if tx.BaseIndex >= index {
			delete(c.transactions, id)
			c.finishTransactionMetrics(id, "failure")
			tx.Finish(fmt.Errorf("coordinator: transaction base discarded by a conflicting leader append"))
		}
	}
}

// failTransactionsPredatingSnapshot fails any local transaction whose
// base position now predates an installed snapshot: its base log
// entries were discarded wholesale by ResetToSnapshot, so there is
// nothing left to rebase it through.
func (c *Coordinator) failTransactionsPredatingSnapshot(snapshotIndex int64) {
	for id, tx := range c.transactions {
		if tx.BaseIndex < snapshotIndex {
			delete(c.transactions, id)
			c.finishTransactionMetrics(id, "failure")
			tx.Finish(fmt.Errorf("coordinator: transaction base superseded by an installed snapshot"))
		}
	}
}

// applyCommittedEntries advances the store's applied position to match
// commitIndex, firing key watches for each newly-applied entry's
// mutations, then resolves every waiting transaction whose commit
// position has become committable.
func (c *Coordinator) applyCommittedEntries() {
	for c.log.LastAppliedIndex() < c.commitIndex {
		entry, err := c.log.ApplyNextLogEntry()
		if err != nil {
			log.Error("coordinator: applying log entry: %v", err)
			return
		}
		if err := c.store.Apply(entry.Mutations); err != nil {
			log.Error("coordinator: store apply failed for entry %d: %v", entry.Index, err)
			return
		}
		if err := c.store.SetLastApplied(entry.Term, entry.Index, c.log.BuildCurrentConfig()); err != nil {
			log.Error("coordinator: persisting applied position: %v", err)
		}
		c.watches.FireMutations(entry.Mutations)
	}
	c.trimAppliedLog()
	c.resolveWaitingTransactions()
	c.resolveForwardedCommits()
}

// trimAppliedLog discards applied log entries past cfg.LogRetentionEntries,
// keeping just enough tail for a briefly-lagging follower to catch up
// through ordinary replication; anyone farther behind than that gets
// caught up with a snapshot instead (spec.md §4.7).
func (c *Coordinator) trimAppliedLog() {
	if c.cfg.LogRetentionEntries <= 0 {
		return
	}
	applied := c.log.LastAppliedIndex()
	upTo := applied - int64(c.cfg.LogRetentionEntries)
	if upTo <= c.log.EarliestIndex()-1 {
		return
	}
	if err := c.log.DiscardAppliedLogEntries(upTo); err != nil {
		log.Error("coordinator: trimming applied log: %v", err)
	}
}

// resolveForwardedCommits answers every pending CommitResponse whose
// entry has become committable at the leader's current term/commit
// position, mirroring resolveWaitingTransactions for the subset of
// commits originating from another peer instead of a local client.
func (c *Coordinator) resolveForwardedCommits() {
	for txId, fc := range c.forwarded {
		if fc.commitIdx > c.commitIndex {
			continue
		}
		termAt, err := c.log.TermAtIndex(fc.commitIdx)
		if err != nil || termAt != c.currentTerm {
			continue
		}
		delete(c.forwarded, txId)
		c.send(fc.from, message.CommitResponse{
			Header:      c.header(fc.from),
			TxId:        txId,
			Success:     true,
			CommitTerm:  termAt,
			CommitIndex: fc.commitIdx,
		})
	}
}

func (c *Coordinator) resolveWaitingTransactions() {
	for id, tx := range c.transactions {
		if tx.State() != txn.CommitWaiting {
			continue
		}
		termAt, err := c.log.TermAtIndex(tx.CommitIndex)
		if err != nil {
			continue
		}
		if !tx.Committable(termAt, c.commitIndex) {
			continue
		}
		if tx.Consistency == txn.Linearizable && c.leaderState != nil {
			if lease, ok := c.leaderState.ComputeLeaderLeaseTimeout(now(), c.quorumSize(), c.cfg.MinElectionTimeout); ok {
				tx.CommitLeaderLeaseTimeout = &lease
			}
		}
		delete(c.transactions, id)
		c.finishTransactionMetrics(id, "success")
		tx.Finish(nil)
	}
}
