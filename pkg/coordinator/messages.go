package coordinator

import (
	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/role"
	"github.com/cuemby/raftkv/pkg/snapshot"
)

// forwardedCommit tracks a CommitRequest a follower relayed to this
// leader on a client's behalf, so the eventual CommitResponse can be
// routed back to the follower instead of a local Transaction.
type forwardedCommit struct {
	from      kv.Identity
	commitIdx int64
}

// dispatchMessage routes an inbound peer message to its handler. Every
// message carrying a term higher than ours demotes us to Follower
// first, per classical Raft's "term is authoritative" rule.
func (c *Coordinator) dispatchMessage(from kv.Identity, msg message.Message) {
	h := msg.GetHeader()
	if h.ClusterID != c.cfg.ClusterID {
		return
	}
	if h.Term > c.currentTerm {
		c.becomeFollower(h.Term)
	}

	switch m := msg.(type) {
	case message.AppendRequest:
		c.handleAppendRequest(from, m)
	case message.AppendResponse:
		c.handleAppendResponse(from, m)
	case message.RequestVote:
		c.handleRequestVote(from, m)
	case message.GrantVote:
		c.handleGrantVote(from, m)
	case message.CommitRequest:
		c.handleCommitRequest(from, m)
	case message.CommitResponse:
		c.handleCommitResponse(from, m)
	case message.InstallSnapshot:
		c.handleInstallSnapshot(from, m)
	case message.PingRequest:
		c.handlePingRequest(from, m)
	case message.PingResponse:
		c.handlePingResponse(from, m)
	}
}

func (c *Coordinator) handleAppendRequest(from kv.Identity, req message.AppendRequest) {
	if req.Header.Term < c.currentTerm {
		c.send(from, message.AppendResponse{Header: c.header(from), Success: false, LastLogIndex: c.log.LastIndex()})
		return
	}
	if c.currentRole != role.Follower {
		c.becomeFollower(c.currentTerm)
	}
	if c.followerState == nil {
		c.followerState = role.NewFollowerState()
	}
	decision, err := c.followerState.HandleAppendRequest(req, c.log, now(), c, nil)
	if err != nil {
		log.Error("coordinator: handling append request: %v", err)
		c.send(from, message.AppendResponse{Header: c.header(from), Success: false, LastLogIndex: c.log.LastIndex()})
		return
	}
	if decision.Success {
		c.commitIndex = role.NextCommitIndex(req.LeaderCommit, c.commitIndex, c.log.LastIndex())
		c.applyCommittedEntries()
	}
	c.resetElectionTimer()
	c.reportGauges()
	c.send(from, message.AppendResponse{
		Header:          c.header(from),
		LeaderTimestamp: req.LeaderTimestamp,
		Success:         decision.Success,
		MatchIndex:      decision.MatchIndex,
		LastLogIndex:    c.log.LastIndex(),
	})
}

func (c *Coordinator) handleAppendResponse(from kv.Identity, resp message.AppendResponse) {
	if c.currentRole != role.Leader || c.leaderState == nil {
		return
	}
	f, ok := c.leaderState.Follower(from)
	if !ok {
		return
	}
	c.leaderState.HandleAppendResponse(f, resp, now())
	if resp.LeaderTimestamp != 0 {
		metrics.AppendLatency.Observe(clock.Now().Sub(resp.LeaderTimestamp).Seconds())
	}
	result := "failure"
	if resp.Success {
		result = "success"
	}
	metrics.AppendResponsesTotal.WithLabelValues(result).Inc()
	c.maybeAdvanceCommit()
	if f.Synced {
		// There may be more entries waiting for this follower; send the
		// next one immediately instead of waiting for the heartbeat tick.
		req := role.BuildAppendRequest(f, c.cfg.Self, c.cfg.ClusterID, c.currentTerm, c.log, c.commitIndex, now(), c.leaderLeaseTimeoutMs())
		if req.LogEntryTerm != 0 {
			c.send(f.Identity, req)
		}
	}
}

func (c *Coordinator) handleRequestVote(from kv.Identity, req message.RequestVote) {
	if req.Header.Term < c.currentTerm {
		return
	}
	alreadyVoted := c.votedFor != nil && *c.votedFor != from
	logUpToDate := req.LastLogTerm > c.log.LastTerm() ||
		(req.LastLogTerm == c.log.LastTerm() && req.LastLogIndex >= c.log.LastIndex())
	if alreadyVoted || !logUpToDate {
		return
	}
	c.votedFor = &from
	c.resetElectionTimer()
	c.send(from, message.GrantVote{Header: c.header(from)})
}

func (c *Coordinator) handleGrantVote(from kv.Identity, resp message.GrantVote) {
	if c.currentRole != role.Candidate || c.candidateState == nil || resp.Header.Term != c.currentTerm {
		return
	}
	c.candidateState.RecordVote(from)
	if c.candidateState.HasQuorum(c.quorumSize()) {
		c.becomeLeader()
	}
}

func (c *Coordinator) handlePingRequest(from kv.Identity, req message.PingRequest) {
	c.send(from, message.PingResponse{Header: c.header(from), Timestamp: req.Timestamp})
}

func (c *Coordinator) handlePingResponse(from kv.Identity, resp message.PingResponse) {
	if c.currentRole != role.Follower || c.followerState == nil || !c.followerState.Probing {
		return
	}
	c.followerState.RecordProbeResponse(from)
}

// handleCommitRequest is the leader side of a client write forwarded by
// a follower, or a direct client submission arriving over the peer
// wire protocol rather than through pkg/clientapi's in-process path.
func (c *Coordinator) handleCommitRequest(from kv.Identity, req message.CommitRequest) {
	if c.currentRole != role.Leader {
		if c.followerState != nil && c.followerState.Leader != nil {
			c.send(*c.followerState.Leader, req)
		}
		return
	}
	if req.ConfigChange != nil {
		if err := c.validateConfigChange(*req.ConfigChange); err != nil {
			c.send(from, message.CommitResponse{Header: c.header(from), TxId: req.TxId, Success: false, Error: err.Error()})
			return
		}
	}
	var mutations kv.MutationSet
	if req.Mutations != nil {
		mutations = *req.Mutations
	}
	if err := c.checkForwardedRebase(req); err != nil {
		c.send(from, message.CommitResponse{Header: c.header(from), TxId: req.TxId, Success: false, Error: err.Error()})
		return
	}
	if len(mutations) == 0 && req.ConfigChange == nil {
		c.send(from, message.CommitResponse{Header: c.header(from), TxId: req.TxId, Success: true, CommitTerm: c.currentTerm, CommitIndex: c.commitIndex})
		return
	}
	entry, err := c.log.AppendEntry(c.currentTerm, mutations, req.ConfigChange)
	if err != nil {
		c.send(from, message.CommitResponse{Header: c.header(from), TxId: req.TxId, Success: false, Error: err.Error()})
		return
	}
	if req.ConfigChange != nil {
		c.currentConfig = c.log.BuildCurrentConfig()
		c.rebuildConfigOverlay()
	}
	c.forwarded[req.TxId] = forwardedCommit{from: from, commitIdx: entry.Index}
	c.replicateToAll()
	c.maybeAdvanceCommit()
	c.reportGauges()
}

// checkForwardedRebase applies the same read/write conflict check a
// local rebase performs (spec.md §4.6.4), using the read set the
// forwarding follower reported instead of a local View.
func (c *Coordinator) checkForwardedRebase(req message.CommitRequest) error {
	if req.Reads == nil {
		return nil
	}
	for idx := req.BaseIndex + 1; idx <= c.log.LastIndex(); idx++ {
		entry, err := c.log.EntryAtIndex(idx)
		if err != nil {
			return err
		}
		for _, r := range req.Reads {
			for _, mut := range entry.Mutations {
				if mut.AffectsRange(r) {
					return errConflict
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) handleCommitResponse(from kv.Identity, resp message.CommitResponse) {
	tx, ok := c.transactions[resp.TxId]
	if !ok {
		return
	}
	delete(c.transactions, resp.TxId)
	tx.CommitTerm = resp.CommitTerm
	tx.CommitIndex = resp.CommitIndex
	tx.CommitLeaderLeaseTimeout = resp.LeaderLeaseTimeout
	if !resp.Success {
		c.finishTransactionMetrics(resp.TxId, "failure")
		tx.Finish(errCommitRejected(resp.Error))
		return
	}
	c.finishTransactionMetrics(resp.TxId, "success")
	tx.Finish(nil)
}

// handleInstallSnapshot drives one chunk of an inbound snapshot through
// pkg/snapshot's Receiver, which writes into the store's inactive
// flip-flop prefix and flips it live once the last chunk has landed.
func (c *Coordinator) handleInstallSnapshot(from kv.Identity, msg message.InstallSnapshot) {
	if c.currentRole != role.Follower {
		c.becomeFollower(c.currentTerm)
	}
	if c.followerState == nil {
		c.followerState = role.NewFollowerState()
	}
	recv := c.followerState.SnapshotReceive
	if c.snapshotReceiver == nil || recv == nil || recv.SnapshotTerm != msg.SnapshotTerm || recv.SnapshotIndex != msg.SnapshotIndex {
		c.snapshotReceiver = snapshot.NewReceiver(c.store)
		c.snapshotReceiveStarted = metrics.NewTimer()
		recv = &role.SnapshotReceiveState{SnapshotTerm: msg.SnapshotTerm, SnapshotIndex: msg.SnapshotIndex}
		c.followerState.SnapshotReceive = recv
	}

	done, err := c.snapshotReceiver.HandleChunk(msg)
	if err != nil {
		log.Error("coordinator: installing snapshot chunk %d from %s: %v", msg.PairIndex, string(from), err)
		c.snapshotReceiver = nil
		c.followerState.SnapshotReceive = nil
		c.snapshotReceiveStarted.ObserveDuration(metrics.SnapshotTransferDuration)
		c.snapshotReceiveStarted = nil
		metrics.SnapshotTransfersTotal.WithLabelValues("receive", "failure").Inc()
		c.resetElectionTimer()
		return
	}
	recv.NextPairIndex = msg.PairIndex + 1
	c.resetElectionTimer()

	if !done {
		return
	}
	if err := c.log.ResetToSnapshot(msg.SnapshotTerm, msg.SnapshotIndex, configChangesFromEntries(msg.SnapshotConfig)); err != nil {
		log.Error("coordinator: resetting log to installed snapshot: %v", err)
	}
	c.commitIndex = msg.SnapshotIndex
	c.currentConfig = c.log.BuildCurrentConfig()
	c.rebuildConfigOverlay()
	c.failTransactionsPredatingSnapshot(msg.SnapshotIndex)
	c.snapshotReceiver = nil
	c.snapshotReceiveStarted.ObserveDuration(metrics.SnapshotTransferDuration)
	c.snapshotReceiveStarted = nil
	metrics.SnapshotTransfersTotal.WithLabelValues("receive", "success").Inc()
	c.followerState.SnapshotReceive = nil
	c.reportGauges()
	log.Info("coordinator: installed snapshot at term %d index %d from %s", msg.SnapshotTerm, msg.SnapshotIndex, string(from))
}

func configChangesFromEntries(entries []message.ConfigEntry) []kv.ConfigChange {
	out := make([]kv.ConfigChange, 0, len(entries))
	for _, e := range entries {
		addr := e.Address
		out = append(out, kv.ConfigChange{Identity: e.Identity, Address: &addr})
	}
	return out
}
