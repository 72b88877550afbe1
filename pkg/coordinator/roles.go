package coordinator

import (
	"context"
	"math/rand"
	"time"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/role"
	"github.com/cuemby/raftkv/pkg/snapshot"
)

var electionRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// electionTimeout picks a random duration in
// [minElectionTimeout, maxElectionTimeout), the jitter classical Raft
// uses to keep split votes rare.
func (c *Coordinator) electionTimeout() time.Duration {
	lo := c.cfg.MinElectionTimeout
	hi := c.cfg.MaxElectionTimeout
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(electionRand.Int63n(int64(hi-lo)))
}

func (c *Coordinator) resetElectionTimer() {
	c.electionTimer.Schedule(now().Add(c.electionTimeout()))
}

// becomeFollower resets role state to Follower at term. With follower
// probing enabled it starts a probe round, which arms the election
// timer once a quorum answers; otherwise it arms the election timer
// directly. Called on startup, on observing a higher term, and after an
// election loses or is preempted.
func (c *Coordinator) becomeFollower(term int64) {
	c.currentRole = role.Follower
	c.currentTerm = term
	c.votedFor = nil
	c.leaderState = nil
	c.candidateState = nil
	c.followerState = role.NewFollowerState()
	c.heartbeatTimer.Cancel()
	if c.cfg.FollowerProbingEnabled {
		c.beginProbing()
	} else {
		c.resetElectionTimer()
	}
	c.reportGauges()
}

// beginProbing starts the pre-election reachability check (spec.md
// §4.6.2's "follower probing"): before disrupting a functioning leader
// with an election, a follower confirms it can still reach a quorum.
func (c *Coordinator) beginProbing() {
	c.followerState.BeginProbing()
	for id := range c.currentConfig {
		if id == c.cfg.Self {
			continue
		}
		c.send(id, message.PingRequest{Header: c.header(id), Timestamp: now()})
	}
	c.probeTimer.Schedule(now().Add(c.cfg.HeartbeatTimeout))
}

func (c *Coordinator) onProbeTimeout() {
	if c.currentRole != role.Follower || c.followerState == nil || !c.followerState.Probing {
		return
	}
	if c.followerState.HasProbeQuorum(c.quorumSize()) {
		// Reachable: arm the election timer. If it expires without an
		// AppendRequest resetting it, onElectionTimeout starts an election.
		c.resetElectionTimer()
		return
	}
	// Can't reach a quorum — no point starting a pointless election; try
	// again next timeout.
	c.beginProbing()
}

func (c *Coordinator) onElectionTimeout() {
	if c.currentRole == role.Leader {
		return
	}
	c.becomeCandidate()
}

func (c *Coordinator) becomeCandidate() {
	c.currentRole = role.Candidate
	c.currentTerm++
	c.votedFor = &c.cfg.Self
	c.candidateState = role.NewCandidateState(c.cfg.Self)
	c.leaderState = nil
	metrics.ElectionsStartedTotal.Inc()
	c.reportGauges()
	log.Debug("coordinator: %s starting election for term %d", string(c.cfg.Self), c.currentTerm)

	req := message.RequestVote{
		LastLogTerm:  c.log.LastTerm(),
		LastLogIndex: c.log.LastIndex(),
	}
	for id := range c.currentConfig {
		if id == c.cfg.Self {
			continue
		}
		h := c.header(id)
		r := req
		r.Header = h
		c.send(id, r)
	}
	if c.candidateState.HasQuorum(c.quorumSize()) {
		c.becomeLeader()
		return
	}
	c.resetElectionTimer()
}

func (c *Coordinator) becomeLeader() {
	c.currentRole = role.Leader
	c.followerState = nil
	c.candidateState = nil
	c.leaderState = role.NewLeaderState(c.cfg.Self, c.currentConfig, c.log.LastIndex(), now())
	c.electionTimer.Cancel()
	c.reportGauges()
	log.Debug("coordinator: %s became leader for term %d", string(c.cfg.Self), c.currentTerm)
	c.onHeartbeatTick()
}

func (c *Coordinator) onHeartbeatTick() {
	if c.currentRole != role.Leader {
		return
	}
	c.replicateToAll()
	c.heartbeatTimer.Schedule(now().Add(c.cfg.HeartbeatTimeout))
}

// replicateToAll sends every tracked follower its next AppendRequest
// (a real entry if synced, a probe otherwise). Fan-out is bounded by
// the number of peers, which is small relative to the concurrency cap
// of a single dispatcher goroutine, so this runs inline rather than
// through a worker pool; the network layer itself is non-blocking.
func (c *Coordinator) replicateToAll() {
	if c.leaderState == nil {
		return
	}
	leaseMs := c.leaderLeaseTimeoutMs()
	c.leaderState.EachFollower(func(f *role.FollowerInfo) {
		if f.SnapshotTransmit != nil {
			// A transfer is already in flight; leave it alone until it
			// finishes instead of racing a second one.
			return
		}
		if role.ShouldSnapshotTransmit(f, c.log.EarliestIndex()) {
			c.startSnapshotTransmit(f)
			return
		}
		req := role.BuildAppendRequest(f, c.cfg.Self, c.cfg.ClusterID, c.currentTerm, c.log, c.commitIndex, now(), leaseMs)
		c.send(f.Identity, req)
	})
}

// startSnapshotTransmit launches an InstallSnapshot transfer to f in its
// own goroutine, since reading and compressing the whole store can take
// far longer than the dispatcher goroutine may ever block for. Only the
// address, config, and snapshot position are captured up front; the
// transfer never touches coordinator state again until it reports back
// through submit.
func (c *Coordinator) startSnapshotTransmit(f *role.FollowerInfo) {
	addr, ok := c.resolveAddress(f.Identity)
	if !ok {
		log.Debug("coordinator: no known address for %s, deferring snapshot transmit", string(f.Identity))
		return
	}
	src, err := c.store.Snapshot()
	if err != nil {
		log.Error("coordinator: opening snapshot for %s: %v", string(f.Identity), err)
		return
	}
	term, index := c.log.LastAppliedTerm(), c.log.LastAppliedIndex()
	f.SnapshotTransmit = &role.SnapshotTransmitState{SnapshotTerm: term, SnapshotIndex: index}

	config := make(map[kv.Identity]kv.Address, len(c.currentConfig))
	for id, a := range c.currentConfig {
		config[id] = a
	}
	clusterID, self, recipient, currentTerm := c.cfg.ClusterID, c.cfg.Self, f.Identity, c.currentTerm
	network := c.network
	chunkSize, maxInFlight := c.cfg.SnapshotChunkSize, c.cfg.SnapshotMaxInFlight

	go func() {
		defer src.Close()
		header := func(int64) message.Header {
			return message.Header{ClusterID: clusterID, Sender: self, Recipient: recipient, Term: currentTerm}
		}
		sendChunk := func(msg message.InstallSnapshot) { network.Send(addr, msg) }
		timer := metrics.NewTimer()
		sendErr := snapshot.Send(context.Background(), snapshot.Source{Snapshot: src, Term: term, Index: index, Config: config}, chunkSize, maxInFlight, header, sendChunk)
		timer.ObserveDuration(metrics.SnapshotTransferDuration)
		outcome := "success"
		if sendErr != nil {
			outcome = "failure"
			log.Error("coordinator: sending snapshot to %s: %v", string(recipient), sendErr)
		}
		metrics.SnapshotTransfersTotal.WithLabelValues("send", outcome).Inc()
		c.submit(func() {
			if c.leaderState == nil {
				return
			}
			cur, ok := c.leaderState.Follower(recipient)
			if !ok || cur != f {
				return
			}
			f.SnapshotTransmit = nil
			if sendErr == nil {
				f.NextIndex = index + 1
				f.MatchIndex = index
				f.Synced = true
			}
		})
	}()
}

// leaderLeaseTimeoutMs grants each follower a lease offset so a
// LINEARIZABLE read that lands within the lease window can be trusted
// without a second round trip (spec.md §4.6.1).
func (c *Coordinator) leaderLeaseTimeoutMs() *int64 {
	lease, ok := c.leaderState.ComputeLeaderLeaseTimeout(now(), c.quorumSize(), c.cfg.MinElectionTimeout)
	if !ok {
		return nil
	}
	offset := int64(lease) - int64(now())
	return &offset
}

func (c *Coordinator) maybeAdvanceCommit() {
	if c.currentRole != role.Leader || c.leaderState == nil {
		return
	}
	selfMatch := c.log.LastIndex()
	newCommit := c.leaderState.AdvanceCommitIndex(c.commitIndex, selfMatch, c.quorumSize(), c.currentTerm, c.log)
	if newCommit > c.commitIndex {
		c.commitIndex = newCommit
		c.leaderState.CommittedThisTerm = true
		c.applyCommittedEntries()
		c.reportGauges()
	}
}
