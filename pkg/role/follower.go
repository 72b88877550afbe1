package role

import (
	"time"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/raftlog"
)

// SnapshotReceiveState tracks a follower's in-progress InstallSnapshot
// intake (spec.md §4.7). pkg/snapshot owns chunk decoding; this just
// remembers which generation is being written.
type SnapshotReceiveState struct {
	SnapshotTerm  int64
	SnapshotIndex int64
	NextPairIndex int64
}

// TransactionFailer lets FollowerState fail open transactions without
// importing pkg/txn or pkg/coordinator, avoiding an import cycle.
type TransactionFailer interface {
	FailTransactionsWithBaseAtOrAfter(index int64)
}

// FollowerState is everything a peer tracks only while it is a follower
// (spec.md §3 "Follower info" — note this is distinct from
// role.FollowerInfo, which is the leader's view of *other* peers).
type FollowerState struct {
	Leader                *kv.Identity
	LeaderAddress         *kv.Address
	VotedFor              *kv.Identity
	LeaderLeaseTimeout    clock.Timestamp
	LastLeaderMessageTime clock.Timestamp
	SnapshotReceive       *SnapshotReceiveState

	Probing        bool
	probeResponses map[kv.Identity]bool
}

// NewFollowerState returns a freshly reset follower state, used both on
// startup and whenever a peer reverts to follower from another role.
func NewFollowerState() *FollowerState {
	return &FollowerState{probeResponses: make(map[kv.Identity]bool)}
}

// AppendDecision is the result of processing one AppendRequest, ready to
// become an AppendResponse once the caller fills in Header and
// LeaderTimestamp.
type AppendDecision struct {
	Success    bool
	MatchIndex int64
}

// HandleAppendRequest implements the follower's AppendRequest handling
// steps from spec.md §4.6.2. It does not itself check the message's term
// against currentTerm — the coordinator performs the term-bump/step-down
// dance described in spec.md §4.6 before routing here — but it does
// perform every log-consistency and log-mutation step.
//
// pendingMutations supplies the mutation set when the message omitted it
// because the follower itself originated the commit (SkipDataLogEntries
// on the leader side); it may be nil for a probe or when the message
// already carries its own mutations.
func (fs *FollowerState) HandleAppendRequest(req message.AppendRequest, log *raftlog.Log, now clock.Timestamp, failer TransactionFailer, pendingMutations *kv.MutationSet) (AppendDecision, error) {
	sender := req.Sender
	fs.Leader = &sender
	if req.LeaderLeaseTimeout != nil {
		fs.LeaderLeaseTimeout = req.LeaderTimestamp.Add(time.Duration(*req.LeaderLeaseTimeout) * time.Millisecond)
	}
	fs.LastLeaderMessageTime = now
	fs.Probing = false

	lastAppliedIndex := log.LastAppliedIndex()
	lastIndex := log.LastIndex()

	if req.PrevLogIndex >= lastAppliedIndex {
		if req.PrevLogIndex > lastIndex {
			return AppendDecision{Success: false, MatchIndex: lastAppliedIndex}, nil
		}
		if req.PrevLogIndex > 0 {
			term, err := log.TermAtIndex(req.PrevLogIndex)
			if err != nil || term != req.PrevLogTerm {
				return AppendDecision{Success: false, MatchIndex: lastAppliedIndex}, nil
			}
		}
	}

	if req.LogEntryTerm == 0 {
		// Probe: no entry carried, just a consistency check.
		return AppendDecision{Success: true, MatchIndex: req.PrevLogIndex}, nil
	}

	newIndex := req.PrevLogIndex + 1
	if newIndex <= lastIndex {
		existingTerm, err := log.TermAtIndex(newIndex)
		if err == nil && existingTerm == req.LogEntryTerm {
			// Already have this entry (a retried append); idempotent.
			return AppendDecision{Success: true, MatchIndex: newIndex}, nil
		}
		if err := log.DiscardLogEntriesFrom(newIndex); err != nil {
			return AppendDecision{}, err
		}
		failer.FailTransactionsWithBaseAtOrAfter(newIndex)
	}

	mutations := kv.MutationSet{}
	switch {
	case req.Mutations != nil:
		mutations = *req.Mutations
	case pendingMutations != nil:
		mutations = *pendingMutations
	}

	entry, err := log.AppendEntry(req.LogEntryTerm, mutations, req.ConfigChange)
	if err != nil {
		return AppendDecision{}, err
	}
	return AppendDecision{Success: true, MatchIndex: entry.Index}, nil
}

// NextCommitIndex implements "update commitIndex = min(max(leaderCommit,
// commitIndex), lastIndex)" from spec.md §4.6.2 step 6.
func NextCommitIndex(leaderCommit, currentCommit, lastIndex int64) int64 {
	c := currentCommit
	if leaderCommit > c {
		c = leaderCommit
	}
	if c > lastIndex {
		c = lastIndex
	}
	return c
}

// BeginProbing starts follower probing ahead of an election timeout, per
// spec.md §4.6.2's optional probing behavior.
func (fs *FollowerState) BeginProbing() {
	fs.Probing = true
	fs.probeResponses = make(map[kv.Identity]bool)
}

// RecordProbeResponse notes that from answered this follower's probe.
func (fs *FollowerState) RecordProbeResponse(from kv.Identity) {
	if fs.probeResponses == nil {
		fs.probeResponses = make(map[kv.Identity]bool)
	}
	fs.probeResponses[from] = true
}

// HasProbeQuorum reports whether a majority (counting self) has answered
// probes, meaning it is safe to become a candidate.
func (fs *FollowerState) HasProbeQuorum(clusterSize int) bool {
	return len(fs.probeResponses)+1 >= Quorum(clusterSize)
}
