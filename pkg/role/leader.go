package role

import (
	"sort"
	"time"

	"github.com/elliotchance/orderedmap"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/raftlog"
)

// maxClockDrift is subtracted from a computed leader lease to absorb
// clock skew between peers (spec.md §4.6.1, referenced at SPEC_FULL.md
// §4 "Leader lease timeout").
const maxClockDrift = 50 * time.Millisecond

// LeaderState is everything a peer tracks only while it is the leader.
// Iteration order over Followers matters for nothing functionally, but
// orderedmap keeps heartbeat fan-out and test assertions deterministic
// rather than subject to Go's randomized map order.
type LeaderState struct {
	CurrentTermStartTime clock.Timestamp
	Followers            *orderedmap.OrderedMap

	// CommittedThisTerm is set once an entry from the leader's own term
	// has been committed; until then, configuration changes are refused
	// (spec.md §4.6.1's "classical Raft rule").
	CommittedThisTerm bool
}

// NewLeaderState builds follower tracking for every peer in config other
// than self, per the leader-entry behavior in spec.md §4.6.1.
func NewLeaderState(self kv.Identity, config map[kv.Identity]kv.Address, lastIndex int64, now clock.Timestamp) *LeaderState {
	followers := orderedmap.NewOrderedMap()
	// Deterministic peer order regardless of map iteration.
	identities := make([]kv.Identity, 0, len(config))
	for id := range config {
		if id == self {
			continue
		}
		identities = append(identities, id)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i] < identities[j] })
	for _, id := range identities {
		followers.Set(string(id), NewFollowerInfo(id, config[id], lastIndex+1))
	}
	return &LeaderState{CurrentTermStartTime: now, Followers: followers}
}

// Follower looks up tracking state for a peer.
func (l *LeaderState) Follower(id kv.Identity) (*FollowerInfo, bool) {
	v, ok := l.Followers.Get(string(id))
	if !ok {
		return nil, false
	}
	return v.(*FollowerInfo), true
}

// EachFollower calls fn once per tracked peer, in a stable order.
func (l *LeaderState) EachFollower(fn func(*FollowerInfo)) {
	for el := l.Followers.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*FollowerInfo))
	}
}

// AddPeer starts tracking a newly joined peer, used when a configuration
// change commits (spec.md §4.6.1 membership changes).
func (l *LeaderState) AddPeer(identity kv.Identity, address kv.Address, nextIndex int64) {
	l.Followers.Set(string(identity), NewFollowerInfo(identity, address, nextIndex))
}

// RemovePeer stops tracking a peer removed from the configuration.
func (l *LeaderState) RemovePeer(identity kv.Identity) {
	l.Followers.Delete(string(identity))
}

// BuildAppendRequest constructs the next message to send to f: a real
// entry if f is synced and one is available, otherwise a probe (spec.md
// §4.6.1, §4.6.2 step 5).
func BuildAppendRequest(f *FollowerInfo, self kv.Identity, clusterID uint32, currentTerm int64, log *raftlog.Log, leaderCommit int64, leaderTimestamp clock.Timestamp, leaderLeaseTimeoutMs *int64) message.AppendRequest {
	header := message.Header{ClusterID: clusterID, Sender: self, Recipient: f.Identity, Term: currentTerm}

	if f.Synced {
		if entry, err := log.EntryAtIndex(f.NextIndex); err == nil {
			prevTerm, _ := termAtIndexOrZero(log, f.NextIndex-1)
			mutations := entry.Mutations
			var mutPtr *kv.MutationSet
			if !f.SkipDataLogEntries[f.NextIndex] {
				mutPtr = &mutations
			}
			return message.AppendRequest{
				Header:             header,
				LeaderTimestamp:    leaderTimestamp,
				LeaderLeaseTimeout: leaderLeaseTimeoutMs,
				LeaderCommit:       leaderCommit,
				PrevLogTerm:        prevTerm,
				PrevLogIndex:       f.NextIndex - 1,
				LogEntryTerm:       entry.Term,
				Mutations:          mutPtr,
				ConfigChange:       entry.ConfigChange,
			}
		}
	}

	// Probe: either not yet synced, or caught up with nothing new to
	// send. Probes cap LeaderCommit at PrevLogIndex since the follower
	// cannot yet know an entry exists there.
	prevIndex := f.NextIndex - 1
	prevTerm, _ := termAtIndexOrZero(log, prevIndex)
	cappedCommit := leaderCommit
	if prevIndex < cappedCommit {
		cappedCommit = prevIndex
	}
	return message.AppendRequest{
		Header:             header,
		LeaderTimestamp:    leaderTimestamp,
		LeaderLeaseTimeout: leaderLeaseTimeoutMs,
		LeaderCommit:       cappedCommit,
		PrevLogTerm:        prevTerm,
		PrevLogIndex:       prevIndex,
		LogEntryTerm:       0,
	}
}

func termAtIndexOrZero(log *raftlog.Log, index int64) (int64, error) {
	if index <= 0 {
		return 0, nil
	}
	return log.TermAtIndex(index)
}

// HandleAppendResponse folds a follower's answer into its tracked state.
func (l *LeaderState) HandleAppendResponse(f *FollowerInfo, resp message.AppendResponse, now clock.Timestamp) {
	f.LeaderTimestamp = resp.LeaderTimestamp
	f.LastResponseReceivedAt = now
	if resp.Success {
		f.Synced = true
		f.MatchIndex = resp.MatchIndex
		f.NextIndex = resp.MatchIndex + 1
		return
	}
	f.Synced = false
	nextIndex := resp.MatchIndex + 1
	if nextIndex < 1 {
		nextIndex = 1
	}
	f.NextIndex = nextIndex
}

// ShouldSnapshotTransmit reports whether f has fallen far enough behind
// that the leader must send a snapshot instead of further log entries
// (spec.md §4.6.1, §4.7).
func ShouldSnapshotTransmit(f *FollowerInfo, earliestRetainedIndex int64) bool {
	return f.NextIndex < earliestRetainedIndex && f.SnapshotTransmit == nil
}

// QuorumMatchIndex returns the highest index known to be replicated to a
// quorum of clusterSize members, including self at selfMatchIndex.
func (l *LeaderState) QuorumMatchIndex(selfMatchIndex int64, clusterSize int) int64 {
	indices := make([]int64, 0, clusterSize)
	indices = append(indices, selfMatchIndex)
	l.EachFollower(func(f *FollowerInfo) { indices = append(indices, f.MatchIndex) })
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	q := Quorum(clusterSize)
	if q > len(indices) {
		return 0
	}
	return indices[q-1]
}

// AdvanceCommitIndex computes the new leaderCommit given the current one,
// honoring the rule that a leader may only advance commitIndex through an
// entry from its own current term (spec.md §4.6.1).
func (l *LeaderState) AdvanceCommitIndex(currentCommit, selfMatchIndex int64, clusterSize int, currentTerm int64, log *raftlog.Log) int64 {
	candidate := l.QuorumMatchIndex(selfMatchIndex, clusterSize)
	if candidate <= currentCommit {
		return currentCommit
	}
	term, err := log.TermAtIndex(candidate)
	if err != nil || term != currentTerm {
		return currentCommit
	}
	return candidate
}

// ComputeLeaderLeaseTimeout implements spec.md §4.6.1's formula: the
// leader picks the quorum whose members responded most recently and
// takes the min response time within that quorum, plus
// minElectionTimeout, minus clock drift slack. Self is always included,
// at now. Returns false if fewer than a quorum of peers (including self)
// have ever responded.
func (l *LeaderState) ComputeLeaderLeaseTimeout(now clock.Timestamp, clusterSize int, minElectionTimeout time.Duration) (clock.Timestamp, bool) {
	times := make([]clock.Timestamp, 0, clusterSize)
	times = append(times, now)
	l.EachFollower(func(f *FollowerInfo) {
		if f.Synced {
			times = append(times, f.LastResponseReceivedAt)
		}
	})
	q := Quorum(clusterSize)
	if len(times) < q {
		return 0, false
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	quorumFloor := times[q-1]
	return quorumFloor.Add(minElectionTimeout - maxClockDrift), true
}
