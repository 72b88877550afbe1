package role

import (
	"sort"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
)

// SnapshotTransmitState tracks a leader's in-progress InstallSnapshot
// stream to one follower (spec.md §4.7). pkg/snapshot owns the actual
// chunk production; this just remembers where the stream is.
type SnapshotTransmitState struct {
	SnapshotTerm  int64
	SnapshotIndex int64
	NextPairIndex int64
}

// FollowerInfo is everything a leader tracks about one other peer
// (spec.md §3 "Follower info").
type FollowerInfo struct {
	Identity kv.Identity
	Address  kv.Address

	NextIndex    int64
	MatchIndex   int64
	LeaderCommit int64 // highest leaderCommit sent to this follower so far
	Synced       bool

	// LeaderTimestamp is the clock reading this follower last echoed back
	// in an AppendResponse.
	LeaderTimestamp clock.Timestamp
	// LastResponseReceivedAt is the leader's own local clock reading at
	// the moment that response arrived — the quantity the leader lease
	// computation actually needs (spec.md §4.6.1).
	LastResponseReceivedAt clock.Timestamp

	SnapshotTransmit *SnapshotTransmitState

	// SkipDataLogEntries marks log indices whose mutations this follower
	// already has because it originated the commit; the leader's next
	// AppendRequest for such an index omits the mutation payload.
	SkipDataLogEntries map[int64]bool

	// commitLeaseTimeouts is a sorted (ascending) set of deadlines at
	// which this follower's pending linearizable read-only transactions
	// become eligible to complete once the leader lease advances past
	// them.
	commitLeaseTimeouts []clock.Timestamp
}

// NewFollowerInfo returns a freshly created entry for a peer just after
// a leader transition, per spec.md §4.6.1's leader-entry behavior.
func NewFollowerInfo(identity kv.Identity, address kv.Address, nextIndex int64) *FollowerInfo {
	return &FollowerInfo{
		Identity:           identity,
		Address:            address,
		NextIndex:          nextIndex,
		MatchIndex:         0,
		Synced:             false,
		SkipDataLogEntries: make(map[int64]bool),
	}
}

// AddLeaseTimeout records a deadline this follower's caller is waiting
// on, keeping the set sorted.
func (f *FollowerInfo) AddLeaseTimeout(t clock.Timestamp) {
	i := sort.Search(len(f.commitLeaseTimeouts), func(i int) bool {
		return !f.commitLeaseTimeouts[i].Before(t)
	})
	f.commitLeaseTimeouts = append(f.commitLeaseTimeouts, 0)
	copy(f.commitLeaseTimeouts[i+1:], f.commitLeaseTimeouts[i:])
	f.commitLeaseTimeouts[i] = t
}

// PopExpired removes and returns every recorded deadline that has
// already passed as of now, in ascending order.
func (f *FollowerInfo) PopExpired(now clock.Timestamp) []clock.Timestamp {
	i := 0
	for i < len(f.commitLeaseTimeouts) && !f.commitLeaseTimeouts[i].After(now) {
		i++
	}
	expired := f.commitLeaseTimeouts[:i]
	f.commitLeaseTimeouts = f.commitLeaseTimeouts[i:]
	return expired
}

// PendingLeaseCount reports how many lease deadlines are still
// outstanding for this follower.
func (f *FollowerInfo) PendingLeaseCount() int {
	return len(f.commitLeaseTimeouts)
}
