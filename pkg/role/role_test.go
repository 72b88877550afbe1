package role

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/raftlog"
)

func newTestLog(t *testing.T) *raftlog.Log {
	t.Helper()
	l, err := raftlog.LoadFromDirectory(t.TempDir(), 0, 0, nil)
	require.NoError(t, err)
	return l
}

type noopFailer struct{ failedFrom []int64 }

func (f *noopFailer) FailTransactionsWithBaseAtOrAfter(index int64) {
	f.failedFrom = append(f.failedFrom, index)
}

func TestQuorum(t *testing.T) {
	assert.Equal(t, 2, Quorum(3))
	assert.Equal(t, 3, Quorum(5))
	assert.Equal(t, 1, Quorum(1))
}

func TestNewLeaderStateTracksEveryOtherPeer(t *testing.T) {
	config := map[kv.Identity]kv.Address{
		"a": "addr-a", "b": "addr-b", "c": "addr-c",
	}
	ls := NewLeaderState("a", config, 5, clock.Now())

	_, ok := ls.Follower("a")
	assert.False(t, ok, "self must not be tracked as a follower")

	b, ok := ls.Follower("b")
	require.True(t, ok)
	assert.Equal(t, int64(6), b.NextIndex)
	assert.False(t, b.Synced)
}

func TestBuildAppendRequestProbesWhenNotSynced(t *testing.T) {
	l := newTestLog(t)
	_, err := l.AppendEntry(1, nil, nil)
	require.NoError(t, err)

	f := NewFollowerInfo("b", "addr-b", 1)
	req := BuildAppendRequest(f, "a", 1, 1, l, 0, clock.Now(), nil)
	assert.Equal(t, int64(0), req.LogEntryTerm, "unsynced follower gets a probe")
}

func TestBuildAppendRequestSendsEntryWhenSynced(t *testing.T) {
	l := newTestLog(t)
	entry, err := l.AppendEntry(1, kv.MutationSet{kv.Put{Key: kv.Key("x"), Value: []byte("y")}}, nil)
	require.NoError(t, err)

	f := NewFollowerInfo("b", "addr-b", entry.Index)
	f.Synced = true
	req := BuildAppendRequest(f, "a", 1, 1, l, 0, clock.Now(), nil)
	assert.Equal(t, int64(1), req.LogEntryTerm)
	require.NotNil(t, req.Mutations)
	assert.Len(t, *req.Mutations, 1)
}

func TestBuildAppendRequestOmitsMutationsForSkippedEntry(t *testing.T) {
	l := newTestLog(t)
	entry, err := l.AppendEntry(1, kv.MutationSet{kv.Put{Key: kv.Key("x"), Value: []byte("y")}}, nil)
	require.NoError(t, err)

	f := NewFollowerInfo("b", "addr-b", entry.Index)
	f.Synced = true
	f.SkipDataLogEntries[entry.Index] = true
	req := BuildAppendRequest(f, "a", 1, 1, l, 0, clock.Now(), nil)
	assert.Nil(t, req.Mutations)
}

func TestHandleAppendResponseAdvancesOnSuccess(t *testing.T) {
	ls := NewLeaderState("a", map[kv.Identity]kv.Address{"a": "x", "b": "y"}, 0, clock.Now())
	f, _ := ls.Follower("b")
	now := clock.Now()
	ls.HandleAppendResponse(f, message.AppendResponse{Success: true, MatchIndex: 5}, now)
	assert.True(t, f.Synced)
	assert.Equal(t, int64(5), f.MatchIndex)
	assert.Equal(t, int64(6), f.NextIndex)
	assert.Equal(t, now, f.LastResponseReceivedAt)
}

func TestHandleAppendResponseBacksOffOnFailure(t *testing.T) {
	ls := NewLeaderState("a", map[kv.Identity]kv.Address{"a": "x", "b": "y"}, 10, clock.Now())
	f, _ := ls.Follower("b")
	ls.HandleAppendResponse(f, message.AppendResponse{Success: false, MatchIndex: 3}, clock.Now())
	assert.False(t, f.Synced)
	assert.Equal(t, int64(4), f.NextIndex)
}

func TestQuorumMatchIndex(t *testing.T) {
	ls := NewLeaderState("a", map[kv.Identity]kv.Address{"a": "x", "b": "y", "c": "z"}, 0, clock.Now())
	fb, _ := ls.Follower("b")
	fc, _ := ls.Follower("c")
	fb.MatchIndex = 10
	fc.MatchIndex = 3
	// self=7, b=10, c=3 -> sorted desc [10,7,3], quorum=2 -> index[1]=7
	assert.Equal(t, int64(7), ls.QuorumMatchIndex(7, 3))
}

func TestAdvanceCommitIndexRequiresCurrentTerm(t *testing.T) {
	l := newTestLog(t)
	_, err := l.AppendEntry(1, nil, nil) // index 1, term 1
	require.NoError(t, err)
	_, err = l.AppendEntry(2, nil, nil) // index 2, term 2 (new leader's entry)
	require.NoError(t, err)

	ls := NewLeaderState("a", map[kv.Identity]kv.Address{"a": "x", "b": "y", "c": "z"}, 2, clock.Now())
	fb, _ := ls.Follower("b")
	fc, _ := ls.Follower("c")
	fb.MatchIndex = 1
	fc.MatchIndex = 1

	// quorum match index is 1 (term 1), not current term 2: commit must not advance.
	got := ls.AdvanceCommitIndex(0, 1, 3, 2, l)
	assert.Equal(t, int64(0), got)

	fb.MatchIndex = 2
	fc.MatchIndex = 2
	got = ls.AdvanceCommitIndex(0, 2, 3, 2, l)
	assert.Equal(t, int64(2), got)
}

func TestComputeLeaderLeaseTimeoutRequiresQuorumOfResponses(t *testing.T) {
	ls := NewLeaderState("a", map[kv.Identity]kv.Address{"a": "x", "b": "y", "c": "z"}, 0, clock.Now())
	_, ok := ls.ComputeLeaderLeaseTimeout(clock.Now(), 3, 750*time.Millisecond)
	assert.False(t, ok, "no follower has responded yet")

	fb, _ := ls.Follower("b")
	fb.Synced = true
	fb.LastResponseReceivedAt = clock.Now()
	lease, ok := ls.ComputeLeaderLeaseTimeout(clock.Now(), 3, 750*time.Millisecond)
	assert.True(t, ok)
	assert.True(t, lease.After(fb.LastResponseReceivedAt))
}

func TestShouldSnapshotTransmit(t *testing.T) {
	f := NewFollowerInfo("b", "addr", 5)
	assert.True(t, ShouldSnapshotTransmit(f, 10))
	f.NextIndex = 10
	assert.False(t, ShouldSnapshotTransmit(f, 10))
}

func TestFollowerHandleAppendRequestRejectsOnTermMismatch(t *testing.T) {
	l := newTestLog(t)
	_, err := l.AppendEntry(1, nil, nil)
	require.NoError(t, err)

	fs := NewFollowerState()
	req := message.AppendRequest{
		Header:       message.Header{Sender: "leader"},
		PrevLogIndex: 1,
		PrevLogTerm:  99, // mismatched term
		LogEntryTerm: 2,
	}
	decision, err := fs.HandleAppendRequest(req, l, clock.Now(), &noopFailer{}, nil)
	require.NoError(t, err)
	assert.False(t, decision.Success)
	assert.Equal(t, int64(0), decision.MatchIndex)
}

func TestFollowerHandleAppendRequestAppendsNewEntry(t *testing.T) {
	l := newTestLog(t)
	fs := NewFollowerState()
	req := message.AppendRequest{
		Header:       message.Header{Sender: "leader"},
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		LogEntryTerm: 1,
		Mutations:    &kv.MutationSet{kv.Put{Key: kv.Key("k"), Value: []byte("v")}},
	}
	decision, err := fs.HandleAppendRequest(req, l, clock.Now(), &noopFailer{}, nil)
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.Equal(t, int64(1), decision.MatchIndex)
	assert.Equal(t, "leader", string(*fs.Leader))
}

func TestFollowerHandleAppendRequestProbeDoesNotAppend(t *testing.T) {
	l := newTestLog(t)
	fs := NewFollowerState()
	req := message.AppendRequest{
		Header:       message.Header{Sender: "leader"},
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		LogEntryTerm: 0,
	}
	decision, err := fs.HandleAppendRequest(req, l, clock.Now(), &noopFailer{}, nil)
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.Equal(t, int64(0), l.LastIndex())
}

func TestFollowerHandleAppendRequestDiscardsConflictingTail(t *testing.T) {
	l := newTestLog(t)
	_, err := l.AppendEntry(1, nil, nil) // index 1, term 1
	require.NoError(t, err)
	_, err = l.AppendEntry(1, nil, nil) // index 2, term 1 (conflicting branch)
	require.NoError(t, err)

	fs := NewFollowerState()
	failer := &noopFailer{}
	req := message.AppendRequest{
		Header:       message.Header{Sender: "leader"},
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		LogEntryTerm: 2, // leader has a different term at index 2
	}
	decision, err := fs.HandleAppendRequest(req, l, clock.Now(), failer, nil)
	require.NoError(t, err)
	assert.True(t, decision.Success)
	assert.Equal(t, int64(2), decision.MatchIndex)
	assert.Equal(t, []int64{2}, failer.failedFrom)
	entry, err := l.EntryAtIndex(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Term)
}

func TestNextCommitIndex(t *testing.T) {
	assert.Equal(t, int64(5), NextCommitIndex(5, 2, 10))
	assert.Equal(t, int64(3), NextCommitIndex(5, 2, 3), "capped at lastIndex")
	assert.Equal(t, int64(4), NextCommitIndex(1, 4, 10), "keeps current when higher")
}

func TestFollowerProbing(t *testing.T) {
	fs := NewFollowerState()
	fs.BeginProbing()
	assert.True(t, fs.Probing)
	assert.False(t, fs.HasProbeQuorum(3))

	fs.RecordProbeResponse("b")
	assert.True(t, fs.HasProbeQuorum(3), "self + one response reaches quorum of 2 in a 3-node cluster")
}

func TestFollowerInfoLeaseTimeoutsStayOrderedAndPopExpired(t *testing.T) {
	f := NewFollowerInfo("b", "addr", 1)
	base := clock.Now()
	f.AddLeaseTimeout(base.Add(30 * time.Millisecond))
	f.AddLeaseTimeout(base.Add(10 * time.Millisecond))
	f.AddLeaseTimeout(base.Add(20 * time.Millisecond))
	assert.Equal(t, 3, f.PendingLeaseCount())

	expired := f.PopExpired(base.Add(20 * time.Millisecond))
	require.Len(t, expired, 2)
	assert.Equal(t, base.Add(10*time.Millisecond), expired[0])
	assert.Equal(t, base.Add(20*time.Millisecond), expired[1])
	assert.Equal(t, 1, f.PendingLeaseCount())
}

func TestCandidateStateQuorum(t *testing.T) {
	c := NewCandidateState("a")
	assert.Equal(t, 1, c.VoteCount())
	assert.False(t, c.HasQuorum(3))
	c.RecordVote("b")
	assert.True(t, c.HasQuorum(3))
}
