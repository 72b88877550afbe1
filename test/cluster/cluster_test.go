package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/clientapi"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/txn"
)

// TestPartitionTriggersReElection partitions the current leader away
// from the rest of the cluster, confirms a different node takes over,
// and confirms a write committed through the new leader's client
// succeeds.
func TestPartitionTriggersReElection(t *testing.T) {
	c := New(t, 3)
	oldLeader := c.AwaitLeader()

	c.Partition(oldLeader)
	c.WaitFor(3*time.Second, "a new leader to be elected after partition", func() bool {
		for _, n := range c.Nodes {
			if n == oldLeader {
				continue
			}
			if n.Coord.IsLeader() {
				return true
			}
		}
		return false
	})

	var newLeader *Node
	for _, n := range c.Nodes {
		if n != oldLeader && n.Coord.IsLeader() {
			newLeader = n
		}
	}
	require.NotNil(t, newLeader)
	assert.False(t, oldLeader.Coord.IsLeader(), "partitioned node should step down once its lease expires")

	ctx, cancel := CtxTimeout(2 * time.Second)
	defer cancel()
	resp, err := clientapi.NewBuilder(txn.Linearizable).Put(kv.Key("after-partition"), []byte("ok")).Commit(ctx, newLeader.Client)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

// TestConflictingWritesOneWins starts two concurrent Rebasable
// transactions that both read the same key and then write back a
// derived value. Conflict detection only runs for Rebasable
// transactions (a plain commit always wins last-writer-takes-all), so
// whichever of these two commits second must instead fail once its
// base is rebased across the other's already-applied entry.
func TestConflictingWritesOneWins(t *testing.T) {
	c := New(t, 3)
	leader := c.AwaitLeader()

	ctx, cancel := CtxTimeout(2 * time.Second)
	defer cancel()
	seed, err := clientapi.NewBuilder(txn.Linearizable).Put(kv.Key("counter"), []byte{0}).Commit(ctx, leader.Client)
	require.NoError(t, err)
	require.True(t, seed.Success)

	results := make([]clientapi.Response, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := CtxTimeout(2 * time.Second)
			defer cancel()
			results[i], errs[i] = clientapi.NewBuilder(txn.Linearizable).
				Rebasable(true).
				Get(kv.Key("counter")).
				Put(kv.Key("counter"), []byte{byte(i + 1)}).
				Commit(ctx, leader.Client)
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		if results[i].Success {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one of two conflicting writers should commit")
}

// TestSnapshotCatchesUpLaggingFollower partitions a follower, commits
// enough entries that the leader would rather send a snapshot than
// replay its whole tail, heals the partition, and confirms the
// follower's own local (Eventual, non-forwarded) read sees the data —
// proof it arrived via snapshot install rather than normal replication
// it missed entirely.
func TestSnapshotCatchesUpLaggingFollower(t *testing.T) {
	c := New(t, 3)
	leader := c.AwaitLeader()

	var follower *Node
	for _, n := range c.Nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	c.Partition(follower)

	for i := 0; i < 50; i++ {
		ctx, cancel := CtxTimeout(2 * time.Second)
		resp, err := clientapi.NewBuilder(txn.Linearizable).
			Put(kv.Key("bulk"), []byte{byte(i)}).
			Commit(ctx, leader.Client)
		cancel()
		require.NoError(t, err)
		require.True(t, resp.Success)
	}

	c.Heal(follower)

	c.WaitFor(3*time.Second, "the healed follower to observe the latest write locally", func() bool {
		ctx, cancel := CtxTimeout(500 * time.Millisecond)
		defer cancel()
		resp, err := clientapi.NewBuilder(txn.Eventual).Get(kv.Key("bulk")).Commit(ctx, follower.Client)
		if err != nil || !resp.Success || len(resp.Results) == 0 {
			return false
		}
		return resp.Results[0].Found && len(resp.Results[0].Value) == 1 && resp.Results[0].Value[0] == byte(49)
	})
}

// TestWatchFiresAcrossCommitFromAnotherNode registers a watch on one
// node and confirms it fires once a different node's client commits a
// write to that key, proving watches observe cluster-wide commits and
// not just local ones.
func TestWatchFiresAcrossCommitFromAnotherNode(t *testing.T) {
	c := New(t, 3)
	leader := c.AwaitLeader()

	var watcher *Node
	for _, n := range c.Nodes {
		if n != leader {
			watcher = n
			break
		}
	}
	require.NotNil(t, watcher)

	fired := make(chan error, 1)
	go func() {
		ctx, cancel := CtxTimeout(3 * time.Second)
		defer cancel()
		_, err := clientapi.WatchKey(ctx, watcher.Client, kv.Key("watched"))
		fired <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the watch register before the write lands

	ctx, cancel := CtxTimeout(2 * time.Second)
	defer cancel()
	resp, err := clientapi.NewBuilder(txn.Linearizable).Put(kv.Key("watched"), []byte("v1")).Commit(ctx, leader.Client)
	require.NoError(t, err)
	require.True(t, resp.Success)

	select {
	case err := <-fired:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch never fired for a commit made through a different node")
	}
}
