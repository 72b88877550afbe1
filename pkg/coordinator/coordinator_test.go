package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/role"
	"github.com/cuemby/raftkv/pkg/store"
	"github.com/cuemby/raftkv/pkg/transport"
	"github.com/cuemby/raftkv/pkg/txn"
)

// testCluster boots n coordinators wired together over an in-memory
// transport hub, with aggressive timeouts so elections and replication
// settle quickly inside a unit test.
type testCluster struct {
	t     *testing.T
	hub   *transport.Hub
	nodes []*Coordinator
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	hub := transport.NewHub()
	config := make(map[kv.Identity]kv.Address, n)
	for i := 0; i < n; i++ {
		id := kv.Identity(string(rune('a' + i)))
		addr := kv.Address(string(rune('a' + i)))
		config[id] = addr
	}

	tc := &testCluster{t: t, hub: hub}
	for i := 0; i < n; i++ {
		id := kv.Identity(string(rune('a' + i)))
		addr := kv.Address(string(rune('a' + i)))
		cfg := Config{
			ClusterID:              1,
			Self:                   id,
			SelfAddress:            addr,
			InitialConfig:          config,
			DataDir:                t.TempDir(),
			MinElectionTimeout:     60 * time.Millisecond,
			MaxElectionTimeout:     90 * time.Millisecond,
			HeartbeatTimeout:       15 * time.Millisecond,
			MaxTransactionDuration: 5 * time.Second,
			CommitTimeout:          5 * time.Second,
			FollowerProbingEnabled: false,
		}
		st := store.NewBoltStore(cfg.DataDir)
		net := transport.NewInMemoryNetwork(hub, addr)
		c, err := New(cfg, st, net)
		require.NoError(t, err)
		require.NoError(t, c.Start())
		tc.nodes = append(tc.nodes, c)
	}
	t.Cleanup(func() {
		for _, c := range tc.nodes {
			_ = c.Stop()
		}
	})
	return tc
}

// awaitLeader polls until exactly one node reports itself leader, or
// fails the test after timeout.
func (tc *testCluster) awaitLeader() *Coordinator {
	tc.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var leader *Coordinator
		for _, c := range tc.nodes {
			var r bool
			c.runSync(func() { r = c.currentRole == role.Leader })
			if r {
				leader = c
			}
		}
		if leader != nil {
			return leader
		}
		time.Sleep(5 * time.Millisecond)
	}
	tc.t.Fatal("no leader elected in time")
	return nil
}

func TestClusterElectsALeader(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader()
	assert.NotNil(t, leader)
}

func TestClusterReplicatesACommittedWrite(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.awaitLeader()

	tx, err := leader.CreateTransaction(txn.Linearizable)
	require.NoError(t, err)
	tx.Put(kv.Key("hello"), []byte("world"))
	require.NoError(t, tx.Commit())

	deadline := time.Now().Add(2 * time.Second)
	for _, c := range tc.nodes {
		for {
			var value []byte
			var found bool
			c.runSync(func() {
				v, ok, _ := c.store.Get(kv.Key("hello"))
				value, found = v, ok
			})
			if found {
				assert.Equal(t, []byte("world"), value)
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("write never replicated to %s", c.cfg.Self)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
