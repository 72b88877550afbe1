// Package cluster provides an in-process multi-node harness for
// exercising raftkv end to end: several coordinators wired over a
// shared in-memory transport hub, each fronted by its own clientapi
// server, so scenario tests can partition peers, commit through
// whichever node a client happens to dial, and assert on the result
// the way a real deployment would be driven. Adapted from the
// teacher's test/framework.Cluster, trading its subprocess-per-node
// model (spawning a built binary under Lima/Docker) for coordinators
// started in-process, since raftkv has no container runtime to
// isolate nodes with.
package cluster

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/raftkv/pkg/clientapi"
	"github.com/cuemby/raftkv/pkg/coordinator"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/store"
	"github.com/cuemby/raftkv/pkg/transport"
)

// Node is one peer's coordinator plus its client-facing endpoint.
type Node struct {
	Identity kv.Identity
	Address  kv.Address
	Coord    *coordinator.Coordinator
	Server   *clientapi.Server
	Client   *clientapi.Client
}

// Cluster is a set of Nodes sharing an in-memory transport Hub, with
// aggressive timeouts so elections and replication settle quickly
// inside a test.
type Cluster struct {
	t     *testing.T
	Hub   *transport.Hub
	Nodes []*Node
}

// New boots an n-node cluster, serving each node's client endpoint on
// a local listener and dialing a client to it; it does not wait for
// the endpoints to accept connections. New registers a t.Cleanup that
// stops every node, so callers don't need to Stop it themselves.
func New(t *testing.T, n int) *Cluster {
	t.Helper()
	hub := transport.NewHub()
	initial := make(map[kv.Identity]kv.Address, n)
	for i := 0; i < n; i++ {
		id := kv.Identity(fmt.Sprintf("node-%d", i))
		initial[id] = kv.Address(id)
	}

	c := &Cluster{t: t, Hub: hub}
	for i := 0; i < n; i++ {
		id := kv.Identity(fmt.Sprintf("node-%d", i))
		addr := kv.Address(id)
		cfg := coordinator.Config{
			ClusterID:              1,
			Self:                   id,
			SelfAddress:            addr,
			InitialConfig:          initial,
			DataDir:                t.TempDir(),
			MinElectionTimeout:     60 * time.Millisecond,
			MaxElectionTimeout:     90 * time.Millisecond,
			HeartbeatTimeout:       15 * time.Millisecond,
			MaxTransactionDuration: 5 * time.Second,
			CommitTimeout:          5 * time.Second,
			FollowerProbingEnabled: false,
			LogRetentionEntries:    256,
		}
		st := store.NewBoltStore(cfg.DataDir)
		ntw := transport.NewInMemoryNetwork(hub, addr)
		coord, err := coordinator.New(cfg, st, ntw)
		if err != nil {
			t.Fatalf("cluster: constructing %s: %v", id, err)
		}
		if err := coord.Start(); err != nil {
			t.Fatalf("cluster: starting %s: %v", id, err)
		}

		srv := clientapi.NewServer(coord, cfg.CommitTimeout)
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("cluster: listening for %s: %v", id, err)
		}
		listenAddr := lis.Addr().String()
		go func() { _ = srv.Serve(lis) }()

		client, err := clientapi.Dial(listenAddr)
		if err != nil {
			t.Fatalf("cluster: dialing %s: %v", id, err)
		}

		node := &Node{Identity: id, Address: addr, Coord: coord, Server: srv, Client: client}
		c.Nodes = append(c.Nodes, node)
	}

	t.Cleanup(func() {
		for _, n := range c.Nodes {
			n.Client.Close()
			n.Server.Stop()
			_ = n.Coord.Stop()
		}
	})
	return c
}

// AwaitLeader polls until exactly one node believes itself leader, or
// fails the test after 3s.
func (c *Cluster) AwaitLeader() *Node {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var leader *Node
		count := 0
		for _, n := range c.Nodes {
			if n.Coord.IsLeader() {
				leader = n
				count++
			}
		}
		if count == 1 {
			return leader
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatal("cluster: no single leader elected in time")
	return nil
}

// WaitFor polls condition every 5ms until it returns true, or fails the
// test once timeout elapses. Mirrors the teacher's
// test/framework.Waiter.WaitFor, trimmed to this package's single
// polling cadence since every scenario here runs in-process and settles
// in milliseconds rather than the seconds a subprocess cluster needs.
func (c *Cluster) WaitFor(timeout time.Duration, description string, condition func() bool) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("cluster: timed out waiting for: %s", description)
}

// Partition cuts n off from every other node's transport.
func (c *Cluster) Partition(n *Node) { c.Hub.Partition(n.Address) }

// Heal reverses Partition.
func (c *Cluster) Heal(n *Node) { c.Hub.Heal(n.Address) }

// CtxTimeout returns a context bounded by d, for one-off client calls
// inside scenario tests.
func CtxTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
