// Package coordinator is the glue above every other package: it owns
// the single-threaded service dispatcher, the role state machine, the
// transaction registry, the persistent log and store, the network
// handler, and the timers, per spec.md §4.8 and §5's concurrency model.
//
// Exactly one goroutine — the dispatcher — ever touches role, log,
// transaction, or timer state; every other goroutine (network receive
// callbacks, client calls to Commit/Rollback, timer firings) only ever
// enqueues a closure onto the dispatcher's work queue and returns.
package coordinator

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/cuemby/raftkv/pkg/clock"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/raftlog"
	"github.com/cuemby/raftkv/pkg/role"
	"github.com/cuemby/raftkv/pkg/snapshot"
	"github.com/cuemby/raftkv/pkg/store"
	"github.com/cuemby/raftkv/pkg/timer"
	"github.com/cuemby/raftkv/pkg/transport"
	"github.com/cuemby/raftkv/pkg/txn"
	"github.com/cuemby/raftkv/pkg/watch"
)

// work is a closure the dispatcher goroutine runs with exclusive access
// to coordinator state. Every public method that touches state funnels
// through here instead of locking directly: running on the single
// dispatcher goroutine takes the place of spec.md §5's coordinator
// mutex, so the coordinator holds no such mutex.
type work func()

// Coordinator drives one cluster peer.
type Coordinator struct {
	cfg     Config
	store   store.Store
	network transport.Network
	log     *raftlog.Log
	watches *watch.Tracker

	// Every field below is touched only on the dispatcher goroutine
	// (see dispatchLoop/submit/runSync); there is no separate lock
	// because that single-goroutine discipline already serializes access.
	currentTerm   int64
	votedFor      *kv.Identity
	currentConfig map[kv.Identity]kv.Address
	// addressBook lets a peer's network address change mid-term without
	// a config-change log entry, per SPEC_FULL.md §4 Open Question (b).
	addressBook map[kv.Identity]kv.Address
	// configOverlay caches currentConfig in a radix tree keyed by
	// identity so config lookups and cluster-status queries don't walk a
	// map under the coordinator lock; rebuilt on every config change.
	configOverlay *iradix.Tree

	currentRole    role.Role
	leaderState    *role.LeaderState
	followerState  *role.FollowerState
	candidateState *role.CandidateState
	// snapshotReceiver drives the current inbound InstallSnapshot
	// transfer, if any; followerState.SnapshotReceive holds the
	// lightweight (term, index) bookkeeping role state needs without
	// importing pkg/snapshot or pkg/store.
	snapshotReceiver *snapshot.Receiver
	// snapshotReceiveStarted times the current inbound transfer for
	// SnapshotTransferDuration; set alongside snapshotReceiver.
	snapshotReceiveStarted *metrics.Timer

	commitIndex int64

	transactions map[string]*txn.Transaction
	// commitStarted times each transaction from SubmitCommit to its
	// eventual resolution, keyed by TxId, so TransactionCommitLatency
	// reflects the whole commit wait rather than just the final step.
	commitStarted map[string]*metrics.Timer
	// forwarded tracks commits a follower relayed to us as leader,
	// keyed by TxId, so the CommitResponse can be routed back once the
	// entry commits.
	forwarded map[string]forwardedCommit

	electionTimer   *timer.Timer
	heartbeatTimer  *timer.Timer
	probeTimer      *timer.Timer
	timerEvents     chan timer.Event
	pendingWork     chan work
	stopped         chan struct{}
	wg              sync.WaitGroup
}

// New constructs a coordinator. Call Start to begin running it.
func New(cfg Config, st store.Store, network transport.Network) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withSnapshotDefaults()
	return &Coordinator{
		cfg:           cfg,
		store:         st,
		network:       network,
		watches:       watch.New(),
		transactions:  make(map[string]*txn.Transaction),
		commitStarted: make(map[string]*metrics.Timer),
		forwarded:     make(map[string]forwardedCommit),
		addressBook:   make(map[kv.Identity]kv.Address),
		configOverlay: iradix.New(),
		timerEvents:   make(chan timer.Event, 16),
		pendingWork:   make(chan work, 256),
		stopped:       make(chan struct{}),
	}, nil
}

// Start opens the store, loads the log, resolves the starting
// configuration, and launches the dispatcher goroutine as a follower.
func (c *Coordinator) Start() error {
	if err := c.store.Start(); err != nil {
		return fmt.Errorf("coordinator: starting store: %w", err)
	}
	term, index, config, err := c.store.LastApplied()
	if err != nil {
		return fmt.Errorf("coordinator: reading last applied: %w", err)
	}
	l, err := raftlog.LoadFromDirectory(c.cfg.DataDir, index, term, config)
	if err != nil {
		return fmt.Errorf("coordinator: loading log: %w", err)
	}
	c.log = l
	c.currentTerm = l.LastTerm()
	c.currentConfig = l.BuildCurrentConfig()
	if len(c.currentConfig) == 0 {
		c.currentConfig = c.cfg.InitialConfig
	}
	c.rebuildConfigOverlay()

	c.electionTimer = timer.New("election", c.timerEvents)
	c.heartbeatTimer = timer.New("heartbeat", c.timerEvents)
	c.probeTimer = timer.New("probe", c.timerEvents)

	if err := c.network.Start(c.cfg.Self, c.onMessage); err != nil {
		return fmt.Errorf("coordinator: starting network: %w", err)
	}

	c.becomeFollower(c.currentTerm)

	c.wg.Add(1)
	go c.dispatchLoop()
	return nil
}

// Stop shuts the coordinator down; safe to call once.
func (c *Coordinator) Stop() error {
	close(c.stopped)
	c.wg.Wait()
	c.electionTimer.Cancel()
	c.heartbeatTimer.Cancel()
	c.probeTimer.Cancel()
	_ = c.network.Stop()
	return c.store.Stop()
}

// dispatchLoop is the sole goroutine that ever mutates coordinator
// state. It never blocks on anything but its own inbound channels
// (spec.md §5's "no operation may block indefinitely" suspension-point
// rule).
func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopped:
			return
		case ev := <-c.timerEvents:
			c.handleTimerEvent(ev)
		case w := <-c.pendingWork:
			w()
		}
	}
}

// submit enqueues w for execution on the dispatcher goroutine. Safe to
// call from any goroutine, including the dispatcher itself.
func (c *Coordinator) submit(w work) {
	select {
	case c.pendingWork <- w:
	case <-c.stopped:
	}
}

func (c *Coordinator) handleTimerEvent(ev timer.Event) {
	switch ev.Name {
	case "election":
		c.onElectionTimeout()
	case "heartbeat":
		c.onHeartbeatTick()
	case "probe":
		c.onProbeTimeout()
	}
}

func (c *Coordinator) onMessage(from kv.Identity, msg message.Message) {
	c.submit(func() { c.dispatchMessage(from, msg) })
}

func (c *Coordinator) rebuildConfigOverlay() {
	txn := iradix.New().Txn()
	for id, addr := range c.currentConfig {
		txn.Insert([]byte(id), addr)
	}
	c.configOverlay = txn.Commit()
}

// resolveAddress implements Open Question (b): the address book
// (re-addressing without consensus) takes priority over currentConfig.
func (c *Coordinator) resolveAddress(id kv.Identity) (kv.Address, bool) {
	if addr, ok := c.addressBook[id]; ok {
		return addr, true
	}
	if v, ok := c.configOverlay.Get([]byte(id)); ok {
		return v.(kv.Address), true
	}
	return "", false
}

// SetPeerAddress updates the address book for id without touching
// currentConfig or requiring a commit, per SPEC_FULL.md §4 Open
// Question (b).
func (c *Coordinator) SetPeerAddress(id kv.Identity, addr kv.Address) {
	c.submit(func() { c.addressBook[id] = addr })
}

// Watches returns the coordinator's key-watch tracker. Safe to call
// and register against from any goroutine; FireMutations still only
// runs from the dispatcher as entries commit.
func (c *Coordinator) Watches() *watch.Tracker { return c.watches }

// Self returns this peer's own identity, for callers (pkg/clientapi,
// pkg/config) that need it outside the dispatcher goroutine.
func (c *Coordinator) Self() kv.Identity { return c.cfg.Self }

// IsLeader reports whether this peer currently believes itself to be
// leader. Safe to call from any goroutine; the answer is inherently
// racy against in-flight elections, which is fine for status reporting
// and test synchronization but not for anything requiring linearizable
// leadership proof.
func (c *Coordinator) IsLeader() bool {
	var leader bool
	c.runSync(func() { leader = c.currentRole == role.Leader })
	return leader
}

func (c *Coordinator) send(to kv.Identity, msg message.Message) {
	addr, ok := c.resolveAddress(to)
	if !ok {
		log.Debug("coordinator: no known address for %s, dropping message", string(to))
		return
	}
	c.network.Send(addr, msg)
}

func (c *Coordinator) quorumSize() int {
	return len(c.currentConfig)
}

func (c *Coordinator) header(to kv.Identity) message.Header {
	return message.Header{ClusterID: c.cfg.ClusterID, Sender: c.cfg.Self, Recipient: to, Term: c.currentTerm}
}

// now is the relative clock reading the dispatcher uses throughout; a
// single call site makes it easy to see every place wall-clock time
// enters role/timer decisions.
func now() clock.Timestamp { return clock.Now() }
