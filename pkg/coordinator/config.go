package coordinator

import (
	"fmt"
	"time"

	"github.com/cuemby/raftkv/pkg/kv"
)

// Config is everything the coordinator needs at startup. pkg/config
// loads this from YAML and layers in the spec.md §6 defaults; tests
// construct it directly.
type Config struct {
	ClusterID   uint32
	Self        kv.Identity
	SelfAddress kv.Address
	// InitialConfig seeds the cluster configuration on a fresh node. A
	// node recovering from disk ignores this in favor of the log's own
	// replayed configuration.
	InitialConfig map[kv.Identity]kv.Address
	DataDir       string

	MinElectionTimeout     time.Duration
	MaxElectionTimeout     time.Duration
	HeartbeatTimeout       time.Duration
	MaxTransactionDuration time.Duration
	CommitTimeout          time.Duration
	FollowerProbingEnabled bool

	// LogRetentionEntries caps how many applied log entries the leader
	// keeps around for straggling followers before trimming; a follower
	// whose NextIndex falls behind the trimmed portion is caught up with
	// a snapshot instead (spec.md §4.7). Zero disables trimming.
	LogRetentionEntries int
	// SnapshotChunkSize is how many key/value pairs pkg/snapshot batches
	// into a single InstallSnapshot message.
	SnapshotChunkSize int
	// SnapshotMaxInFlight bounds how many chunks pkg/snapshot may
	// compress and send concurrently per transfer.
	SnapshotMaxInFlight int
}

// withSnapshotDefaults fills in zero-valued snapshot tuning fields so
// callers that only care about the Raft core (tests, mostly) don't have
// to specify them.
func (c Config) withSnapshotDefaults() Config {
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = 256
	}
	if c.SnapshotMaxInFlight <= 0 {
		c.SnapshotMaxInFlight = 4
	}
	return c
}

// Validate enforces spec.md §6's startup invariant.
func (c Config) Validate() error {
	if c.HeartbeatTimeout >= c.MinElectionTimeout {
		return fmt.Errorf("coordinator: heartbeatTimeout (%s) must be less than minElectionTimeout (%s)", c.HeartbeatTimeout, c.MinElectionTimeout)
	}
	if c.MinElectionTimeout > c.MaxElectionTimeout {
		return fmt.Errorf("coordinator: minElectionTimeout (%s) must be at most maxElectionTimeout (%s)", c.MinElectionTimeout, c.MaxElectionTimeout)
	}
	if c.Self == "" {
		return fmt.Errorf("coordinator: self identity must not be empty")
	}
	return nil
}
