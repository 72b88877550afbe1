// Package config loads a cluster peer's startup configuration from
// YAML, layering in spec.md §6's defaults, and turns it into the
// typed structs pkg/coordinator and pkg/clientapi need. Adapted from
// the teacher's `Manager.Config`/`cmd/warren` flag-and-YAML loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/raftkv/pkg/coordinator"
	"github.com/cuemby/raftkv/pkg/kv"
)

// Peer is one member of the cluster's initial configuration, as
// written in YAML.
type Peer struct {
	Identity string `yaml:"identity"`
	Address  string `yaml:"address"`
}

// File is the on-disk shape of a cluster peer's configuration file.
// Durations are plain milliseconds rather than Go duration strings so
// the file stays simple to generate from `cluster init`/`cluster join`.
type File struct {
	ClusterID   uint32 `yaml:"clusterId"`
	Self        string `yaml:"self"`
	SelfAddress string `yaml:"selfAddress"`
	DataDir     string `yaml:"dataDir"`
	Peers       []Peer `yaml:"peers"`

	MinElectionTimeoutMs   int  `yaml:"minElectionTimeoutMs"`
	MaxElectionTimeoutMs   int  `yaml:"maxElectionTimeoutMs"`
	HeartbeatTimeoutMs     int  `yaml:"heartbeatTimeoutMs"`
	MaxTransactionDuration int  `yaml:"maxTransactionDurationMs"`
	CommitTimeoutMs        int  `yaml:"commitTimeoutMs"`
	FollowerProbingEnabled bool `yaml:"followerProbingEnabled"`

	LogRetentionEntries int `yaml:"logRetentionEntries"`
	SnapshotChunkSize    int `yaml:"snapshotChunkSize"`
	SnapshotMaxInFlight  int `yaml:"snapshotMaxInFlight"`

	ClientAddress string `yaml:"clientAddress"`
	MetricsAddress string `yaml:"metricsAddress"`
}

// Defaults returns spec.md §6's suggested timeouts: a 150-300ms
// election range with a 50ms heartbeat, the same ratio classical Raft
// papers use so heartbeats land several times within the shortest
// possible election timeout.
func Defaults() File {
	return File{
		ClusterID:              1,
		MinElectionTimeoutMs:   150,
		MaxElectionTimeoutMs:   300,
		HeartbeatTimeoutMs:     50,
		MaxTransactionDuration: 5000,
		CommitTimeoutMs:        5000,
		FollowerProbingEnabled: true,
		LogRetentionEntries:    10000,
		SnapshotChunkSize:      256,
		SnapshotMaxInFlight:    4,
		ClientAddress:          "0.0.0.0:7421",
		MetricsAddress:         "0.0.0.0:7422",
	}
}

// Load reads and parses a YAML configuration file from path, merging
// it over Defaults().
func Load(path string) (File, error) {
	f := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return f, nil
}

// CoordinatorConfig converts f into a coordinator.Config, ready for
// coordinator.New.
func (f File) CoordinatorConfig() (coordinator.Config, error) {
	if f.Self == "" {
		return coordinator.Config{}, fmt.Errorf("config: self identity must not be empty")
	}
	initial := make(map[kv.Identity]kv.Address, len(f.Peers)+1)
	initial[kv.Identity(f.Self)] = kv.Address(f.SelfAddress)
	for _, p := range f.Peers {
		initial[kv.Identity(p.Identity)] = kv.Address(p.Address)
	}
	cfg := coordinator.Config{
		ClusterID:              f.ClusterID,
		Self:                   kv.Identity(f.Self),
		SelfAddress:            kv.Address(f.SelfAddress),
		InitialConfig:          initial,
		DataDir:                f.DataDir,
		MinElectionTimeout:     time.Duration(f.MinElectionTimeoutMs) * time.Millisecond,
		MaxElectionTimeout:     time.Duration(f.MaxElectionTimeoutMs) * time.Millisecond,
		HeartbeatTimeout:       time.Duration(f.HeartbeatTimeoutMs) * time.Millisecond,
		MaxTransactionDuration: time.Duration(f.MaxTransactionDuration) * time.Millisecond,
		CommitTimeout:          time.Duration(f.CommitTimeoutMs) * time.Millisecond,
		FollowerProbingEnabled: f.FollowerProbingEnabled,
		LogRetentionEntries:    f.LogRetentionEntries,
		SnapshotChunkSize:      f.SnapshotChunkSize,
		SnapshotMaxInFlight:    f.SnapshotMaxInFlight,
	}
	if err := cfg.Validate(); err != nil {
		return coordinator.Config{}, err
	}
	return cfg, nil
}

// CommitTimeout is how long pkg/clientapi waits for a transaction's
// commit to resolve when the request itself specifies no timeout.
func (f File) CommitTimeout() time.Duration {
	return time.Duration(f.CommitTimeoutMs) * time.Millisecond
}

// Save writes f to path as YAML, creating it if absent. Used by
// `cluster init`/`cluster join` to persist the configuration a
// follow-up `serve` reads back.
func (f File) Save(path string) error {
	out, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
