package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raftkv.yaml")
	raw := `
self: node-a
selfAddress: 10.0.0.1:7420
dataDir: /var/lib/raftkv
peers:
  - identity: node-b
    address: 10.0.0.2:7420
heartbeatTimeoutMs: 25
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", f.Self)
	assert.Equal(t, 25, f.HeartbeatTimeoutMs)
	// untouched fields keep their Defaults() values
	assert.Equal(t, 150, f.MinElectionTimeoutMs)
	assert.Equal(t, 300, f.MaxElectionTimeoutMs)
}

func TestCoordinatorConfigBuildsInitialConfigFromSelfAndPeers(t *testing.T) {
	f := Defaults()
	f.Self = "node-a"
	f.SelfAddress = "10.0.0.1:7420"
	f.Peers = []Peer{{Identity: "node-b", Address: "10.0.0.2:7420"}}

	cfg, err := f.CoordinatorConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.InitialConfig, 2)
	assert.EqualValues(t, "10.0.0.1:7420", cfg.InitialConfig["node-a"])
}

func TestCoordinatorConfigRejectsEmptySelf(t *testing.T) {
	f := Defaults()
	_, err := f.CoordinatorConfig()
	assert.Error(t, err)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raftkv.yaml")
	f := Defaults()
	f.Self = "node-a"
	f.SelfAddress = "10.0.0.1:7420"

	require.NoError(t, f.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f.Self, loaded.Self)
	assert.Equal(t, f.SelfAddress, loaded.SelfAddress)
}
