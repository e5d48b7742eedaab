package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybase/relay/internal/replication"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadFrom_DefaultsWithoutFiles(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.NotEmpty(t, cfg.Store.URL)
	assert.NotEmpty(t, cfg.Directory.URI)
	assert.NotEmpty(t, cfg.Coordination.Endpoints)
	assert.Equal(t, 8, cfg.Fanout.Partitions)
	assert.Empty(t, cfg.Replication.Peers)
}

func TestLoadFrom_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", `
node:
  id: node-a
api:
  port: 9000
fanout:
  partitions: 4
  batch_size: 50
replication:
  datacenter: dc-east
  peers:
    - id: dc-west
      url: https://relay.dc-west.example.com
      secret: wssh
`)

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, 4, cfg.Fanout.Partitions)
	assert.Equal(t, 50, cfg.Fanout.BatchSize)
	assert.Equal(t, "dc-east", cfg.Replication.Datacenter)
	require.Len(t, cfg.Replication.Peers, 1)
	assert.Equal(t, replication.Peer{
		ID:     "dc-west",
		URL:    "https://relay.dc-west.example.com",
		Secret: "wssh",
	}, cfg.Replication.Peers[0])

	// Untouched sections keep their defaults.
	assert.NotEmpty(t, cfg.Store.URL)
	assert.Equal(t, 100, cfg.Replication.BatchSize)
}

func TestLoadFrom_LocalFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yml", "api:\n  port: 9000\n")
	writeConfig(t, dir, "config.local.yml", "api:\n  port: 9100\n")

	cfg, err := LoadFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.API.Port)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_NODE_ID", "env-node")
	t.Setenv("RELAY_API_PORT", "7777")
	t.Setenv("RELAY_ETCD_ENDPOINTS", "etcd-a:2379,etcd-b:2379")
	t.Setenv("RELAY_DATACENTER", "dc-env")

	cfg, err := LoadFrom(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, 7777, cfg.API.Port)
	assert.Equal(t, []string{"etcd-a:2379", "etcd-b:2379"}, cfg.Coordination.Endpoints)
	assert.Equal(t, "dc-env", cfg.Replication.Datacenter)
}

func TestValidate(t *testing.T) {
	t.Run("peer missing secret", func(t *testing.T) {
		cfg := Default()
		cfg.Replication.Peers = []replication.Peer{{ID: "dc-west", URL: "http://x"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate peer", func(t *testing.T) {
		cfg := Default()
		cfg.Replication.Peers = []replication.Peer{
			{ID: "dc-west", URL: "http://x", Secret: "s"},
			{ID: "dc-west", URL: "http://y", Secret: "s"},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("peer is the local datacenter", func(t *testing.T) {
		cfg := Default()
		cfg.Replication.Datacenter = "dc-east"
		cfg.Replication.Peers = []replication.Peer{{ID: "dc-east", URL: "http://x", Secret: "s"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("api port out of range", func(t *testing.T) {
		cfg := Default()
		cfg.API.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing store url", func(t *testing.T) {
		cfg := Default()
		cfg.Store.URL = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestNodeID_FallsBackToHostname(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.NodeID())

	cfg.Node.ID = "explicit"
	assert.Equal(t, "explicit", cfg.NodeID())
}
