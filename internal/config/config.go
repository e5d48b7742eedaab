// Package config aggregates every component's settings into one YAML
// document. Load order: defaults, config.yml, config.local.yml, then
// RELAY_* environment overrides, then validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaybase/relay/internal/api"
	"github.com/relaybase/relay/internal/coordination/etcd"
	"github.com/relaybase/relay/internal/directory/cached"
	dirmongo "github.com/relaybase/relay/internal/directory/mongo"
	natstore "github.com/relaybase/relay/internal/eventstore/nats"
	"github.com/relaybase/relay/internal/fanout"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/replication"
)

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	// ID is this node's leader-election candidate identity. Empty means
	// the hostname.
	ID string `yaml:"id"`
}

// Config holds the application configuration.
type Config struct {
	Node    NodeConfig     `yaml:"node"`
	Logging logging.Config `yaml:"logging"`

	// Components
	Store        natstore.Config `yaml:"store"`
	Directory    dirmongo.Config `yaml:"directory"`
	Cache        cached.Config   `yaml:"cache"`
	Coordination etcd.Config     `yaml:"coordination"`

	// Services
	Fanout      fanout.Config        `yaml:"fanout"`
	Monitor     fanout.MonitorConfig `yaml:"monitor"`
	Replication replication.Config   `yaml:"replication"`
	API         api.Config           `yaml:"api"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Logging:      logging.DefaultConfig(),
		Store:        natstore.DefaultConfig(),
		Directory:    dirmongo.DefaultConfig(),
		Cache:        cached.DefaultConfig(),
		Coordination: etcd.DefaultConfig(),
		Fanout:       fanout.DefaultConfig(),
		Monitor:      fanout.DefaultMonitorConfig(),
		Replication:  replication.DefaultConfig(),
		API:          api.DefaultConfig(),
	}
}

// Load reads the configuration from the config/ directory next to the
// working directory.
func Load() (*Config, error) {
	return LoadFrom("config")
}

// LoadFrom reads configuration files from the given directory.
// Order: defaults -> config.yml -> config.local.yml -> env -> Validate.
func LoadFrom(dir string) (*Config, error) {
	cfg := Default()

	loadFile(filepath.Join(dir, "config.yml"), cfg)
	loadFile(filepath.Join(dir, "config.local.yml"), cfg)

	cfg.Logging.ApplyDefaults()
	cfg.Logging.ApplyEnvOverrides()
	cfg.Logging.ResolvePaths(dir)
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return // File doesn't exist, skip
		}
		slog.Warn("Failed to read config file", "file", filename, "error", err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file", "file", filename, "error", err)
	}
}

// applyEnvOverrides applies environment variable overrides for the
// settings that commonly differ between deployments.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("RELAY_NODE_ID"); val != "" {
		c.Node.ID = val
	}
	if val := os.Getenv("RELAY_NATS_URL"); val != "" {
		c.Store.URL = val
	}
	if val := os.Getenv("RELAY_MONGO_URI"); val != "" {
		c.Directory.URI = val
	}
	if val := os.Getenv("RELAY_ETCD_ENDPOINTS"); val != "" {
		c.Coordination.Endpoints = strings.Split(val, ",")
	}
	if val := os.Getenv("RELAY_DATACENTER"); val != "" {
		c.Replication.Datacenter = val
	}
	if val := os.Getenv("RELAY_API_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.API.Port = port
		} else {
			slog.Warn("Ignoring invalid RELAY_API_PORT", "value", val)
		}
	}
}

// NodeID resolves the node identity, falling back to the hostname.
func (c *Config) NodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}
	host, err := os.Hostname()
	if err != nil {
		return "relay-node"
	}
	return host
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store: url is required")
	}
	if c.Directory.URI == "" {
		return fmt.Errorf("directory: uri is required")
	}
	if len(c.Coordination.Endpoints) == 0 {
		return fmt.Errorf("coordination: at least one etcd endpoint is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api: port %d out of range", c.API.Port)
	}

	seen := make(map[string]bool, len(c.Replication.Peers))
	for _, peer := range c.Replication.Peers {
		if peer.ID == "" || peer.URL == "" || peer.Secret == "" {
			return fmt.Errorf("replication: every peer needs id, url and secret")
		}
		if peer.ID == c.Replication.Datacenter {
			return fmt.Errorf("replication: peer %q duplicates the local datacenter", peer.ID)
		}
		if seen[peer.ID] {
			return fmt.Errorf("replication: duplicate peer %q", peer.ID)
		}
		seen[peer.ID] = true
	}
	return nil
}
