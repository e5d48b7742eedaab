// Package services wires the bus components together and owns their
// lifecycle. The manager builds what the selected roles need, starts the
// leader runners and the API server, and tears everything down in reverse.
package services

import (
	"sync"

	"github.com/relaybase/relay/internal/api"
	"github.com/relaybase/relay/internal/config"
	"github.com/relaybase/relay/internal/coordination/etcd"
	"github.com/relaybase/relay/internal/dedup"
	"github.com/relaybase/relay/internal/directory/cached"
	natstore "github.com/relaybase/relay/internal/eventstore/nats"
	"github.com/relaybase/relay/internal/fanout"
	"github.com/relaybase/relay/internal/leader"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/peerauth"
	"github.com/relaybase/relay/internal/replication"
)

// Options selects which roles this process runs. Every role shares the
// same stores and coordination; the split only controls which background
// tasks and servers come up.
type Options struct {
	// RunFanout campaigns for the fanout leadership and drains the
	// master partitions while holding it.
	RunFanout bool
	// RunReplication campaigns for the replication leadership. The task
	// itself stays parked until the replication-enabled flag is on.
	RunReplication bool
	// RunAPI serves the HTTP surface.
	RunAPI bool
}

// Manager owns the component graph for one process.
type Manager struct {
	cfg  *config.Config
	opts Options

	store *natstore.Adapter
	layer *dedup.Layer
	dir   *cached.Directory
	coord *etcd.Coordinator
	rl    *logging.RateLimited

	keys    *peerauth.Keyring
	cursors *replication.Cursors
	sink    *replication.Sink
	repl    *replication.Manager

	fan     *fanout.Manager
	monitor *fanout.Monitor

	apiServer *api.Server
	runners   []*leader.Runner

	wg sync.WaitGroup
}

// NewManager creates an unconnected manager. Call Init before Start.
func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{
		cfg:  cfg,
		opts: opts,
	}
}
