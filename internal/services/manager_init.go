package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaybase/relay/internal/api"
	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/coordination/etcd"
	"github.com/relaybase/relay/internal/dedup"
	"github.com/relaybase/relay/internal/directory/cached"
	dirmongo "github.com/relaybase/relay/internal/directory/mongo"
	natstore "github.com/relaybase/relay/internal/eventstore/nats"
	"github.com/relaybase/relay/internal/fanout"
	"github.com/relaybase/relay/internal/leader"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/peerauth"
	"github.com/relaybase/relay/internal/replication"
)

// Init connects the shared infrastructure and builds the components the
// selected roles need. On error the caller is expected to exit; connections
// opened before the failure go down with the process.
func (m *Manager) Init(ctx context.Context) error {
	m.rl = logging.NewRateLimited(slog.Default(), logging.DefaultRateLimitedConfig())

	if err := m.initStores(ctx); err != nil {
		return err
	}
	if err := m.initDirectory(ctx); err != nil {
		return err
	}
	m.initReplication()
	if err := m.initFanout(); err != nil {
		return err
	}
	m.initAPI()

	return nil
}

func (m *Manager) initStores(ctx context.Context) error {
	m.store = natstore.New(m.cfg.Store)
	if err := m.store.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect event store: %w", err)
	}
	slog.Info("Connected to event store", "url", m.cfg.Store.URL, "stream", m.cfg.Store.Stream)

	m.coord = etcd.New(m.cfg.Coordination)
	if err := m.coord.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect coordination: %w", err)
	}
	slog.Info("Connected to coordination", "endpoints", m.cfg.Coordination.Endpoints)

	m.layer = dedup.New(m.store, m.coord)
	return nil
}

func (m *Manager) initDirectory(ctx context.Context) error {
	store, err := dirmongo.New(ctx, m.cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to connect subscription directory: %w", err)
	}

	m.dir = cached.New(m.cfg.Cache, store, m.store.Conn())
	if err := m.dir.Start(ctx); err != nil {
		return fmt.Errorf("failed to start directory cache: %w", err)
	}
	return nil
}

// initReplication builds the peer plumbing whenever peers are configured.
// The sink and keyring serve inbound pushes on any API node; the manager
// itself only runs under the replication role.
func (m *Manager) initReplication() {
	if len(m.cfg.Replication.Peers) == 0 {
		if m.opts.RunReplication {
			slog.Info("Replication role enabled but no peers configured")
		}
		return
	}

	secrets := make(map[string]string, len(m.cfg.Replication.Peers))
	for _, peer := range m.cfg.Replication.Peers {
		secrets[peer.ID] = peer.Secret
	}
	m.keys = peerauth.New(m.cfg.Replication.Datacenter, m.cfg.Replication.TokenTTL, secrets)
	m.cursors = replication.NewCursors(m.coord)
	m.sink = replication.NewSink(m.layer, m.cursors, m.rl)

	if !m.opts.RunReplication {
		return
	}

	client := replication.NewClient(m.keys, m.cfg.Replication.PushTimeout)
	m.repl = replication.New(m.cfg.Replication, m.layer, m.dir, m.coord, m.cursors, client, m.rl)

	gate := func() bool {
		return m.coord.Bool(coordination.FlagReplicationEnabled, false)
	}
	m.runners = append(m.runners, leader.New(leader.Config{
		Role:        coordination.RoleReplication,
		CandidateID: m.cfg.NodeID(),
	}, m.coord, m.repl, gate))

	slog.Info("Replication initialized",
		"datacenter", m.cfg.Replication.Datacenter,
		"peers", len(m.cfg.Replication.Peers))
}

func (m *Manager) initFanout() error {
	if !m.opts.RunFanout {
		return nil
	}

	eval, err := condition.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build condition evaluator: %w", err)
	}

	m.fan = fanout.New(m.cfg.Fanout, m.layer, m.dir, eval, m.rl)
	m.monitor = fanout.NewMonitor(m.cfg.Monitor, m.cfg.Fanout.Partitions, m.layer, m.rl)

	// The depth monitor shares the fanout tenure: one leader drains the
	// partitions and the same one watches the depths.
	task := leader.TaskFunc(func(ctx context.Context) error {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.monitor.Run(ctx)
		}()
		err := m.fan.Run(ctx)
		wg.Wait()
		return err
	})

	m.runners = append(m.runners, leader.New(leader.Config{
		Role:        coordination.RoleFanout,
		CandidateID: m.cfg.NodeID(),
	}, m.coord, task, nil))

	slog.Info("Fanout initialized", "partitions", m.cfg.Fanout.Partitions)
	return nil
}

func (m *Manager) initAPI() {
	if !m.opts.RunAPI {
		return
	}

	handler := api.NewHandler(api.Deps{
		Directory: m.dir,
		Store:     m.layer,
		Dedup:     m.layer,
		Flags:     m.coord,
		Sink:      m.sink,
		Keys:      m.keys,
		Fanout:    m.fan,
		Repl:      m.repl,
	})
	m.apiServer = api.NewServer(m.cfg.API, handler)
}
