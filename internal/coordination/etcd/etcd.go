// Package etcd implements the coordination primitives on top of an etcd
// cluster: elections via etcd concurrency sessions, flags as watched keys
// under a common prefix, and the cursor KV as plain etcd keys.
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/relaybase/relay/internal/coordination"
)

const (
	campaignRetryInitial = 2 * time.Second
	campaignRetryMax     = 30 * time.Second
)

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	Namespace   string        `yaml:"namespace"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		SessionTTL:  10 * time.Second,
		Namespace:   "/relay",
	}
}

// Injection points for tests.
var (
	clientNew = func(cfg clientv3.Config) (*clientv3.Client, error) {
		return clientv3.New(cfg)
	}
	sessionNew = func(c *clientv3.Client, ttlSeconds int) (*concurrency.Session, error) {
		return concurrency.NewSession(c, concurrency.WithTTL(ttlSeconds))
	}
)

// Coordinator implements Elector, FlagStore and KV against one etcd client.
// Flags are cached locally and kept current by a watch on the flag prefix,
// so Bool never does a network round trip.
type Coordinator struct {
	cfg    Config
	client *clientv3.Client
	kv     clientv3.KV
	watch  clientv3.Watcher

	mu    sync.RWMutex
	flags map[string]bool

	lifecycleCtx context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closed       atomic.Bool
}

var (
	_ coordination.Elector   = (*Coordinator)(nil)
	_ coordination.FlagStore = (*Coordinator)(nil)
	_ coordination.KV        = (*Coordinator)(nil)
)

// New creates a Coordinator with the given configuration. Call Connect
// before using it.
func New(cfg Config) *Coordinator {
	def := DefaultConfig()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = def.Endpoints
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	cfg.Namespace = "/" + strings.Trim(cfg.Namespace, "/")

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:          cfg,
		flags:        make(map[string]bool),
		lifecycleCtx: ctx,
		cancel:       cancel,
	}
}

// Connect dials the cluster, loads the flag cache and starts the flag
// watcher.
func (c *Coordinator) Connect(ctx context.Context) error {
	client, err := clientNew(clientv3.Config{
		Endpoints:   c.cfg.Endpoints,
		DialTimeout: c.cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	c.client = client
	c.kv = client.KV
	c.watch = client.Watcher

	if err := c.loadFlags(ctx); err != nil {
		client.Close()
		return err
	}
	c.wg.Add(1)
	go c.watchFlags()

	slog.Info("Connected to etcd", "endpoints", c.cfg.Endpoints, "namespace", c.cfg.Namespace)
	return nil
}

// Close stops the flag watcher and closes the client. Terms still held are
// not resigned here; their sessions lapse on their own TTL.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Campaign blocks until this candidate holds the role's leadership or ctx
// is cancelled. Session failures during the wait are retried with backoff.
func (c *Coordinator) Campaign(ctx context.Context, role, candidateID string) (coordination.Term, error) {
	if c.closed.Load() {
		return nil, coordination.ErrClosed
	}
	retry := campaignRetryInitial
	for {
		t, err := c.campaignOnce(ctx, role, candidateID)
		if err == nil {
			slog.Info("Won leadership", "role", role, "candidate", candidateID)
			return t, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("Campaign attempt failed", "role", role, "error", err, "retry_in", retry)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.lifecycleCtx.Done():
			return nil, coordination.ErrClosed
		case <-time.After(retry):
		}
		retry *= 2
		if retry > campaignRetryMax {
			retry = campaignRetryMax
		}
	}
}

func (c *Coordinator) campaignOnce(ctx context.Context, role, candidateID string) (coordination.Term, error) {
	s, err := sessionNew(c.client, int(c.cfg.SessionTTL/time.Second))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e := concurrency.NewElection(s, c.cfg.Namespace+"/leader/"+role)
	if err := e.Campaign(ctx, candidateID); err != nil {
		s.Close()
		return nil, fmt.Errorf("campaign %s: %w", role, err)
	}
	return &term{session: s, election: e}, nil
}

// term is one etcd-backed tenure. The session keepalive holds the election
// key, so losing the session closes Done.
type term struct {
	session  *concurrency.Session
	election *concurrency.Election
}

func (t *term) Done() <-chan struct{} { return t.session.Done() }

func (t *term) Resign(ctx context.Context) error {
	select {
	case <-t.session.Done():
		return coordination.ErrNotLeader
	default:
	}
	err := t.election.Resign(ctx)
	t.session.Close()
	return err
}

func (c *Coordinator) flagPrefix() string { return c.cfg.Namespace + "/flags/" }

// Bool returns the cached flag value without touching etcd.
func (c *Coordinator) Bool(name string, def bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.flags[name]; ok {
		return v
	}
	return def
}

// SetBool writes the flag to etcd. Other nodes pick the change up through
// their watches; the local cache is updated immediately.
func (c *Coordinator) SetBool(ctx context.Context, name string, value bool) error {
	if c.closed.Load() {
		return coordination.ErrClosed
	}
	if _, err := c.kv.Put(ctx, c.flagPrefix()+name, strconv.FormatBool(value)); err != nil {
		return fmt.Errorf("set flag %s: %w", name, err)
	}
	c.mu.Lock()
	c.flags[name] = value
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all set flags.
func (c *Coordinator) Snapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

func (c *Coordinator) loadFlags(ctx context.Context) error {
	resp, err := c.kv.Get(ctx, c.flagPrefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	fresh := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), c.flagPrefix())
		v, err := strconv.ParseBool(string(kv.Value))
		if err != nil {
			slog.Warn("Skipping unparseable flag", "flag", name, "value", string(kv.Value))
			continue
		}
		fresh[name] = v
	}
	c.mu.Lock()
	c.flags = fresh
	c.mu.Unlock()
	return nil
}

// watchFlags keeps the flag cache current. A broken watch falls back to a
// full reload before re-watching.
func (c *Coordinator) watchFlags() {
	defer c.wg.Done()
	for {
		if !c.watchFlagsOnce() {
			return
		}
		select {
		case <-c.lifecycleCtx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *Coordinator) watchFlagsOnce() bool {
	wch := c.watch.Watch(c.lifecycleCtx, c.flagPrefix(), clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			slog.Error("Flag watch failed, reloading cache", "error", err)
			if lerr := c.loadFlags(c.lifecycleCtx); lerr != nil {
				slog.Error("Flag cache reload failed", "error", lerr)
			}
			return true
		}
		c.mu.Lock()
		for _, ev := range resp.Events {
			name := strings.TrimPrefix(string(ev.Kv.Key), c.flagPrefix())
			switch ev.Type {
			case clientv3.EventTypePut:
				v, err := strconv.ParseBool(string(ev.Kv.Value))
				if err != nil {
					slog.Warn("Skipping unparseable flag", "flag", name, "value", string(ev.Kv.Value))
					continue
				}
				c.flags[name] = v
			case clientv3.EventTypeDelete:
				delete(c.flags, name)
			}
		}
		c.mu.Unlock()
	}
	if c.lifecycleCtx.Err() != nil {
		return false
	}
	slog.Warn("Flag watch channel closed, reloading cache")
	if err := c.loadFlags(c.lifecycleCtx); err != nil {
		slog.Error("Flag cache reload failed", "error", err)
	}
	return true
}

func (c *Coordinator) keyFor(key string) string {
	return c.cfg.Namespace + "/" + strings.TrimPrefix(key, "/")
}

// Get reads one key. The second return reports whether the key exists.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, coordination.ErrClosed
	}
	resp, err := c.kv.Get(ctx, c.keyFor(key))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (c *Coordinator) Put(ctx context.Context, key string, value []byte) error {
	if c.closed.Load() {
		return coordination.ErrClosed
	}
	_, err := c.kv.Put(ctx, c.keyFor(key), string(value))
	return err
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if c.closed.Load() {
		return coordination.ErrClosed
	}
	_, err := c.kv.Delete(ctx, c.keyFor(key))
	return err
}

// List returns all keys under prefix, with the coordinator namespace
// stripped so callers see the same key shape they wrote.
func (c *Coordinator) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if c.closed.Load() {
		return nil, coordination.ErrClosed
	}
	resp, err := c.kv.Get(ctx, c.keyFor(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		k := strings.TrimPrefix(string(kv.Key), c.cfg.Namespace+"/")
		out[k] = append([]byte(nil), kv.Value...)
	}
	return out, nil
}
