// Package cached wraps a directory.Store with the in-process cache every
// node actually reads from. Mutations go to the store first, then broadcast
// the subscription name on a NATS subject; every node (including the
// writer) refreshes that one entry on receipt. A periodic full resync
// bounds the staleness left by missed broadcasts.
package cached

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaybase/relay/internal/directory"
)

// Config holds the cache tuning knobs.
type Config struct {
	// Subject is the invalidation broadcast subject.
	Subject string `yaml:"subject"`
	// ResyncInterval is how often the full snapshot is rebuilt from the
	// store. It bounds staleness from missed invalidations.
	ResyncInterval time.Duration `yaml:"resync_interval"`
	// RefreshTimeout bounds the store fetch triggered by one
	// invalidation message.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{
		Subject:        "relay.directory.invalidate",
		ResyncInterval: 60 * time.Second,
		RefreshTimeout: 5 * time.Second,
	}
}

// Bus is the slice of the NATS connection used for invalidation
// broadcasts. Narrowed for testability.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Directory is a read-through cache over a directory.Store. It holds a
// complete snapshot so Get and List are memory reads on the hot path.
// Cached entries are treated as immutable; callers must not modify them.
type Directory struct {
	cfg   Config
	store directory.Store
	bus   Bus

	mu   sync.RWMutex
	subs map[string]*directory.Subscription

	natsSub      *nats.Subscription
	lifecycleCtx context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

var _ directory.Store = (*Directory)(nil)

// New creates an unstarted cache. Call Start before use.
func New(cfg Config, store directory.Store, bus Bus) *Directory {
	def := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	return &Directory{
		cfg:   cfg,
		store: store,
		bus:   bus,
		subs:  make(map[string]*directory.Subscription),
	}
}

// Start loads the initial snapshot, subscribes to invalidations and starts
// the resync loop. The initial load must succeed; everything after it
// degrades to stale reads rather than failing.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.resync(ctx); err != nil {
		return err
	}

	sub, err := d.bus.Subscribe(d.cfg.Subject, d.onInvalidate)
	if err != nil {
		return err
	}
	d.natsSub = sub

	d.lifecycleCtx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.resyncLoop()

	slog.Info("Subscription directory cache started",
		"subject", d.cfg.Subject,
		"resync_interval", d.cfg.ResyncInterval,
		"subscriptions", d.len())
	return nil
}

// Close stops the cache and closes the wrapped store.
func (d *Directory) Close(ctx context.Context) error {
	if d.natsSub != nil {
		_ = d.natsSub.Unsubscribe()
		d.natsSub = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
		d.cancel = nil
	}
	return d.store.Close(ctx)
}

// Get serves from the snapshot and falls through to the store on a miss,
// so a subscription created moments ago on another node is still found
// before its invalidation lands.
func (d *Directory) Get(ctx context.Context, name string) (*directory.Subscription, error) {
	d.mu.RLock()
	sub, ok := d.subs[name]
	d.mu.RUnlock()
	if ok {
		return sub, nil
	}

	sub, err := d.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.subs[name] = sub
	d.mu.Unlock()
	return sub, nil
}

// List returns the cached snapshot with expired subscriptions filtered
// out. The order is unspecified.
func (d *Directory) List(ctx context.Context) ([]*directory.Subscription, error) {
	now := time.Now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*directory.Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.Expired(now) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// Put writes through to the store, updates the local snapshot and
// broadcasts the name so other nodes refresh.
func (d *Directory) Put(ctx context.Context, sub *directory.Subscription) error {
	if err := d.store.Put(ctx, sub); err != nil {
		return err
	}

	// Re-read so the snapshot carries the stored state (resolved expiry,
	// created timestamp) rather than the caller's input.
	stored, err := d.store.Get(ctx, sub.Name)
	if err == nil {
		d.mu.Lock()
		d.subs[sub.Name] = stored
		d.mu.Unlock()
	}

	d.broadcast(sub.Name)
	return nil
}

// Delete removes the subscription from the store and the snapshot, then
// broadcasts the name.
func (d *Directory) Delete(ctx context.Context, name string) error {
	if err := d.store.Delete(ctx, name); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.subs, name)
	d.mu.Unlock()

	d.broadcast(name)
	return nil
}

func (d *Directory) broadcast(name string) {
	if err := d.bus.Publish(d.cfg.Subject, []byte(name)); err != nil {
		// Peers fall back to the periodic resync.
		slog.Warn("Failed to broadcast directory invalidation", "subscription", name, "error", err)
	}
}

// onInvalidate refreshes a single entry. The stale copy is dropped before
// the fetch so it cannot outlive the notification even if the fetch fails.
func (d *Directory) onInvalidate(msg *nats.Msg) {
	name := string(msg.Data)
	if name == "" {
		return
	}

	d.mu.Lock()
	delete(d.subs, name)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RefreshTimeout)
	defer cancel()

	sub, err := d.store.Get(ctx, name)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			slog.Warn("Failed to refresh invalidated subscription", "subscription", name, "error", err)
		}
		return
	}
	d.mu.Lock()
	d.subs[name] = sub
	d.mu.Unlock()
}

func (d *Directory) resyncLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.lifecycleCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.lifecycleCtx, d.cfg.ResyncInterval)
			if err := d.resync(ctx); err != nil {
				// Keep serving the previous snapshot.
				slog.Warn("Directory resync failed", "error", err)
			}
			cancel()
		}
	}
}

func (d *Directory) resync(ctx context.Context) error {
	subs, err := d.store.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*directory.Subscription, len(subs))
	for _, sub := range subs {
		next[sub.Name] = sub
	}
	d.mu.Lock()
	d.subs = next
	d.mu.Unlock()
	return nil
}

func (d *Directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
