// Package memory provides single-process coordination for tests and
// standalone deployments: in-process election, flags, and KV.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/relaybase/relay/internal/coordination"
)

// Coordinator implements Elector, FlagStore and KV in memory.
type Coordinator struct {
	mu     sync.Mutex
	roles  map[string]*term
	flags  map[string]bool
	kv     map[string][]byte
	queues map[string][]chan struct{} // candidates waiting per role
}

var (
	_ coordination.Elector   = (*Coordinator)(nil)
	_ coordination.FlagStore = (*Coordinator)(nil)
	_ coordination.KV        = (*Coordinator)(nil)
)

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{
		roles:  make(map[string]*term),
		flags:  make(map[string]bool),
		kv:     make(map[string][]byte),
		queues: make(map[string][]chan struct{}),
	}
}

type term struct {
	c         *Coordinator
	role      string
	candidate string
	done      chan struct{}
	once      sync.Once
}

func (t *term) Done() <-chan struct{} { return t.done }

func (t *term) Resign(ctx context.Context) error {
	var err error = coordination.ErrNotLeader
	t.once.Do(func() {
		err = nil
		close(t.done)
		t.c.release(t.role, t)
	})
	return err
}

// Campaign blocks until the role is free.
func (c *Coordinator) Campaign(ctx context.Context, role, candidateID string) (coordination.Term, error) {
	for {
		c.mu.Lock()
		if c.roles[role] == nil {
			t := &term{c: c, role: role, candidate: candidateID, done: make(chan struct{})}
			c.roles[role] = t
			c.mu.Unlock()
			return t, nil
		}
		wait := make(chan struct{})
		c.queues[role] = append(c.queues[role], wait)
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Revoke forcibly ends the current term for a role. Test helper standing
// in for a lost coordination session.
func (c *Coordinator) Revoke(role string) {
	c.mu.Lock()
	t := c.roles[role]
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.once.Do(func() {
		close(t.done)
		c.release(role, t)
	})
}

// Leader returns the current holder's candidate ID, if any.
func (c *Coordinator) Leader(role string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.roles[role]; t != nil {
		return t.candidate, true
	}
	return "", false
}

func (c *Coordinator) release(role string, t *term) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles[role] == t {
		c.roles[role] = nil
	}
	for _, w := range c.queues[role] {
		close(w)
	}
	c.queues[role] = nil
}

// Bool returns a flag value.
func (c *Coordinator) Bool(name string, def bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.flags[name]; ok {
		return v
	}
	return def
}

// SetBool updates a flag.
func (c *Coordinator) SetBool(ctx context.Context, name string, value bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[name] = value
	return nil
}

// Snapshot returns all set flags.
func (c *Coordinator) Snapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// Get reads a key.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.kv[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put writes a key.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	c.kv[key] = v
	return nil
}

// Delete removes a key.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	return nil
}

// List returns all keys under a prefix.
func (c *Coordinator) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range c.kv {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}
