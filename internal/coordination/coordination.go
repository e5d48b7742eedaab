// Package coordination abstracts the cluster coordination primitives the
// bus depends on: leader election for the singleton roles, live boolean
// flags, and a small KV space for replication cursors.
package coordination

import (
	"context"
	"errors"
)

// Singleton role names.
const (
	RoleFanout      = "fanout"
	RoleReplication = "replication"
)

// Live flag names. Flags are push-invalidated: a change becomes visible to
// cached readers without restarting anything.
const (
	FlagDedupEnabled       = "dedup-enabled"
	FlagReplicationEnabled = "replication-enabled"
)

var (
	// ErrClosed is returned after the coordinator has been shut down.
	ErrClosed = errors.New("coordination: closed")

	// ErrNotLeader is returned by Resign when the term already ended.
	ErrNotLeader = errors.New("coordination: not leader")
)

// Term is one tenure of leadership. Done closes when leadership is lost,
// whether by Resign or by the coordination backend expiring the holder.
type Term interface {
	// Done is closed when the term ends. Holders must stop writing as
	// soon as it closes.
	Done() <-chan struct{}

	// Resign gives leadership up voluntarily.
	Resign(ctx context.Context) error
}

// Elector elects one leader per role cluster-wide.
type Elector interface {
	// Campaign blocks until this candidate wins the role or ctx is
	// cancelled. The returned Term tracks the tenure.
	Campaign(ctx context.Context, role, candidateID string) (Term, error)
}

// FlagStore exposes cluster-wide boolean flags. Bool reads a local cache
// and never blocks; the implementation keeps the cache current.
type FlagStore interface {
	// Bool returns the flag value, or def when the flag is unset.
	Bool(name string, def bool) bool

	// SetBool updates the flag cluster-wide.
	SetBool(ctx context.Context, name string, value bool) error

	// Snapshot returns all set flags.
	Snapshot() map[string]bool
}

// KV is a small consistent key-value space for cursors and other
// coordination state. Keys are flat strings; callers namespace them.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}
