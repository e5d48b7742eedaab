package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybase/relay/internal/coordination"
	coordmem "github.com/relaybase/relay/internal/coordination/memory"
	"github.com/relaybase/relay/internal/events"
	"github.com/relaybase/relay/internal/eventstore"
	storemem "github.com/relaybase/relay/internal/eventstore/memory"
)

const testChannel = "orders"

func newTestLayer(t *testing.T, dedupOn bool) (*Layer, *storemem.Store) {
	t.Helper()
	store := storemem.New()
	flags := coordmem.New()
	require.NoError(t, flags.SetBool(context.Background(), coordination.FlagDedupEnabled, dedupOn))
	return New(store, flags), store
}

func event(key, version string) *events.Event {
	return events.New("orders", key, events.ChangeUpdate, map[string]any{"v": version}, 8)
}

func poll(t *testing.T, l *Layer, limit int) []*eventstore.Leased {
	t.Helper()
	leased, err := l.Poll(context.Background(), testChannel, limit, time.Minute)
	require.NoError(t, err)
	return leased
}

func TestOffer_CollapsesSameKey(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	seq1, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	seq2, err := l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1, "every offer appends durably")
	assert.Equal(t, 1, l.PendingKeys(testChannel))

	leased := poll(t, l, 10)
	require.Len(t, leased, 1, "the superseded copy collapses away")
	assert.Equal(t, "v2", leased[0].Event.Document["v"], "newest payload wins")
	assert.Equal(t, 0, l.PendingKeys(testChannel), "checkout clears the key")

	size, err := l.SizeEstimate(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size, "the superseded copy is acked, only the delivery is in flight")
}

func TestOffer_NewestPayloadSurvivesRestart(t *testing.T) {
	store := storemem.New()
	flags := coordmem.New()
	ctx := context.Background()
	require.NoError(t, flags.SetBool(ctx, coordination.FlagDedupEnabled, true))

	l := New(store, flags)
	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)

	// The process crashes after the offers were confirmed durable; a new
	// layer comes up over the same store with an empty index. The newest
	// payload must still deliver: losing the index may duplicate, never
	// omit.
	restarted := New(store, flags)
	leased, err := restarted.Poll(ctx, testChannel, 10, time.Minute)
	require.NoError(t, err)

	versions := make([]string, 0, len(leased))
	for _, le := range leased {
		versions = append(versions, le.Event.Document["v"].(string))
	}
	assert.Contains(t, versions, "v2", "the acked-off newest payload must not be lost")
}

func TestOffer_DistinctKeysAppendSeparately(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k2", "v1"))
	require.NoError(t, err)
	assert.Equal(t, 2, l.PendingKeys(testChannel))

	leased := poll(t, l, 10)
	assert.Len(t, leased, 2)
}

func TestOffer_AfterCheckoutAppendsFresh(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)

	leased := poll(t, l, 10)
	require.Len(t, leased, 1)
	assert.Equal(t, "v2", leased[0].Event.Document["v"])

	// The key is checked out; a later update must append a new entry
	// instead of mutating the in-flight one.
	_, err = l.Offer(ctx, testChannel, event("k1", "v3"))
	require.NoError(t, err)

	leased = poll(t, l, 10)
	require.Len(t, leased, 1)
	assert.Equal(t, "v3", leased[0].Event.Document["v"])
}

func TestMoveBacklog_MovesStoredEntries(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k2", "v1"))
	require.NoError(t, err)

	moved, err := l.MoveBacklog(ctx, testChannel, "parking")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, 0, l.PendingKeys(testChannel), "moved keys leave the index")

	size, err := l.SizeEstimate(ctx, testChannel)
	require.NoError(t, err)
	assert.Zero(t, size, "source drains completely")

	leased, err := l.Poll(ctx, "parking", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, "k1", leased[0].Event.Key)
	assert.Equal(t, "k2", leased[1].Event.Key)
}

func TestMoveBacklog_DeliversCollapsedPayloadOnce(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)

	moved, err := l.MoveBacklog(ctx, testChannel, "parking")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	leased, err := l.Poll(ctx, "parking", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1, "the collapsed key yields exactly one entry")
	assert.Equal(t, "v2", leased[0].Event.Document["v"], "newest payload wins")

	size, err := l.SizeEstimate(ctx, testChannel)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMoveBacklog_EmptySource(t *testing.T) {
	l, _ := newTestLayer(t, true)

	moved, err := l.MoveBacklog(context.Background(), testChannel, "parking")
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestOffer_FlagOffAppendsEverything(t *testing.T) {
	l, _ := newTestLayer(t, false)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.PendingKeys(testChannel), "flag off must not index")

	leased := poll(t, l, 10)
	assert.Len(t, leased, 2)
}

func TestFlagToggle_ChangesBehaviorGoingForwardOnly(t *testing.T) {
	store := storemem.New()
	flags := coordmem.New()
	l := New(store, flags)
	ctx := context.Background()

	// Collapsed while enabled.
	require.NoError(t, flags.SetBool(ctx, coordination.FlagDedupEnabled, true))
	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)

	// Disabling does not undo the collapse, and new offers append.
	require.NoError(t, flags.SetBool(ctx, coordination.FlagDedupEnabled, false))
	_, err = l.Offer(ctx, testChannel, event("k1", "v3"))
	require.NoError(t, err)

	leased := poll(t, l, 10)
	require.Len(t, leased, 2)
	assert.Equal(t, "v2", leased[0].Event.Document["v"], "indexed entries still collapse")
	assert.Equal(t, "v3", leased[1].Event.Document["v"])
}

func TestFlagToggle_OffToOnStartsCollapsing(t *testing.T) {
	store := storemem.New()
	flags := coordmem.New()
	l := New(store, flags)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)

	require.NoError(t, flags.SetBool(ctx, coordination.FlagDedupEnabled, true))
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v3"))
	require.NoError(t, err)

	// v1 predates the toggle and stays a separate entry; v2/v3 collapse.
	leased := poll(t, l, 10)
	require.Len(t, leased, 2)
	assert.Equal(t, "v1", leased[0].Event.Document["v"])
	assert.Equal(t, "v3", leased[1].Event.Document["v"])
}

func TestMigrate_ReleasesCollapsedBacklog(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k2", "v1"))
	require.NoError(t, err)

	migrated, err := l.Migrate(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, 2, migrated, "both pending keys release")
	assert.Equal(t, 0, l.PendingKeys(testChannel))

	// The backlog delivers fully expanded: k1's superseded v1 is no longer
	// collapsed away.
	leased := poll(t, l, 10)
	require.Len(t, leased, 3)
	assert.Equal(t, "v1", leased[0].Event.Document["v"])
	assert.Equal(t, "v2", leased[1].Event.Document["v"])
	assert.Equal(t, "v1", leased[2].Event.Document["v"])

	// Idempotent.
	migrated, err = l.Migrate(ctx, testChannel)
	require.NoError(t, err)
	assert.Zero(t, migrated)
}

func TestMigrate_AllChannels(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, "orders", event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, "orders", event("k1", "v2"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, "audit", event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, "audit", event("k1", "v2"))
	require.NoError(t, err)

	migrated, err := l.Migrate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, migrated)
}

func TestPoll_LeaseExpiryRedeliversNewestPayload(t *testing.T) {
	l, store := newTestLayer(t, true)
	ctx := context.Background()

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	_, err = l.Offer(ctx, testChannel, event("k1", "v2"))
	require.NoError(t, err)

	leased, err := l.Poll(ctx, testChannel, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, "v2", leased[0].Event.Document["v"])

	// Consumer crashes; the lease lapses and the newest entry is
	// redelivered. The superseded v1 was acked on first poll and stays
	// gone.
	now = now.Add(2 * time.Minute)
	leased, err = l.Poll(ctx, testChannel, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, "v2", leased[0].Event.Document["v"])
}

func TestPurge_ClearsIndex(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	_, err := l.Offer(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	require.Equal(t, 1, l.PendingKeys(testChannel))

	require.NoError(t, l.Purge(ctx, testChannel))
	assert.Equal(t, 0, l.PendingKeys(testChannel))

	leased := poll(t, l, 10)
	assert.Empty(t, leased)
}

func TestDelegation_PassesThrough(t *testing.T) {
	l, _ := newTestLayer(t, true)
	ctx := context.Background()

	seq, err := l.Append(ctx, testChannel, event("k1", "v1"))
	require.NoError(t, err)
	assert.Equal(t, 0, l.PendingKeys(testChannel), "plain append bypasses the index")

	stored, err := l.Peek(ctx, testChannel, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, seq, stored[0].Seq)

	size, err := l.SizeEstimate(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)

	leased := poll(t, l, 10)
	require.Len(t, leased, 1)
	require.NoError(t, l.Renew(ctx, testChannel, []string{leased[0].Handle}, time.Minute))
	require.NoError(t, l.Ack(ctx, testChannel, []string{leased[0].Handle}))

	size, err = l.SizeEstimate(ctx, testChannel)
	require.NoError(t, err)
	assert.Zero(t, size)
}
