package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybase/relay/internal/api/ratelimit"
	"github.com/relaybase/relay/internal/condition"
	"github.com/relaybase/relay/internal/coordination"
	coordmem "github.com/relaybase/relay/internal/coordination/memory"
	"github.com/relaybase/relay/internal/dedup"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/events"
	storemem "github.com/relaybase/relay/internal/eventstore/memory"
	"github.com/relaybase/relay/internal/logging"
	"github.com/relaybase/relay/internal/metrics"
	"github.com/relaybase/relay/internal/peerauth"
	"github.com/relaybase/relay/internal/replication"
)

const testPeerSecret = "api-test-secret"

func quietRateLimited(t *testing.T) *logging.RateLimited {
	t.Helper()
	rl := logging.NewRateLimited(slog.New(slog.NewTextHandler(io.Discard, nil)), logging.DefaultRateLimitedConfig())
	t.Cleanup(func() { _ = rl.Close() })
	return rl
}

// fakeDir is an in-memory subscription directory.
type fakeDir struct {
	mu   sync.Mutex
	subs map[string]*directory.Subscription
}

func newFakeDir() *fakeDir {
	return &fakeDir{subs: make(map[string]*directory.Subscription)}
}

func (d *fakeDir) Get(ctx context.Context, name string) (*directory.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[name]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return sub, nil
}

func (d *fakeDir) List(ctx context.Context) ([]*directory.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*directory.Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (d *fakeDir) Put(ctx context.Context, sub *directory.Subscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[sub.Name] = sub
	return nil
}

func (d *fakeDir) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[name]; !ok {
		return directory.ErrNotFound
	}
	delete(d.subs, name)
	return nil
}

func (d *fakeDir) Close(ctx context.Context) error { return nil }

type fixture struct {
	dir    *fakeDir
	store  *storemem.Store
	coord  *coordmem.Coordinator
	layer  *dedup.Layer
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := newFakeDir()
	store := storemem.New()
	coord := coordmem.New()
	layer := dedup.New(store, coord)
	keys := peerauth.New("dc-east", time.Minute, map[string]string{"dc-west": testPeerSecret})
	sink := replication.NewSink(layer, replication.NewCursors(coord), quietRateLimited(t))

	server := NewServer(Config{}, NewHandler(Deps{
		Directory: dir,
		Store:     layer,
		Dedup:     layer,
		Flags:     coord,
		Sink:      sink,
		Keys:      keys,
	}))
	return &fixture{dir: dir, store: store, coord: coord, layer: layer, server: server}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return out
}

func appendEvents(t *testing.T, store *storemem.Store, channel string, n int) []*events.Event {
	t.Helper()
	out := make([]*events.Event, 0, n)
	for i := 0; i < n; i++ {
		ev := events.New("orders", fmt.Sprintf("order-%d", i), events.ChangeUpdate, map[string]any{"n": i}, 1)
		_, err := store.Append(context.Background(), channel, ev)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestSubscriptionLifecycle(t *testing.T) {
	fx := newFixture(t)

	sub := directory.Subscription{
		Condition: condition.Eq(condition.FieldTable, "orders"),
		EventTTL:  directory.Duration(24 * time.Hour),
	}
	rr := fx.do(t, "PUT", "/v1/subscriptions/orders-feed", sub)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	created := decodeBody[directory.Subscription](t, rr)
	assert.Equal(t, "orders-feed", created.Name)
	require.NotNil(t, created.Condition)

	rr = fx.do(t, "GET", "/v1/subscriptions/orders-feed", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = fx.do(t, "GET", "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[ListSubscriptionsResponse](t, rr)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "orders-feed", list.Subscriptions[0].Name)

	rr = fx.do(t, "DELETE", "/v1/subscriptions/orders-feed", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = fx.do(t, "GET", "/v1/subscriptions/orders-feed", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	apiErr := decodeBody[APIError](t, rr)
	assert.Equal(t, ErrCodeNotFound, apiErr.Code)
}

func TestPutSubscription_Validation(t *testing.T) {
	fx := newFixture(t)
	valid := directory.Subscription{Condition: condition.All()}

	t.Run("body name mismatch", func(t *testing.T) {
		sub := valid
		sub.Name = "other"
		rr := fx.do(t, "PUT", "/v1/subscriptions/orders-feed", sub)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing condition", func(t *testing.T) {
		rr := fx.do(t, "PUT", "/v1/subscriptions/orders-feed", directory.Subscription{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("reserved prefix", func(t *testing.T) {
		rr := fx.do(t, "PUT", "/v1/subscriptions/__mine", valid)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid name chars", func(t *testing.T) {
		rr := fx.do(t, "PUT", "/v1/subscriptions/bad%20name", valid)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/v1/subscriptions/orders-feed", strings.NewReader("{nope"))
		rr := httptest.NewRecorder()
		fx.server.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestPeekAndSize(t *testing.T) {
	fx := newFixture(t)
	appendEvents(t, fx.store, "audit", 3)

	rr := fx.do(t, "GET", "/v1/channels/audit/peek", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	peek := decodeBody[PeekResponse](t, rr)
	assert.Equal(t, "audit", peek.Channel)
	require.Len(t, peek.Events, 3)
	assert.Less(t, peek.Events[0].Seq, peek.Events[2].Seq)

	rr = fx.do(t, "GET", fmt.Sprintf("/v1/channels/audit/peek?after=%d", peek.Events[0].Seq), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[PeekResponse](t, rr).Events, 2)

	rr = fx.do(t, "GET", "/v1/channels/audit/peek?limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[PeekResponse](t, rr).Events, 1)

	rr = fx.do(t, "GET", "/v1/channels/audit/size", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	size := decodeBody[SizeResponse](t, rr)
	assert.Equal(t, uint64(3), size.Size)

	rr = fx.do(t, "GET", "/v1/channels/audit/peek?after=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFlagEndpoints(t *testing.T) {
	fx := newFixture(t)

	rr := fx.do(t, "GET", "/admin/flags", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[ListFlagsResponse](t, rr)
	assert.False(t, list.Flags[coordination.FlagDedupEnabled])
	assert.False(t, list.Flags[coordination.FlagReplicationEnabled])

	on := true
	rr = fx.do(t, "PUT", "/admin/flags/"+coordination.FlagDedupEnabled, SetFlagRequest{Value: &on})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[FlagResponse](t, rr).Value)
	assert.True(t, fx.coord.Bool(coordination.FlagDedupEnabled, false), "flag must reach the store")

	rr = fx.do(t, "GET", "/admin/flags/"+coordination.FlagDedupEnabled, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeBody[FlagResponse](t, rr).Value)

	rr = fx.do(t, "PUT", "/admin/flags/no-such-flag", SetFlagRequest{Value: &on})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = fx.do(t, "PUT", "/admin/flags/"+coordination.FlagDedupEnabled, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDedupMigrateEndpoint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.coord.SetBool(ctx, coordination.FlagDedupEnabled, true))

	// Same key twice: the older copy is superseded and pending release.
	_, err := fx.layer.Offer(ctx, "orders-feed", events.New("orders", "k1", events.ChangeUpdate, map[string]any{"v": 1}, 1))
	require.NoError(t, err)
	_, err = fx.layer.Offer(ctx, "orders-feed", events.New("orders", "k1", events.ChangeUpdate, map[string]any{"v": 2}, 1))
	require.NoError(t, err)
	require.NoError(t, fx.coord.SetBool(ctx, coordination.FlagDedupEnabled, false))

	rr := fx.do(t, "POST", "/admin/dedup/migrate?channel=orders-feed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[MigrateResponse](t, rr)
	assert.Equal(t, "orders-feed", resp.Channel)
	assert.Equal(t, 1, resp.Migrated)

	// Re-running over a clean index migrates nothing.
	rr = fx.do(t, "POST", "/admin/dedup/migrate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, decodeBody[MigrateResponse](t, rr).Migrated)
}

func TestChannelMoveEndpoint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	appendEvents(t, fx.store, "orders-feed", 3)

	rr := fx.do(t, "POST", "/admin/channels/move?from=orders-feed&to=orders-parking", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody[MoveResponse](t, rr)
	assert.Equal(t, "orders-feed", resp.From)
	assert.Equal(t, "orders-parking", resp.To)
	assert.Equal(t, 3, resp.Moved)

	size, err := fx.store.SizeEstimate(ctx, "orders-feed")
	require.NoError(t, err)
	assert.Zero(t, size)
	size, err = fx.store.SizeEstimate(ctx, "orders-parking")
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)

	// Validation failures.
	assert.Equal(t, http.StatusBadRequest, fx.do(t, "POST", "/admin/channels/move?from=orders-feed", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, "POST", "/admin/channels/move?from=a&to=a", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, "POST", "/admin/channels/move?from=__master-0&to=b", nil).Code)
}

func TestReplicationEndpoints(t *testing.T) {
	fx := newFixture(t)
	ts := httptest.NewServer(fx.server)
	defer ts.Close()

	// The pushing side uses the real replication client.
	keys := peerauth.New("dc-west", time.Minute, map[string]string{"dc-east": testPeerSecret})
	client := replication.NewClient(keys, 5*time.Second)
	peer := replication.Peer{ID: "dc-east", URL: ts.URL, Secret: testPeerSecret}

	batch := []replication.PushedEvent{
		{Seq: 1, Event: events.New("orders", "a", events.ChangeUpdate, map[string]any{"n": 1}, 1)},
		{Seq: 2, Event: events.New("orders", "b", events.ChangeUpdate, map[string]any{"n": 2}, 1)},
	}
	ctx := context.Background()
	resp, err := client.Push(ctx, peer, "orders-feed", batch)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		assert.True(t, res.Applied)
	}

	applied, err := client.Cursor(ctx, peer, "orders-feed")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied)

	stored, err := fx.store.Peek(ctx, "orders-feed", 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "dc-west", stored[0].Event.Origin)

	t.Run("missing token", func(t *testing.T) {
		rr := fx.do(t, "POST", "/replication/v1/push", replication.PushRequest{Channel: "orders-feed"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		badKeys := peerauth.New("dc-west", time.Minute, map[string]string{"dc-east": "wrong"})
		badClient := replication.NewClient(badKeys, 5*time.Second)
		_, err := badClient.Push(ctx, peer, "orders-feed", batch)
		assert.Error(t, err)
	})

	t.Run("master channel rejected", func(t *testing.T) {
		_, err := client.Push(ctx, peer, events.MasterChannel(0), batch)
		assert.Error(t, err)
	})
}

func TestTailStreamsChannel(t *testing.T) {
	fx := newFixture(t)
	ts := httptest.NewServer(fx.server)
	defer ts.Close()

	sent := appendEvents(t, fx.store, "audit", 2)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/channels/audit/tail"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first, second ChannelEntry
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, sent[0].ID, first.Event.ID)
	assert.Equal(t, sent[1].ID, second.Event.ID)

	// An event landing after connect is streamed on the next poll.
	late := events.New("orders", "late", events.ChangeInsert, nil, 1)
	_, err = fx.store.Append(context.Background(), "audit", late)
	require.NoError(t, err)

	var third ChannelEntry
	require.NoError(t, conn.ReadJSON(&third))
	assert.Equal(t, late.ID, third.Event.ID)
	assert.Greater(t, third.Seq, second.Seq)
}

func TestHealthEndpoints(t *testing.T) {
	fx := newFixture(t)

	rr := fx.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())

	rr = fx.do(t, "GET", "/health/fanout", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, decodeBody[FanoutHealthResponse](t, rr).Enabled)

	rr = fx.do(t, "GET", "/health/replication", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	repl := decodeBody[ReplicationHealthResponse](t, rr)
	assert.False(t, repl.Enabled)
}

func TestRequestIDHeader(t *testing.T) {
	fx := newFixture(t)

	rr := fx.do(t, "GET", "/health", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rr = httptest.NewRecorder()
	fx.server.ServeHTTP(rr, req)
	assert.Equal(t, "trace-me", rr.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	metrics.ChannelDepth.WithLabelValues("audit").Set(3)

	rr := fx.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "relay_channel_depth")
}

func TestRateLimit(t *testing.T) {
	dir := newFakeDir()
	store := storemem.New()
	coord := coordmem.New()
	layer := dedup.New(store, coord)
	keys := peerauth.New("dc-east", time.Minute, map[string]string{"dc-west": testPeerSecret})
	sink := replication.NewSink(layer, replication.NewCursors(coord), quietRateLimited(t))

	server := NewServer(Config{
		RateLimit: ratelimit.Config{Enabled: true, Requests: 2, Window: time.Minute},
	}, NewHandler(Deps{
		Directory: dir,
		Store:     layer,
		Dedup:     layer,
		Flags:     coord,
		Sink:      sink,
		Keys:      keys,
	}))
	t.Cleanup(server.Close)

	do := func(path, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = remoteAddr
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		return rr
	}

	// The quota covers the first two requests from one address.
	require.Equal(t, http.StatusOK, do("/v1/subscriptions", "203.0.113.7:1000").Code)
	require.Equal(t, http.StatusOK, do("/v1/subscriptions", "203.0.113.7:1001").Code)

	rr := do("/v1/subscriptions", "203.0.113.7:1002")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, ErrCodeRateLimited, decodeBody[APIError](t, rr).Code)

	// Another client address still has its own quota.
	assert.Equal(t, http.StatusOK, do("/v1/subscriptions", "203.0.113.8:1000").Code)

	// Health and replication stay reachable for the throttled client.
	assert.Equal(t, http.StatusOK, do("/health", "203.0.113.7:1003").Code)
	rr = do("/replication/v1/cursor?channel=orders", "203.0.113.7:1004")
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "body: %s", rr.Body.String())
}
