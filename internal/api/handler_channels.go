package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
)

const (
	// Peek returns at most this many entries per request.
	defaultPeekLimit = 100
	maxPeekLimit     = 1000

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// How often a tail re-reads its channel, and the budget per read.
	tailPollInterval = 250 * time.Millisecond
	tailPeekTimeout  = 5 * time.Second
	tailBatchSize    = 100
)

// Send pings to peer with this period. Must be less than pongWait.
var pingPeriod = (pongWait * 9) / 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     safeCheckOrigin,
}

// safeCheckOrigin validates WebSocket connection origins. It allows empty
// origins (non-browser clients), the exact request host, and the same host
// across ports for development setups.
func safeCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}

	originHost := strings.Split(u.Host, ":")[0]
	requestHost := strings.Split(r.Host, ":")[0]
	return strings.EqualFold(originHost, requestHost)
}

// handlePeekChannel handles GET /v1/channels/{name}/peek
func (h *Handler) handlePeekChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Channel name is required")
		return
	}

	var q peekQuery
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters")
		return
	}
	if q.Limit <= 0 {
		q.Limit = defaultPeekLimit
	}
	if q.Limit > maxPeekLimit {
		q.Limit = maxPeekLimit
	}

	stored, err := h.store.Peek(r.Context(), name, q.After, q.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to peek channel")
		return
	}

	entries := make([]ChannelEntry, 0, len(stored))
	for _, st := range stored {
		entries = append(entries, ChannelEntry{Seq: st.Seq, Event: st.Event})
	}
	writeJSON(w, http.StatusOK, PeekResponse{Channel: name, Events: entries})
}

// handleChannelSize handles GET /v1/channels/{name}/size
func (h *Handler) handleChannelSize(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Channel name is required")
		return
	}

	size, err := h.store.SizeEstimate(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to estimate channel size")
		return
	}
	writeJSON(w, http.StatusOK, SizeResponse{Channel: name, Size: size})
}

// handleTailChannel handles GET /v1/channels/{name}/tail. It upgrades to a
// websocket and streams retained entries as they land, starting after the
// requested sequence. The stream is non-destructive: tailing never
// consumes or acknowledges anything.
func (h *Handler) handleTailChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Channel name is required")
		return
	}

	var q tailQuery
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "channel", name, "error", err, "request_id", getRequestID(r.Context()))
		return
	}

	t := &tail{
		handler: h,
		conn:    conn,
		channel: name,
		after:   q.After,
		done:    make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
}

// tail is one live channel-tailing websocket connection.
type tail struct {
	handler *Handler
	conn    *websocket.Conn
	channel string
	after   uint64
	done    chan struct{}
}

// readPump consumes control frames from the client. The client sends no
// application messages; the read loop exists to notice disconnects and to
// keep the pong deadline fresh.
func (t *tail) readPump() {
	defer func() {
		close(t.done)
		t.conn.Close()
	}()
	t.conn.SetReadLimit(512)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error { t.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("Tail connection closed", "channel", t.channel, "error", err)
			}
			return
		}
	}
}

// writePump streams channel entries and pings until the client goes away.
func (t *tail) writePump() {
	poll := time.NewTicker(tailPollInterval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		poll.Stop()
		ping.Stop()
		t.conn.Close()
	}()

	// Flush any existing backlog before the first tick.
	if err := t.flush(); err != nil {
		return
	}
	for {
		select {
		case <-t.done:
			return
		case <-poll.C:
			if err := t.flush(); err != nil {
				return
			}
		case <-ping.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes everything retained past the cursor. Store errors are
// logged and the tail keeps going; write errors end the connection.
func (t *tail) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), tailPeekTimeout)
	stored, err := t.handler.store.Peek(ctx, t.channel, t.after, tailBatchSize)
	cancel()
	if err != nil {
		slog.Warn("Tail peek failed", "channel", t.channel, "error", err)
		return nil
	}

	for _, st := range stored {
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := t.conn.WriteJSON(ChannelEntry{Seq: st.Seq, Event: st.Event}); err != nil {
			return err
		}
		t.after = st.Seq
	}
	return nil
}
