package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/schema"

	"github.com/relaybase/relay/internal/replication"
)

// peerProtected authenticates the replication endpoints. Peers present a
// bearer token minted with the shared secret for this data center; the
// verified sender ID lands in the request context.
func (h *Handler) peerProtected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.keys == nil || h.sink == nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Replication not configured")
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Peer token required")
			return
		}
		peerID, err := h.keys.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid peer token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyPeerID, peerID)
		next(w, r.WithContext(ctx))
	}
}

// getPeerID retrieves the verified peer ID from the context
func getPeerID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyPeerID).(string); ok {
		return id
	}
	return ""
}

// handleReplicationPush handles POST /replication/v1/push
func (h *Handler) handleReplicationPush(w http.ResponseWriter, r *http.Request) {
	var req replication.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Channel is required")
		return
	}

	results, err := h.sink.Apply(r.Context(), getPeerID(r.Context()), req.Channel, req.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replication.PushResponse{Results: results})
}

// handleReplicationCursor handles GET /replication/v1/cursor
func (h *Handler) handleReplicationCursor(w http.ResponseWriter, r *http.Request) {
	var q struct {
		Channel string `schema:"channel"`
	}
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&q, r.URL.Query()); err != nil || q.Channel == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Channel is required")
		return
	}

	applied, err := h.sink.AppliedCursor(r.Context(), getPeerID(r.Context()), q.Channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to read cursor")
		return
	}
	writeJSON(w, http.StatusOK, replication.CursorResponse{Channel: q.Channel, Applied: applied})
}
