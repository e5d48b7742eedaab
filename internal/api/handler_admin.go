package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/schema"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/events"
)

// knownFlags lists the cluster flags the admin API will touch. Rejecting
// unknown names up front turns a typo into a 404 instead of a new flag.
var knownFlags = map[string]bool{
	coordination.FlagDedupEnabled:       true,
	coordination.FlagReplicationEnabled: true,
}

// handleListFlags handles GET /admin/flags
func (h *Handler) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Flag store not available")
		return
	}

	flags := make(map[string]bool, len(knownFlags))
	for name := range knownFlags {
		flags[name] = h.flags.Bool(name, false)
	}
	writeJSON(w, http.StatusOK, ListFlagsResponse{Flags: flags})
}

// handleGetFlag handles GET /admin/flags/{name}
func (h *Handler) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Flag store not available")
		return
	}

	name := r.PathValue("name")
	if !knownFlags[name] {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown flag")
		return
	}
	writeJSON(w, http.StatusOK, FlagResponse{Name: name, Value: h.flags.Bool(name, false)})
}

// handleSetFlag handles PUT /admin/flags/{name}
func (h *Handler) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Flag store not available")
		return
	}

	name := r.PathValue("name")
	if !knownFlags[name] {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown flag")
		return
	}

	var req SetFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Value is required")
		return
	}

	if err := h.flags.SetBool(r.Context(), name, *req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to set flag")
		return
	}
	writeJSON(w, http.StatusOK, FlagResponse{Name: name, Value: *req.Value})
}

// handleDedupMigrate handles POST /admin/dedup/migrate. With a channel
// query parameter it re-expands that channel's collapsed backlog so
// superseded entries deliver again; without one it re-expands every
// channel. Intended to be run after turning the dedup flag off, and safe
// to re-run.
func (h *Handler) handleDedupMigrate(w http.ResponseWriter, r *http.Request) {
	if h.dedup == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Dedup layer not available")
		return
	}

	channel := r.URL.Query().Get("channel")
	migrated, err := h.dedup.Migrate(r.Context(), channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Migration failed")
		return
	}
	writeJSON(w, http.StatusOK, MigrateResponse{Channel: channel, Migrated: migrated})
}

// handleChannelMove handles POST /admin/channels/move. It drains the source
// channel's pending entries into the destination, delivering collapsed
// payloads once. Partial progress survives a failure; rerunning finishes
// the drain.
func (h *Handler) handleChannelMove(w http.ResponseWriter, r *http.Request) {
	if h.dedup == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternalError, "Dedup layer not available")
		return
	}

	var q moveQuery
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	if err := decoder.Decode(&q, r.URL.Query()); err != nil || q.From == "" || q.To == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Both from and to channels are required")
		return
	}
	if q.From == q.To {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Source and destination must differ")
		return
	}
	if events.IsSystemChannel(q.From) || events.IsSystemChannel(q.To) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "System channels cannot be moved")
		return
	}

	moved, err := h.dedup.MoveBacklog(r.Context(), q.From, q.To)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Move failed")
		return
	}
	writeJSON(w, http.StatusOK, MoveResponse{From: q.From, To: q.To, Moved: moved})
}
