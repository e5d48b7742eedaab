package api

import (
	"net/http"
)

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleFanoutHealth handles GET /health/fanout
func (h *Handler) handleFanoutHealth(w http.ResponseWriter, r *http.Request) {
	if h.fanout == nil {
		writeJSON(w, http.StatusOK, FanoutHealthResponse{Enabled: false})
		return
	}
	status := h.fanout.Status()
	writeJSON(w, http.StatusOK, FanoutHealthResponse{Enabled: true, Status: &status})
}

// handleReplicationHealth handles GET /health/replication
func (h *Handler) handleReplicationHealth(w http.ResponseWriter, r *http.Request) {
	if h.repl == nil {
		writeJSON(w, http.StatusOK, ReplicationHealthResponse{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, ReplicationHealthResponse{
		Enabled: true,
		Running: h.repl.Running(),
		Peers:   h.repl.Status(),
	})
}
