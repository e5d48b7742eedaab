package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/relaybase/relay/internal/directory"
)

// handleListSubscriptions handles GET /v1/subscriptions
func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.dir.List(r.Context())
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	writeJSON(w, http.StatusOK, ListSubscriptionsResponse{
		Subscriptions: subs,
		Total:         len(subs),
	})
}

// handleGetSubscription handles GET /v1/subscriptions/{name}
func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Subscription name is required")
		return
	}

	sub, err := h.dir.Get(r.Context(), name)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handlePutSubscription handles PUT /v1/subscriptions/{name}
func (h *Handler) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Subscription name is required")
		return
	}

	var sub directory.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if sub.Name != "" && sub.Name != name {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Body name does not match URL")
		return
	}
	sub.Name = name
	// System subscriptions are registered by the bus itself, never over
	// the API. Validate rejects the reserved "__" prefix without it.
	sub.System = false

	if err := sub.Validate(); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if err := h.dir.Put(r.Context(), &sub); err != nil {
		writeDirectoryError(w, err)
		return
	}

	stored, err := h.dir.Get(r.Context(), name)
	if err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleDeleteSubscription handles DELETE /v1/subscriptions/{name}
func (h *Handler) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Subscription name is required")
		return
	}

	if err := h.dir.Delete(r.Context(), name); err != nil {
		writeDirectoryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
