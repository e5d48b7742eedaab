// Package api serves the bus's HTTP surface: subscription management,
// channel inspection, admin controls, the peer replication endpoints,
// and health. All responses are JSON except /health and /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/relaybase/relay/internal/coordination"
	"github.com/relaybase/relay/internal/dedup"
	"github.com/relaybase/relay/internal/directory"
	"github.com/relaybase/relay/internal/eventstore"
	"github.com/relaybase/relay/internal/fanout"
	"github.com/relaybase/relay/internal/peerauth"
	"github.com/relaybase/relay/internal/replication"
)

// Context keys for request-scoped values
type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyPeerID    contextKey = "peer_id"
)

// Deps carries everything the handler serves. Sink and Keys may be nil
// when replication is not configured; Fanout and Repl may be nil on nodes
// that do not run those roles.
type Deps struct {
	Directory directory.Store
	Store     eventstore.Adapter
	Dedup     *dedup.Layer
	Flags     coordination.FlagStore
	Sink      *replication.Sink
	Keys      *peerauth.Keyring
	Fanout    *fanout.Manager
	Repl      *replication.Manager
}

type Handler struct {
	dir    directory.Store
	store  eventstore.Adapter
	dedup  *dedup.Layer
	flags  coordination.FlagStore
	sink   *replication.Sink
	keys   *peerauth.Keyring
	fanout *fanout.Manager
	repl   *replication.Manager
}

func NewHandler(deps Deps) *Handler {
	if deps.Directory == nil || deps.Store == nil {
		panic("directory and event store are required")
	}
	return &Handler{
		dir:    deps.Directory,
		store:  deps.Store,
		dedup:  deps.Dedup,
		flags:  deps.Flags,
		sink:   deps.Sink,
		keys:   deps.Keys,
		fanout: deps.Fanout,
		repl:   deps.Repl,
	}
}

// Default body size limit
const DefaultMaxBodySize = 1 << 20 // 1MB

// Default request timeouts
const (
	DefaultRequestTimeout = 30 * time.Second
	LongRequestTimeout    = 60 * time.Second // For replication pushes and admin operations
)

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// writeDirectoryError maps directory errors to API responses
func writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Subscription not found")
	case errors.Is(err, directory.ErrInvalid):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
	}
}

// withRequestID adds a unique request ID to the context and response headers
func withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		next(w, r.WithContext(ctx))
	}
}

// getRequestID retrieves the request ID from the context
func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// maxBodySize wraps a handler with request body size limiting
func maxBodySize(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// withRecover wraps a handler with panic recovery
func withRecover(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"error", err,
					"stack", string(debug.Stack()),
					"request_id", getRequestID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
			}
		}()
		next(w, r)
	}
}

// withTimeout wraps a handler with a context timeout
func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Subscription Operations
	mux.HandleFunc("GET /v1/subscriptions", withRequestID(withRecover(withTimeout(h.handleListSubscriptions, DefaultRequestTimeout))))
	mux.HandleFunc("GET /v1/subscriptions/{name}", withRequestID(withRecover(withTimeout(h.handleGetSubscription, DefaultRequestTimeout))))
	mux.HandleFunc("PUT /v1/subscriptions/{name}", withRequestID(withRecover(withTimeout(maxBodySize(h.handlePutSubscription, DefaultMaxBodySize), DefaultRequestTimeout))))
	mux.HandleFunc("DELETE /v1/subscriptions/{name}", withRequestID(withRecover(withTimeout(h.handleDeleteSubscription, DefaultRequestTimeout))))

	// Channel Operations (tail manages its own lifetime, no timeout wrapper)
	mux.HandleFunc("GET /v1/channels/{name}/peek", withRequestID(withRecover(withTimeout(h.handlePeekChannel, DefaultRequestTimeout))))
	mux.HandleFunc("GET /v1/channels/{name}/size", withRequestID(withRecover(withTimeout(h.handleChannelSize, DefaultRequestTimeout))))
	mux.HandleFunc("GET /v1/channels/{name}/tail", withRequestID(withRecover(h.handleTailChannel)))

	// Admin Operations
	mux.HandleFunc("GET /admin/flags", withRequestID(withRecover(withTimeout(h.handleListFlags, DefaultRequestTimeout))))
	mux.HandleFunc("GET /admin/flags/{name}", withRequestID(withRecover(withTimeout(h.handleGetFlag, DefaultRequestTimeout))))
	mux.HandleFunc("PUT /admin/flags/{name}", withRequestID(withRecover(withTimeout(maxBodySize(h.handleSetFlag, DefaultMaxBodySize), DefaultRequestTimeout))))
	mux.HandleFunc("POST /admin/dedup/migrate", withRequestID(withRecover(withTimeout(h.handleDedupMigrate, LongRequestTimeout))))
	mux.HandleFunc("POST /admin/channels/move", withRequestID(withRecover(withTimeout(h.handleChannelMove, LongRequestTimeout))))

	// Replication Operations (peer authenticated, longer timeout for large pushes)
	mux.HandleFunc("POST /replication/v1/push", withRequestID(withRecover(withTimeout(maxBodySize(h.peerProtected(h.handleReplicationPush), DefaultMaxBodySize), LongRequestTimeout))))
	mux.HandleFunc("GET /replication/v1/cursor", withRequestID(withRecover(withTimeout(h.peerProtected(h.handleReplicationCursor), DefaultRequestTimeout))))

	// Health Checks (no auth, minimal timeout)
	mux.HandleFunc("GET /health", withRequestID(withRecover(withTimeout(h.handleHealth, 5*time.Second))))
	mux.HandleFunc("GET /health/fanout", withRequestID(withRecover(withTimeout(h.handleFanoutHealth, 5*time.Second))))
	mux.HandleFunc("GET /health/replication", withRequestID(withRecover(withTimeout(h.handleReplicationHealth, 5*time.Second))))
}
