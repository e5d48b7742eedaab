package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybase/relay/internal/api/ratelimit"
)

// Config holds the HTTP server settings.
type Config struct {
	Host            string           `yaml:"host"`
	Port            int              `yaml:"port"`
	ReadTimeout     time.Duration    `yaml:"read_timeout"`
	WriteTimeout    time.Duration    `yaml:"write_timeout"`
	IdleTimeout     time.Duration    `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
}

// DefaultConfig returns the API server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit:       ratelimit.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = def.RateLimit.Requests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
}

// Server is the bus's HTTP server.
type Server struct {
	cfg        Config
	handler    http.Handler
	limiter    ratelimit.Stoppable
	httpServer *http.Server
}

// NewServer assembles the routes, the Prometheus endpoint, and the
// per-client rate limiter.
func NewServer(cfg Config, h *Handler) *Server {
	cfg.applyDefaults()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	s := &Server{cfg: cfg}
	s.handler = http.Handler(mux)
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
		s.handler = s.rateLimit(s.handler)
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// ServeHTTP lets the server be used directly as a handler in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// rateLimit throttles requests per client IP. Replication, health, and
// metrics paths bypass it: peer pushes carry their own token auth and
// pacing, and probes must keep answering while a client is throttled.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimitExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow(ratelimit.GetClientIP(r)) {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(s.cfg.RateLimit.Window.Seconds()), 10))
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitExempt(path string) bool {
	return strings.HasPrefix(path, "/replication/") ||
		strings.HasPrefix(path, "/health") ||
		path == "/metrics"
}

// Close releases the rate limiter's background resources. Run calls it on
// the way out; tests that drive ServeHTTP directly call it themselves.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	slog.Info("Stopping HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	return nil
}
