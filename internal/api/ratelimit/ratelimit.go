// Package ratelimit provides per-client request throttling for the HTTP API.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Limiter defines the interface for rate limiting implementations.
type Limiter interface {
	// Allow checks if a request from the given key should be allowed.
	// Returns true if the request is allowed, false if it should be rate limited.
	Allow(key string) bool

	// Reset clears the rate limit counter for the given key.
	Reset(key string)
}

// Stoppable extends Limiter with a Stop method that releases background
// resources.
type Stoppable interface {
	Limiter
	Stop()
}

// Config holds the configuration for rate limiting.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`

	// Requests is the maximum number of requests allowed per window.
	Requests int `yaml:"requests"`

	// Window is the duration of the rate limiting window.
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns the default rate limiting configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Requests: 100,
		Window:   time.Minute,
	}
}

// GetClientIP extracts the client IP address from the request.
// It checks X-Forwarded-For first (the first entry is the original client),
// then X-Real-IP, and finally falls back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
