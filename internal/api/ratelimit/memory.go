package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryLimiter keeps one token bucket per key. Buckets refill at
// Requests/Window and allow bursts up to Requests.
type memoryLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	enabled bool
	maxIdle time.Duration

	cleanupT *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a new in-memory rate limiter. Zero or negative
// Requests and Window fall back to the defaults.
func NewMemoryLimiter(cfg Config) Stoppable {
	def := DefaultConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = def.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	l := &memoryLimiter{
		clients: make(map[string]*client),
		limit:   rate.Every(cfg.Window / time.Duration(cfg.Requests)),
		burst:   cfg.Requests,
		enabled: cfg.Enabled,
		maxIdle: cfg.Window * 2,
		stopCh:  make(chan struct{}),
	}

	// Stale buckets are swept in the background so the map does not keep
	// one entry per client address forever.
	l.cleanupT = time.NewTicker(l.maxIdle)
	go l.cleanup()

	return l
}

// Allow checks if a request from the given key should be allowed.
func (l *memoryLimiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.lim.Allow()
}

// Reset clears the rate limit counter for the given key.
func (l *memoryLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

func (l *memoryLimiter) cleanup() {
	for {
		select {
		case <-l.cleanupT.C:
			l.dropIdle()
		case <-l.stopCh:
			l.cleanupT.Stop()
			return
		}
	}
}

// dropIdle removes buckets that have not been used for two windows. An idle
// bucket is at full capacity anyway, so dropping it does not change what the
// key is allowed to do.
func (l *memoryLimiter) dropIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxIdle)
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *memoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
