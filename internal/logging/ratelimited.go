// internal/logging/ratelimited.go
package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// RateLimited bounds how often records sharing a key reach the underlying
// logger. Each key may emit Burst records per Window; the excess is counted
// and a single summary record carrying the suppressed count flushes when
// the window closes. Fanout and replication share one instance so a
// sustained peer or storage outage produces a periodic summary line rather
// than a flood.
type RateLimited struct {
	logger *slog.Logger

	mu     sync.Mutex
	keys   map[uint64]*limitedKey
	closed bool

	flushTicker *time.Ticker
	stopChan    chan struct{}
	wg          sync.WaitGroup

	burst  int
	window time.Duration
}

// limitedKey tracks one key's budget and its suppressed backlog.
type limitedKey struct {
	key        string
	limiter    *rate.Limiter
	suppressed int
	level      slog.Level
	msg        string
	lastSeen   time.Time
}

// RateLimitedConfig holds configuration for RateLimited.
type RateLimitedConfig struct {
	// Burst is the number of records per key allowed each window (default: 5).
	Burst int
	// Window is the suppression window; summaries flush at this cadence
	// (default: 1m).
	Window time.Duration
}

// DefaultRateLimitedConfig returns default configuration.
func DefaultRateLimitedConfig() RateLimitedConfig {
	return RateLimitedConfig{
		Burst:  5,
		Window: time.Minute,
	}
}

// NewRateLimited creates a rate-limited emitter in front of logger.
func NewRateLimited(logger *slog.Logger, cfg RateLimitedConfig) *RateLimited {
	def := DefaultRateLimitedConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	rl := &RateLimited{
		logger:      logger,
		keys:        make(map[uint64]*limitedKey),
		flushTicker: time.NewTicker(cfg.Window),
		stopChan:    make(chan struct{}),
		burst:       cfg.Burst,
		window:      cfg.Window,
	}

	rl.wg.Add(1)
	go rl.flushLoop()

	return rl
}

// Emit logs msg with args unless key is over its window budget, in which
// case the occurrence is only counted toward the next summary.
func (rl *RateLimited) Emit(key string, level slog.Level, msg string, args ...any) {
	h := xxhash.Sum64String(key)

	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return
	}

	st, ok := rl.keys[h]
	if !ok {
		st = &limitedKey{
			key:     key,
			limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.burst)), rl.burst),
		}
		rl.keys[h] = st
	}
	st.lastSeen = time.Now()

	if st.limiter.Allow() {
		rl.mu.Unlock()
		rl.logger.Log(context.Background(), level, msg, args...)
		return
	}

	st.suppressed++
	st.level = level
	st.msg = msg
	rl.mu.Unlock()
}

// Warn emits at warn level.
func (rl *RateLimited) Warn(key, msg string, args ...any) {
	rl.Emit(key, slog.LevelWarn, msg, args...)
}

// Error emits at error level.
func (rl *RateLimited) Error(key, msg string, args ...any) {
	rl.Emit(key, slog.LevelError, msg, args...)
}

func (rl *RateLimited) flushLoop() {
	defer rl.wg.Done()

	for {
		select {
		case <-rl.flushTicker.C:
			rl.flushSummaries()

		case <-rl.stopChan:
			rl.flushSummaries()
			return
		}
	}
}

// flushSummaries emits one rollup per key that suppressed records this
// window, and evicts keys idle for a full window.
func (rl *RateLimited) flushSummaries() {
	type summary struct {
		key        string
		level      slog.Level
		msg        string
		suppressed int
	}
	var pending []summary

	rl.mu.Lock()
	now := time.Now()
	for h, st := range rl.keys {
		if st.suppressed > 0 {
			pending = append(pending, summary{st.key, st.level, st.msg, st.suppressed})
			st.suppressed = 0
		} else if now.Sub(st.lastSeen) > rl.window {
			delete(rl.keys, h)
		}
	}
	rl.mu.Unlock()

	// Log outside the lock so a slow handler cannot stall emitters.
	for _, s := range pending {
		rl.logger.Log(context.Background(), s.level, s.msg, "key", s.key, "suppressed", s.suppressed)
	}
}

// Close flushes pending summaries and stops the background flusher.
func (rl *RateLimited) Close() error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil
	}
	rl.closed = true
	rl.mu.Unlock()

	rl.flushTicker.Stop()
	close(rl.stopChan)
	rl.wg.Wait()
	return nil
}
