package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 3,
		Window:   time.Minute,
	})
	defer limiter.Stop()

	key := "test-key"

	assert.True(t, limiter.Allow(key), "Request 1 should be allowed")
	assert.True(t, limiter.Allow(key), "Request 2 should be allowed")
	assert.True(t, limiter.Allow(key), "Request 3 should be allowed")

	assert.False(t, limiter.Allow(key), "Request 4 should be denied")
	assert.False(t, limiter.Allow(key), "Request 5 should be denied")
}

func TestMemoryLimiter_Allow_DifferentKeys(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 2,
		Window:   time.Minute,
	})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("key1"))
	assert.True(t, limiter.Allow("key1"))
	assert.False(t, limiter.Allow("key1"))

	// key2 should still have its full quota
	assert.True(t, limiter.Allow("key2"))
	assert.True(t, limiter.Allow("key2"))
	assert.False(t, limiter.Allow("key2"))
}

func TestMemoryLimiter_Allow_Disabled(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  false,
		Requests: 1,
		Window:   time.Minute,
	})
	defer limiter.Stop()

	assert.True(t, limiter.Allow("key"))
	assert.True(t, limiter.Allow("key"))
	assert.True(t, limiter.Allow("key"))
}

func TestMemoryLimiter_Reset(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 2,
		Window:   time.Minute,
	})
	defer limiter.Stop()

	key := "test-key"

	assert.True(t, limiter.Allow(key))
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key))

	limiter.Reset(key)

	assert.True(t, limiter.Allow(key))
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key))
}

func TestMemoryLimiter_RefillsOverTime(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 2,
		Window:   100 * time.Millisecond,
	})
	defer limiter.Stop()

	key := "test-key"

	assert.True(t, limiter.Allow(key))
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key))

	// A full window refills the bucket.
	time.Sleep(120 * time.Millisecond)

	assert.True(t, limiter.Allow(key), "Should be allowed after the window passed")
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	// An hour-long window keeps refill out of the picture; only the burst
	// capacity should pass.
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 100,
		Window:   time.Hour,
	})
	defer limiter.Stop()

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- limiter.Allow("concurrent-key")
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	assert.Equal(t, 100, count, "Exactly 100 requests should be allowed")
}

func TestMemoryLimiter_DropsIdleClients(t *testing.T) {
	limiter := NewMemoryLimiter(Config{
		Enabled:  true,
		Requests: 5,
		Window:   time.Minute,
	})
	defer limiter.Stop()

	ml := limiter.(*memoryLimiter)

	require.True(t, limiter.Allow("idle-key"))
	require.True(t, limiter.Allow("active-key"))

	// Age the idle key past the stale threshold instead of sleeping.
	ml.mu.Lock()
	ml.clients["idle-key"].lastSeen = time.Now().Add(-3 * ml.maxIdle)
	ml.mu.Unlock()

	ml.dropIdle()

	ml.mu.Lock()
	_, idleExists := ml.clients["idle-key"]
	_, activeExists := ml.clients["active-key"]
	ml.mu.Unlock()

	assert.False(t, idleExists, "Idle bucket should be removed")
	assert.True(t, activeExists, "Active bucket should survive cleanup")
}

func TestMemoryLimiter_StopTwice(t *testing.T) {
	limiter := NewMemoryLimiter(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestNewMemoryLimiter_SanitizesConfig(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Enabled: true})
	defer limiter.Stop()

	ml := limiter.(*memoryLimiter)
	assert.Equal(t, DefaultConfig().Requests, ml.burst)
	assert.Equal(t, DefaultConfig().Window*2, ml.maxIdle)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 100, cfg.Requests)
	assert.Equal(t, time.Minute, cfg.Window)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{
			name:       "RemoteAddr only",
			remoteAddr: "192.168.1.1:12345",
			expected:   "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For single",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195"},
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For multiple",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.195, 70.41.3.18, 150.172.238.178"},
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Real-IP": "203.0.113.195"},
			expected:   "203.0.113.195",
		},
		{
			name:       "X-Forwarded-For takes precedence over X-Real-IP",
			remoteAddr: "10.0.0.1:12345",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.195",
				"X-Real-IP":       "70.41.3.18",
			},
			expected: "203.0.113.195",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, GetClientIP(req))
		})
	}
}
