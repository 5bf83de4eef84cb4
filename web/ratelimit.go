// Package web holds HTTP middleware shared by the daemon's local listeners.
package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEvery           = 100 * time.Millisecond
	DefaultBurst           = 20
	DefaultIdleTTL         = time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

// RateLimitConfig holds configuration for creating a RateLimiter.
type RateLimitConfig struct {
	Every           time.Duration // optional - one token per Every
	Burst           int           // optional
	IdleTTL         time.Duration // optional - forget clients idle this long
	CleanupInterval time.Duration // optional
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	every           time.Duration
	burst           int
	idleTTL         time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	mu            sync.Mutex
	limiters      map[string]*limiterEntry
	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// NewRateLimiter creates a RateLimiter. The cleanup goroutine starts with the
// first tracked client and exits once no clients remain or Close is called.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Every <= 0 {
		cfg.Every = DefaultEvery
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &RateLimiter{
		every:           cfg.Every,
		burst:           cfg.Burst,
		idleTTL:         cfg.IdleTTL,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
		limiters:        make(map[string]*limiterEntry),
	}
}

func (m *RateLimiter) limiterFor(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(m.every), m.burst)}
		m.limiters[ip] = entry
		if m.cleanupCancel == nil {
			m.startCleanupLocked()
		}
	}
	entry.lastAccess = m.now()
	return entry.limiter
}

// Middleware rejects requests over the per-IP rate with 429.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.limiterFor(ip).Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.every.Seconds()+0.999)))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Tracked reports how many client IPs currently hold a limiter.
func (m *RateLimiter) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

func (m *RateLimiter) startCleanupLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cleanupCancel = cancel
	m.cleanupDone = done
	go m.cleanupLoop(ctx, done)
}

// Close stops the cleanup goroutine and waits for it to exit.
func (m *RateLimiter) Close() {
	m.mu.Lock()
	cancel, done := m.cleanupCancel, m.cleanupDone
	m.cleanupCancel, m.cleanupDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *RateLimiter) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.evictIdle() {
				return
			}
		}
	}
}

// evictIdle drops limiters idle longer than idleTTL. It reports true when the
// map emptied and the loop has been detached, in which case the caller exits.
func (m *RateLimiter) evictIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for ip, entry := range m.limiters {
		if now.Sub(entry.lastAccess) > m.idleTTL {
			delete(m.limiters, ip)
		}
	}
	if len(m.limiters) > 0 {
		return false
	}
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupCancel, m.cleanupDone = nil, nil
	}
	return true
}
