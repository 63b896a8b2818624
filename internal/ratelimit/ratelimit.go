// Package ratelimit provides request rate limiting for the gate API, plus
// per-actor penalty throttles imposed by rate_limit decisions.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per key per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// PenaltyRequestsPerMinute applies while an actor is penalized
	PenaltyRequestsPerMinute int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:        120,
		BurstSize:                20,
		PenaltyRequestsPerMinute: 6,
		CleanupInterval:          time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens       float64
	lastCheck    time.Time
	penaltyUntil time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) && time.Now().After(state.penaltyUntil) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Penalize throttles a key hard for the given duration. Used to enforce
// rate_limit decisions against a specific actor.
func (l *Limiter) Penalize(key string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, exists := l.clients[key]
	if !exists {
		state = &clientState{lastCheck: time.Now()}
		l.clients[key] = state
	}
	until := time.Now().Add(d)
	if until.After(state.penaltyUntil) {
		state.penaltyUntil = until
		state.tokens = 0
	}
}

// Penalized reports whether a key is currently under penalty.
func (l *Limiter) Penalized(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, exists := l.clients[key]
	return exists && time.Now().Before(state.penaltyUntil)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	rpm := l.cfg.RequestsPerMinute
	burst := float64(l.cfg.BurstSize)
	if now.Before(state.penaltyUntil) {
		rpm = l.cfg.PenaltyRequestsPerMinute
		burst = 1
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(rpm) / 60.0
	state.tokens += elapsed * tokensPerSecond

	if state.tokens > burst {
		state.tokens = burst
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
