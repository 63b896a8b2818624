package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute:        60,
		BurstSize:                5,
		PenaltyRequestsPerMinute: 6,
		CleanupInterval:          time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute:        60,
		BurstSize:                3,
		PenaltyRequestsPerMinute: 6,
		CleanupInterval:          time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	cfg := Config{
		RequestsPerMinute:        600, // 10 per second
		BurstSize:                1,
		PenaltyRequestsPerMinute: 6,
		CleanupInterval:          time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test"

	// Use the one token
	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}

	// Should be denied
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	// Wait 100ms (should get 1 token at 10/sec)
	time.Sleep(110 * time.Millisecond)

	// Should be allowed again
	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestPenalizeThrottlesActor(t *testing.T) {
	cfg := Config{
		RequestsPerMinute:        600,
		BurstSize:                10,
		PenaltyRequestsPerMinute: 6, // one token per 10s
		CleanupInterval:          time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "user:bad"
	if !limiter.Allow(key) {
		t.Fatal("first request should be allowed")
	}

	limiter.Penalize(key, time.Minute)
	if !limiter.Penalized(key) {
		t.Fatal("actor should be penalized")
	}

	// Penalty drains the bucket and refills far too slowly to matter here.
	if limiter.Allow(key) {
		t.Error("penalized actor should be denied")
	}

	// Other actors are unaffected.
	if !limiter.Allow("user:good") {
		t.Error("unrelated actor should be allowed")
	}
}

func TestPenaltyNeverShortens(t *testing.T) {
	limiter := New(DefaultConfig())
	defer limiter.Stop()

	key := "user:bad"
	limiter.Penalize(key, time.Hour)
	limiter.Penalize(key, time.Second)

	limiter.mu.RLock()
	until := limiter.clients[key].penaltyUntil
	limiter.mu.RUnlock()

	if time.Until(until) < 50*time.Minute {
		t.Errorf("penalty shortened to %v", time.Until(until))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 120 {
		t.Errorf("Expected 120 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("Expected burst size 20, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
