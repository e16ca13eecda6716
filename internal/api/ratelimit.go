package api

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultMaxRateLimiterClients      = 10000
	defaultRateLimiterClientTTL       = 10 * time.Minute
	defaultRateLimiterCleanupInterval = time.Minute
)

// RateLimiterConfig configures the per-client token bucket limiter guarding
// the monitor endpoint. Every request there triggers a registry read, so the
// limit bounds load on the monitored server.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate at which tokens are added to each bucket.
	RequestsPerSecond float64
	// BurstSize is the maximum number of tokens (burst capacity).
	BurstSize int
	// Enabled controls whether rate limiting is active.
	Enabled bool
	// MaxClients is the maximum number of client buckets to retain.
	MaxClients int
	// ClientTTL is how long to retain idle client buckets.
	ClientTTL time.Duration
	// CleanupInterval controls how often idle buckets are cleaned.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the 100 req/s, burst 200 defaults.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		Enabled:           true,
		MaxClients:        defaultMaxRateLimiterClients,
		ClientTTL:         defaultRateLimiterClientTTL,
		CleanupInterval:   defaultRateLimiterCleanupInterval,
	}
}

type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	maxTokens    float64
	refillRate   float64 // tokens per nanosecond
	lastRefillNs int64
}

func newTokenBucket(requestsPerSecond float64, burstSize int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:       float64(burstSize),
		maxTokens:    float64(burstSize),
		refillRate:   requestsPerSecond / float64(time.Second),
		lastRefillNs: now.UnixNano(),
	}
}

// take refills the bucket up to now and consumes one token if available.
func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	ns := now.UnixNano()
	if elapsed := ns - tb.lastRefillNs; elapsed > 0 {
		tb.tokens = min(tb.tokens+float64(elapsed)*tb.refillRate, tb.maxTokens)
	}
	tb.lastRefillNs = ns

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

type clientBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// rateLimiter keeps one bucket per client address.
type rateLimiter struct {
	config      *RateLimiterConfig
	mu          sync.Mutex
	buckets     map[string]*clientBucket
	lastCleanup time.Time
	nowFunc     func() time.Time
}

func newRateLimiter(config *RateLimiterConfig) *rateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	return &rateLimiter{
		config:      config,
		buckets:     make(map[string]*clientBucket),
		lastCleanup: time.Now(),
		nowFunc:     time.Now,
	}
}

// allowRequest keys the request by its remote host.
func (rl *rateLimiter) allowRequest(r *http.Request) bool {
	return rl.allowKey(clientKey(r))
}

func (rl *rateLimiter) allowKey(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	if key == "" {
		key = "unknown"
	}

	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupLocked(now)

	bucket, ok := rl.buckets[key]
	if !ok {
		if rl.config.MaxClients > 0 && len(rl.buckets) >= rl.config.MaxClients {
			rl.evictOldestLocked()
		}
		bucket = &clientBucket{
			bucket: newTokenBucket(rl.config.RequestsPerSecond, rl.config.BurstSize, now),
		}
		rl.buckets[key] = bucket
	}

	bucket.lastSeen = now
	return bucket.bucket.take(now)
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = defaultRateLimiterCleanupInterval
	}
	if now.Sub(rl.lastCleanup) < interval {
		return
	}
	rl.lastCleanup = now

	ttl := rl.config.ClientTTL
	if ttl <= 0 {
		ttl = defaultRateLimiterClientTTL
	}
	cutoff := now.Add(-ttl)
	for key, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *rateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, bucket := range rl.buckets {
		if first || bucket.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = bucket.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		log.Printf("[RateLimiter] Max clients reached (%d). Evicting oldest bucket: %s", rl.config.MaxClients, oldestKey)
		delete(rl.buckets, oldestKey)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
