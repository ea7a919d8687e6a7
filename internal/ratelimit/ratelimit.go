// Package ratelimit throttles the decision endpoints per client address.
//
// Every check costs an outbound geolocation lookup on a cache miss, so the
// public signup and signin checks are limited before they reach the
// pipeline.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/mbd888/lendguard/internal/syncutil"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize is how many requests a fresh client may make at once.
	BurstSize int
	// IdleExpiry drops a client's bucket after this long without requests.
	IdleExpiry time.Duration
}

// DefaultConfig returns the defaults used when RATE_LIMIT_RPM is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleExpiry:        5 * time.Minute,
	}
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// Limiter is a token bucket per key. Buckets live in a go-cache so idle
// clients expire without a separate cleanup loop.
type Limiter struct {
	cfg     Config
	buckets *cache.Cache
	locks   syncutil.ShardedMutex
	now     func() time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultConfig().IdleExpiry
	}
	return &Limiter{
		cfg:     cfg,
		buckets: cache.New(cfg.IdleExpiry, cfg.IdleExpiry),
		now:     time.Now,
	}
}

// Allow consumes one token for key and reports whether the request may
// proceed. When it may not, the second result is how long until a token
// is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.now()
	rate := float64(l.cfg.RequestsPerMinute) / 60.0

	var b *bucket
	if v, ok := l.buckets.Get(key); ok {
		b = v.(*bucket)
		b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastCheck).Seconds()*rate)
		b.lastCheck = now
	} else {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastCheck: now}
	}
	l.buckets.SetDefault(key, b)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / rate * float64(time.Second))
}

// Middleware limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}
