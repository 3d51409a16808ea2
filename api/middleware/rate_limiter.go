package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerSecond float64       // Rate limit (requests per second)
	BurstSize         int           // Burst size
	CleanupInterval   time.Duration // How often to cleanup unused limiters
}

// IPRateLimiter manages rate limiters per client IP
type IPRateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   RateLimiterConfig
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter. Stale entries are removed until ctx is done.
func NewIPRateLimiter(ctx context.Context, config RateLimiterConfig) *IPRateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 40
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rl := &IPRateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
	}

	go rl.cleanupStaleLimiters(ctx)

	return rl
}

// getLimiter returns the rate limiter for the given IP
func (rl *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
		rl.limiters[ip] = &limiterEntry{
			limiter:  limiter,
			lastSeen: time.Now(),
		}
		return limiter
	}

	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupStaleLimiters removes limiters that haven't been used recently
func (rl *IPRateLimiter) cleanupStaleLimiters(ctx context.Context) {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		now := time.Now()
		for ip, entry := range rl.limiters {
			if now.Sub(entry.lastSeen) > rl.config.CleanupInterval {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}

// Timeout bounds the request context.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
