package middleware

import (
	"net/http"
	"sync"
	"time"

	"roleplay-chat-demo/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterOptions configures the rate limiter
type RateLimiterOptions struct {
	// Limit defines requests per second
	Limit rate.Limit
	// Burst defines maximum burst size allowed
	Burst int
	// ExpiryDuration defines how long to keep client state in memory
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request (e.g. IP)
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterOptions returns sensible defaults
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          10,
		Burst:          20,
		ExpiryDuration: time.Hour,
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	}
}

// client represents a rate limiter client
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements rate limiting middleware for Gin
type RateLimiter struct {
	mu      sync.Mutex
	options RateLimiterOptions
	clients map[string]*client
	logger  *logger.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger *logger.Logger, options ...RateLimiterOptions) *RateLimiter {
	opts := DefaultRateLimiterOptions()
	if len(options) > 0 {
		opts = options[0]
	}

	rl := &RateLimiter{
		options: opts,
		clients: make(map[string]*client),
		logger:  logger,
	}

	go rl.cleanup()

	return rl
}

// Middleware returns the Gin handler enforcing the limit
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.options.KeyFunc(c)

		rl.mu.Lock()
		cl, exists := rl.clients[key]
		if !exists {
			cl = &client{limiter: rate.NewLimiter(rl.options.Limit, rl.options.Burst)}
			rl.clients[key] = cl
		}
		cl.lastSeen = time.Now()
		allowed := cl.limiter.Allow()
		rl.mu.Unlock()

		if !allowed {
			rl.logger.Warn("rate limit exceeded", "key", key, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Too many requests",
				},
			})
			return
		}

		c.Next()
	}
}

// cleanup evicts idle client entries periodically
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.options.ExpiryDuration)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.options.ExpiryDuration)
		for key, cl := range rl.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}
