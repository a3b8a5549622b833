package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleTTL is how long a caller's bucket survives without requests. It is far
// longer than any refill, so an evicted bucket would have been full anyway.
const idleTTL = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller. Buckets idle for idleTTL are
// swept lazily on the next lookup after a TTL has passed.
type RateLimiter struct {
	mu        sync.Mutex
	m         map[string]*bucket
	rps       float64
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		m:         make(map[string]*bucket),
		rps:       rps,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= idleTTL {
		rl.sweepLocked(now)
	}
	b, ok := rl.m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.m[key] = b
	}
	b.lastSeen = now
	return b.lim
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range rl.m {
		if now.Sub(b.lastSeen) >= idleTTL {
			delete(rl.m, key)
		}
	}
	rl.lastSweep = now
}

// Tracked reports how many callers currently hold a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

// Middleware keys on the authenticated subject, falling back to client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := IdentityFrom(c); ok {
			key = "sub:" + id.Subject
		}
		if !rl.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limited",
				"message":   "Too many requests",
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}
