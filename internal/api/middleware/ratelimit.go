package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/config"
	"golang.org/x/time/rate"
)

// idleTTL is how long an unused client bucket is kept
const idleTTL = 10 * time.Minute

// ClientLimiter applies a token bucket per client key and evicts idle buckets
type ClientLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows requests per window for each client, with the
// whole allowance available as a burst. It returns nil if args are invalid.
func NewClientLimiter(requests int, window time.Duration) *ClientLimiter {
	if requests <= 0 || window <= 0 {
		return nil
	}
	return &ClientLimiter{
		limit: rate.Limit(float64(requests) / window.Seconds()),
		burst: requests,
		byKey: make(map[string]*bucket),
	}
}

// Allow reports whether key may make one more request at now. A nil limiter
// allows everything.
func (l *ClientLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// RateLimitMiddleware rejects clients exceeding the configured request rate
// with 429 Too Many Requests.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.Security.RateLimitEnabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	limiter := NewClientLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow)

	return func(c *gin.Context) {
		allowed, wait := limiter.Allow(c.ClientIP(), time.Now())
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
