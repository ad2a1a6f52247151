package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robcowart/ibekd/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestClientLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("Burst then refill", func(t *testing.T) {
		l := NewClientLimiter(3, 3*time.Second)
		for i := 0; i < 3; i++ {
			ok, _ := l.Allow("10.0.0.1", now)
			assert.True(t, ok)
		}

		ok, wait := l.Allow("10.0.0.1", now)
		assert.False(t, ok)
		assert.InDelta(t, float64(time.Second), float64(wait), float64(10*time.Millisecond))

		ok, _ = l.Allow("10.0.0.2", now)
		assert.True(t, ok, "clients have separate buckets")

		ok, _ = l.Allow("10.0.0.1", now.Add(time.Second))
		assert.True(t, ok)
	})

	t.Run("Nil limiter allows everything", func(t *testing.T) {
		var l *ClientLimiter
		ok, _ := l.Allow("10.0.0.1", now)
		assert.True(t, ok)
		assert.Nil(t, NewClientLimiter(0, time.Second))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	newRouter := func(enabled bool) http.Handler {
		cfg := &config.Config{Security: config.SecurityConfig{
			RateLimitEnabled:  enabled,
			RateLimitRequests: 2,
			RateLimitWindow:   time.Minute,
		}}
		router := setupTestRouter()
		router.Use(RateLimitMiddleware(cfg))
		router.GET("/system/all", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{})
		})
		return router
	}
	call := func(h http.Handler) *httptest.ResponseRecorder {
		req, _ := http.NewRequest(http.MethodGet, "/system/all", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("Third request in the window is refused", func(t *testing.T) {
		router := newRouter(true)
		assert.Equal(t, http.StatusOK, call(router).Code)
		assert.Equal(t, http.StatusOK, call(router).Code)

		w := call(router)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), "rate limit exceeded")
	})

	t.Run("Disabled", func(t *testing.T) {
		router := newRouter(false)
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, call(router).Code)
		}
	})
}
