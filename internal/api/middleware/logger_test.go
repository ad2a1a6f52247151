package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robcowart/ibekd/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func loggedRouter(level zapcore.Level) (*gin.Engine, *observer.ObservedLogs) {
	core, recorded := observer.New(level)
	router := setupTestRouter()
	router.Use(LoggerMiddleware(zap.New(core)))
	return router, recorded
}

func TestLoggerMiddleware(t *testing.T) {
	t.Run("Logs successful request", func(t *testing.T) {
		router, recorded := loggedRouter(zapcore.InfoLevel)
		router.GET("/system/:name/number", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		req, _ := http.NewRequest(http.MethodGet, "/system/IBE_SERVER/number?x=1", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		req.Header.Set("User-Agent", "ibekd-node/1.0")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		logs := recorded.All()
		require.Len(t, logs, 1)
		assert.Equal(t, "HTTP request", logs[0].Message)
		assert.Equal(t, zapcore.InfoLevel, logs[0].Level)

		fields := logs[0].ContextMap()
		assert.Equal(t, "GET", fields["method"])
		assert.Equal(t, "/system/IBE_SERVER/number", fields["path"])
		assert.Equal(t, "x=1", fields["query"])
		assert.Equal(t, int64(200), fields["status"])
		assert.Equal(t, "192.168.1.100", fields["ip"])
		assert.Equal(t, "ibekd-node/1.0", fields["user_agent"])
		assert.NotNil(t, fields["latency"])
	})

	t.Run("Level follows the status", func(t *testing.T) {
		router, recorded := loggedRouter(zapcore.DebugLevel)
		router.GET("/fail", func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "something went wrong"})
		})
		router.GET("/bad", func(c *gin.Context) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
		})

		for _, path := range []string{"/fail", "/bad", "/missing"} {
			req, _ := http.NewRequest(http.MethodGet, path, nil)
			router.ServeHTTP(httptest.NewRecorder(), req)
		}

		logs := recorded.All()
		require.Len(t, logs, 3)
		assert.Equal(t, zapcore.ErrorLevel, logs[0].Level)
		assert.Equal(t, zapcore.WarnLevel, logs[1].Level)
		assert.Equal(t, zapcore.WarnLevel, logs[2].Level)
		assert.Equal(t, int64(404), logs[2].ContextMap()["status"])
	})

	t.Run("Logs request latency", func(t *testing.T) {
		router, recorded := loggedRouter(zapcore.InfoLevel)
		router.GET("/slow", func(c *gin.Context) {
			time.Sleep(10 * time.Millisecond)
			c.Status(http.StatusNoContent)
		})

		req, _ := http.NewRequest(http.MethodGet, "/slow", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)

		logs := recorded.All()
		require.Len(t, logs, 1)
		latency, ok := logs[0].ContextMap()["latency"].(time.Duration)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, latency, 10*time.Millisecond)
	})

	t.Run("Counts requests per route", func(t *testing.T) {
		router, _ := loggedRouter(zapcore.InfoLevel)
		router.POST("/singleid", func(c *gin.Context) {
			c.JSON(http.StatusCreated, gin.H{})
		})

		counter := metrics.HTTPRequests.WithLabelValues("POST", "/singleid", "201")
		before := testutil.ToFloat64(counter)
		for i := 0; i < 3; i++ {
			req, _ := http.NewRequest(http.MethodPost, "/singleid", nil)
			router.ServeHTTP(httptest.NewRecorder(), req)
		}
		assert.Equal(t, before+3, testutil.ToFloat64(counter))
	})
}
