package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"proxcall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func newLimitedRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t)))
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(t, cfg)

	assert.Equal(t, http.StatusOK, get(router, "/test", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "/test", nil).Code)
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(t, cfg)

	assert.Equal(t, http.StatusOK, get(router, "/test", nil).Code)

	w := get(router, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another client address has its own bucket
	other := http.Header{"X-Forwarded-For": []string{"203.0.113.7, 10.0.0.1"}}
	assert.Equal(t, http.StatusOK, get(router, "/test", other).Code)
}

func TestHTTPRateLimitMiddleware_BucketsPerUser(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t)))
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(UserIDContextKey, id)
		}
	})
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	alice := http.Header{"X-Test-User": []string{"alice"}}
	bob := http.Header{"X-Test-User": []string{"bob"}}

	// Same address for everyone; only the user differs.
	assert.Equal(t, http.StatusOK, get(router, "/test", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "/test", alice).Code)
	assert.Equal(t, http.StatusOK, get(router, "/test", bob).Code)
	assert.Equal(t, http.StatusOK, get(router, "/test", nil).Code, "anonymous callers use the address bucket")
}

func TestConnectRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.Burst = 2

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ws", func(c *gin.Context) {
		c.Set(UserIDContextKey, c.Query("user_id"))
	}, NewConnectRateLimitMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, get(router, "/ws?user_id=alice", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "/ws?user_id=alice", nil).Code)
	w := get(router, "/ws?user_id=alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(router, "/ws?user_id=bob", nil).Code)
}

func TestCallerKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "ip:192.0.2.1", callerKey(c))

	c.Set(UserIDContextKey, "alice")
	assert.Equal(t, "user:alice", callerKey(c))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.4, 192.0.2.1")
	assert.Equal(t, "198.51.100.4", clientIP(req))
}
