package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"proxcall/pkg/cache"
	"proxcall/pkg/config"
	apperrors "proxcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an untouched bucket is kept before it is
// dropped and recreated full.
const limiterIdleTTL = 10 * time.Minute

// limiterStore hands out one token bucket per caller key.
type limiterStore struct {
	mu       sync.Mutex
	limiters *cache.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: cache.New[string, *rate.Limiter](limiterIdleTTL),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) allow(key string) bool {
	s.mu.Lock()
	limiter, ok := s.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(s.rate, s.burst)
	}
	s.limiters.Set(key, limiter)
	s.mu.Unlock()
	return limiter.Allow()
}

// callerKey buckets authenticated requests per user and everything else
// per client address, so users behind one NAT do not starve each other.
func callerKey(c *gin.Context) string {
	if userID := c.GetString(UserIDContextKey); userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(c.Request)
}

// clientIP prefers the first X-Forwarded-For hop and falls back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rejectRateLimited(c *gin.Context) {
	c.Header("Retry-After", "1")
	c.Error(apperrors.NewRateLimitError())
	c.Abort()
}

// NewHTTPRateLimitMiddleware limits API requests per caller and caps the
// number of requests served at once.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.Error(apperrors.NewServiceUnavailableError("too many concurrent requests"))
				c.Abort()
				return
			}
		}

		if !store.allow(callerKey(c)) {
			rejectRateLimited(c)
			return
		}
		c.Next()
	}
}

// NewConnectRateLimitMiddleware throttles websocket connection attempts per
// user. It must run after AuthMiddleware. Open connections are not counted
// here; the hub enforces its own connection cap.
func NewConnectRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	// One reconnect per second on average, with the websocket burst as slack.
	store := newLimiterStore(rate.Limit(1), max(cfg.RateLimiting.WebSocket.Burst, 1))

	return func(c *gin.Context) {
		if !store.allow(callerKey(c)) {
			rejectRateLimited(c)
			return
		}
		c.Next()
	}
}
