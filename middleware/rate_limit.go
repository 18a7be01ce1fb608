package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

// clientsBeforeSweep bounds the limiter map before idle clients are dropped
const clientsBeforeSweep = 1024

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	every   time.Duration
	burst   int
	idle    time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per client, with a burst of the
// same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		every:   time.Minute / time.Duration(perMinute),
		burst:   perMinute,
		idle:    10 * time.Minute,
	}
}

// Allow reports whether client may make a request now
func (l *RateLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cl, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= clientsBeforeSweep {
			l.sweep(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.clients[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (l *RateLimiter) sweep(now time.Time) {
	for k, cl := range l.clients {
		if now.Sub(cl.lastSeen) > l.idle {
			delete(l.clients, k)
		}
	}
}

// RateLimit rejects clients over their budget with 429
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(limiter.every.Seconds())))
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			logger.Warn(c.Request.Context(), "rate limit exceeded", "client_ip", clientIP)
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
