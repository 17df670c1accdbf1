package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tradingd/internal/metrics"
)

// ipLimiters tracks one token bucket per client IP, grounded on the
// teacher's own middleware.go rate limiter (20 req/s, burst 50). Reset every
// 5 minutes instead of growing unbounded.
var (
	ipLimiters   = make(map[string]*rate.Limiter)
	ipLimitersMu sync.RWMutex
)

func getIPLimiter(ip string) *rate.Limiter {
	ipLimitersMu.RLock()
	l, ok := ipLimiters[ip]
	ipLimitersMu.RUnlock()
	if ok {
		return l
	}
	ipLimitersMu.Lock()
	defer ipLimitersMu.Unlock()
	if l, ok := ipLimiters[ip]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = l
	return l
}

func init() {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ipLimitersMu.Lock()
			ipLimiters = make(map[string]*rate.Limiter)
			ipLimitersMu.Unlock()
		}
	}()
}

// CORSMiddleware allows the dashboard (out of core scope) to call this API
// from any origin; auth is enforced by the bearer token, not by origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware stamps every request with an id for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// RateLimitMiddleware rejects requests once a client IP exceeds its bucket.
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			log.Printf("[RATE_LIMIT] ip=%s exceeded rate limit", c.ClientIP())
			errJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds request handling to the §5 "request: 30s" budget.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					panicked <- r
				}
			}()
			c.Next()
			close(done)
		}()

		select {
		case p := <-panicked:
			log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, p)
			errJSON(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		case <-done:
		case <-ctx.Done():
			log.Printf("[TIMEOUT] %s %s", c.Request.Method, c.Request.URL.Path)
			errJSON(c, http.StatusRequestTimeout, "REQUEST_TIMEOUT", "request took too long to process")
		}
	}
}

// RequestLogger logs every request with timing and status, and feeds the
// Prometheus request counters (§6 /metrics: api request/latency surface).
func RequestLogger(reg *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if reg != nil {
			reg.APIRequestsTotal.WithLabelValues(path, statusClass(status)).Inc()
			if status >= 400 {
				reg.APIErrorsTotal.Inc()
			}
		}
		log.Printf("[API] %s %s | %d | %v | %s", method, path, status, latency, c.ClientIP())
	}
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
