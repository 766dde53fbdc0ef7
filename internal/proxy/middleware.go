// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package proxy

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/proxychat/internal/logging"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares. The first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *logging.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("proxy.panic_recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", fmt.Sprint(rec),
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal proxy error", "internal_error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// REQUEST LOGGING
// ============================================================================

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.statusCode = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger *logging.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("proxy.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.statusCode,
				"remote", clientIP(r),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// ============================================================================
// RATE LIMITING
// ============================================================================

// limiterIdleTTL is how long an idle client's bucket is kept.
const limiterIdleTTL = 3 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP. Idle buckets are pruned
// on access, so no background goroutine is needed.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	perMinute int
	limit     rate.Limit
	lastPrune time.Time
	now       func() time.Time
}

// NewRateLimiter allows perMinute requests per client per minute, with bursts
// of the same size.
// A non-positive perMinute never limits.
func NewRateLimiter(perMinute int) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	} else {
		perMinute = 1
	}
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		perMinute: perMinute,
		limit:     limit,
		now:       time.Now,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastPrune) > time.Minute {
		for key, c := range rl.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(rl.clients, key)
			}
		}
		rl.lastPrune = now
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.perMinute)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// RateLimitMiddleware answers 429 once a client exceeds its budget. Only the
// 429 carries rate-limit headers; relayed responses pass through untouched.
func RateLimitMiddleware(limiter *RateLimiter, logger *logging.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				logger.Warn("proxy.rate_limited", "remote", ip, "limit_per_minute", limiter.perMinute)
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.perMinute))
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "too many requests", "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address. Forwarded-for headers are not trusted:
// this proxy is the first hop.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
