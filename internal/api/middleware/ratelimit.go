// SPDX-License-Identifier: MIT

package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	// RequestLimit is the maximum number of requests allowed in the window
	RequestLimit int
	// WindowSize is the time window for rate limiting
	WindowSize time.Duration
	// KeyFunc extracts the rate limit key from the request (e.g., IP address)
	// If nil, defaults to IP-based rate limiting
	KeyFunc func(r *http.Request) (string, error)
}

// RateLimit creates a rate limiting middleware using the httprate library.
// It uses a sliding window counter algorithm for accurate rate limiting.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(cfg.WindowSize.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)

			resp := `{"error_code":"TEMPORARILY_UNAVAILABLE","message":"Too many requests. Please try again later."}`
			_, _ = w.Write([]byte(resp))
		}),
	)
}

// RateLimiter is a rate-limit middleware whose limit and window can change
// at runtime, for config hot reload. Each Update rebuilds the underlying
// httprate limiter and swaps it atomically; in-flight requests finish on the
// limiter they started with.
type RateLimiter struct {
	mu     sync.Mutex
	cfg    RateLimitConfig
	chains []*rateLimitChain
}

type rateLimitChain struct {
	next    http.Handler
	handler atomic.Pointer[http.Handler]
}

func (c *rateLimitChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*c.handler.Load()).ServeHTTP(w, r)
}

// NewRateLimiter returns a swappable rate limiter with the given initial
// configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	return &RateLimiter{cfg: cfg}
}

// Middleware returns the chi-compatible middleware. It may be applied to
// several routers; Update affects all of them.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		l.mu.Lock()
		defer l.mu.Unlock()
		c := &rateLimitChain{next: next}
		h := RateLimit(l.cfg)(next)
		c.handler.Store(&h)
		l.chains = append(l.chains, c)
		return c
	}
}

// Update swaps in a new request limit and window. A no-op when nothing
// changed, so counters are not reset spuriously.
func (l *RateLimiter) Update(requestLimit int, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if requestLimit == l.cfg.RequestLimit && window == l.cfg.WindowSize {
		return
	}
	l.cfg.RequestLimit = requestLimit
	l.cfg.WindowSize = window
	for _, c := range l.chains {
		h := RateLimit(l.cfg)(c.next)
		c.handler.Store(&h)
	}
}
