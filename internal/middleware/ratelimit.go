package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/codetutor/internal/identity"
	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out a token bucket per anonymous user.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter allows requests per window, refilled evenly, with a burst of
// the full window.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether key may make another request now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// StartEviction drops limiters idle past limiterIdleTimeout until ctx ends.
func (l *RateLimiter) StartEviction(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleTimeout)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.evict(time.Now().Add(-limiterIdleTimeout))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *RateLimiter) evict(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, v := range l.visitors {
		if v.lastSeen.Before(before) {
			delete(l.visitors, key)
			n++
		}
	}
	return n
}

// RateLimit rejects requests over the limit with 429. Requests are keyed by
// anonymous user, not by tab, so opening tabs does not raise the limit.
func RateLimit(l *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity.UserIDFromContext(r.Context())
			if key == "" {
				key = identity.IPFromRequest(r)
			}
			if !l.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limit exceeded","code":"rate_limited"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
