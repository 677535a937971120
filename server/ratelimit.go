package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// ipLimiter tracks the rate limiter and last-seen time for a single
// source address.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter holds per-IP token buckets for one endpoint class.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

// perMinute requests allowed per source address, with a burst of the
// same size.
func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
}

func (rl *rateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.burst),
		}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanup removes entries that haven't been seen for the given
// duration.
func (rl *rateLimiter) cleanup(staleAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-staleAfter)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

func (rl *rateLimiter) startCleanup(ctx context.Context, wg *sync.WaitGroup, interval, staleAfter time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(staleAfter)
			}
		}
	}()
}

// Echo middleware enforcing the per-IP bucket. Over-limit requests
// get 429 with a Retry-After hint.
func rateLimitMiddleware(rl *rateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			limiter := rl.getLimiter(c.RealIP())
			if !limiter.Allow() {
				c.Response().Header().Set("Retry-After", "60")
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"too many requests, try again later")
			}
			return next(c)
		}
	}
}
