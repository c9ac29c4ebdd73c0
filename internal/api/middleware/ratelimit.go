package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const (
	clientLimiterTTL     = 10 * time.Minute
	clientLimiterCleanup = 5 * time.Minute
)

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client key. Idle buckets are swept
// on the request path at most once per clientLimiterCleanup.
type clientLimiter struct {
	mu        sync.Mutex
	entries   map[string]*clientEntry
	r         rate.Limit
	b         int
	now       func() time.Time
	lastSweep time.Time
}

func newClientLimiter(r rate.Limit, b int) *clientLimiter {
	return &clientLimiter{
		entries: make(map[string]*clientEntry),
		r:       r,
		b:       b,
		now:     time.Now,
	}
}

func (l *clientLimiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
}

func (l *clientLimiter) evictLocked(now time.Time) {
	l.lastSweep = now
	cutoff := now.Add(-clientLimiterTTL)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// reserve takes a token for key and reports how long the caller would have
// to wait for one when none is left.
func (l *clientLimiter) reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= clientLimiterCleanup {
		l.evictLocked(now)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &clientEntry{lim: rate.NewLimiter(l.r, l.b)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	res := e.lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// RateLimit limits requests per client IP with a token bucket of rps and
// burst. Rejected requests get 429 and a Retry-After hint.
func RateLimit(rps float64, burst int, skipper echomw.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}
	limiter := newClientLimiter(rate.Limit(rps), burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			if ok, wait := limiter.reserve(c.RealIP()); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
