package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"bikefit-backend/internal/shared/metrics"
	"bikefit-backend/internal/shared/server/respond"
)

// RateLimitRule is a token bucket refilled at Rate tokens per second up to Burst.
type RateLimitRule struct {
	Rate  float64
	Burst int
}

func (r RateLimitRule) unlimited() bool { return r.Rate <= 0 || r.Burst <= 0 }

// refillTime is how long an empty bucket takes to become full again.
func (r RateLimitRule) refillTime() time.Duration {
	return time.Duration(float64(r.Burst) / r.Rate * float64(time.Second))
}

// RateLimitRules maps a route group to its rule. Groups without a rule are not limited.
type RateLimitRules map[string]RateLimitRule

// RateLimiter keeps one token bucket per caller and group. A bucket that has
// sat long enough to refill completely is equivalent to a fresh one, so it is
// evicted on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rateBucket
	now       func() time.Time
	lastSweep time.Time
}

type rateBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
	idle     time.Duration
}

const sweepEvery = time.Minute

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: make(map[string]*rateBucket), now: now}
}

// Allow takes one token from key's bucket. When the bucket is empty it
// reports how long until the next token.
func (l *RateLimiter) Allow(key string, rule RateLimitRule) (bool, time.Duration) {
	if l == nil || rule.unlimited() {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{lim: rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst), idle: rule.refillTime()}
		l.buckets[key] = b
	}
	b.lastSeen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, rule.refillTime()
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Len reports the number of live buckets.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < sweepEvery {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= b.idle {
			delete(l.buckets, key)
		}
	}
}

// RateLimit rejects requests with 429 once the caller's bucket for the
// request's group is empty. Callers are keyed by user ID, falling back to
// client IP before auth has run.
func RateLimit(limiter *RateLimiter, rules RateLimitRules, groupFor func(*gin.Context) string) gin.HandlerFunc {
	if limiter == nil {
		limiter = NewRateLimiter(nil)
	}
	return func(c *gin.Context) {
		group := ""
		if groupFor != nil {
			group = strings.TrimSpace(groupFor(c))
		}
		rule, ok := rules[group]
		if !ok {
			c.Next()
			return
		}
		caller := UserIDFromContext(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		allowed, wait := limiter.Allow(group+"|"+caller, rule)
		if allowed {
			c.Next()
			return
		}

		metrics.IncRateLimited()
		waitMs := max(wait.Milliseconds(), 1)
		c.Header("Retry-After", strconv.FormatInt((waitMs+999)/1000, 10))
		respond.JSON(c, http.StatusTooManyRequests, gin.H{
			"message":      "Too many requests",
			"error":        "rate_limited",
			"retryAfterMs": waitMs,
		})
		c.Abort()
	}
}
