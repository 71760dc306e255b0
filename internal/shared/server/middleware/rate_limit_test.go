package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type stepClock struct{ now time.Time }

func (s *stepClock) Now() time.Time { return s.now }

func newLimitedRouter(limiter *RateLimiter, rules RateLimitRules) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(userIDKey, user)
		}
		c.Next()
	})
	r.Use(RateLimit(limiter, rules, func(c *gin.Context) string {
		if c.Request.Method == http.MethodPost {
			return "UPLOAD"
		}
		return "DEFAULT"
	}))
	r.GET("/api/v1/analyses/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/analyses", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func hit(r *gin.Engine, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRateLimitUploadsHaveTheirOwnBucket(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	r := newLimitedRouter(NewRateLimiter(clock.Now), RateLimitRules{
		"DEFAULT": {Rate: 5, Burst: 10},
		"UPLOAD":  {Rate: 0.2, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		if resp := hit(r, http.MethodPost, "/api/v1/analyses", "guest:rider"); resp.Code != http.StatusAccepted {
			t.Fatalf("upload %d expected 202, got %d", i+1, resp.Code)
		}
	}
	if resp := hit(r, http.MethodPost, "/api/v1/analyses", "guest:rider"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("third upload expected 429, got %d", resp.Code)
	}
	for i := 0; i < 5; i++ {
		if resp := hit(r, http.MethodGet, "/api/v1/analyses/a-1", "guest:rider"); resp.Code != http.StatusOK {
			t.Fatalf("poll %d expected 200 while uploads are limited, got %d", i+1, resp.Code)
		}
	}
	if resp := hit(r, http.MethodPost, "/api/v1/analyses", "guest:other"); resp.Code != http.StatusAccepted {
		t.Fatalf("other caller expected 202, got %d", resp.Code)
	}

	clock.now = clock.now.Add(5 * time.Second)
	if resp := hit(r, http.MethodPost, "/api/v1/analyses", "guest:rider"); resp.Code != http.StatusAccepted {
		t.Fatalf("upload after refill expected 202, got %d", resp.Code)
	}
}

func TestRateLimit429Body(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	r := newLimitedRouter(NewRateLimiter(clock.Now), RateLimitRules{
		"UPLOAD": {Rate: 0.5, Burst: 1},
	})

	hit(r, http.MethodPost, "/api/v1/analyses", "")
	resp := hit(r, http.MethodPost, "/api/v1/analyses", "")
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if got := resp.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}

	var payload struct {
		Message      string `json:"message"`
		Error        string `json:"error"`
		RetryAfterMs int64  `json:"retryAfterMs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error != "rate_limited" || payload.RetryAfterMs != 2000 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRateLimitSkipsGroupsWithoutRule(t *testing.T) {
	r := newLimitedRouter(NewRateLimiter(nil), RateLimitRules{
		"UPLOAD": {Rate: 0.1, Burst: 1},
	})
	for i := 0; i < 50; i++ {
		if resp := hit(r, http.MethodGet, "/api/v1/analyses/a-1", ""); resp.Code != http.StatusOK {
			t.Fatalf("unruled group request %d expected 200, got %d", i+1, resp.Code)
		}
	}
}

func TestRateLimiterEvictsRefilledBuckets(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter(clock.Now)
	rule := RateLimitRule{Rate: 1, Burst: 5}

	limiter.Allow("UPLOAD|a", rule)
	limiter.Allow("UPLOAD|b", rule)
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", limiter.Len())
	}

	clock.now = clock.now.Add(2 * time.Minute)
	limiter.Allow("UPLOAD|c", rule)
	if limiter.Len() != 1 {
		t.Fatalf("expected idle buckets evicted, got %d", limiter.Len())
	}
}
