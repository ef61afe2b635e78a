package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	defaultGuestDailyLimit   = 10
)

// RateLimit is a fixed one-minute window per API key, counted in Redis.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
// Guests carry no prefix and are governed by GuestQuota instead.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), time.Minute)
		if err != nil {
			// Fail open.
			slog.Warn("rate limit counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GuestQuota caps anonymous submissions per client address per UTC day.
type GuestQuota struct {
	cache cache.Cache
	limit int
	now   func() time.Time
}

// NewGuestQuota creates a GuestQuota allowing limit requests per day.
func NewGuestQuota(c cache.Cache, limit int) *GuestQuota {
	if limit <= 0 {
		limit = defaultGuestDailyLimit
	}
	return &GuestQuota{cache: c, limit: limit, now: time.Now}
}

// Limit counts guest submissions that are admitted. A slot is taken before
// the handler runs so concurrent requests cannot overshoot the limit, and is
// returned when the request is rejected here or the handler does not answer
// 2xx. Counter errors fail open.
func (g *GuestQuota) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetOwnerID(r); ok {
			next.ServeHTTP(w, r)
			return
		}

		now := g.now().UTC()
		key := cache.GuestQuotaKey(ClientIP(r), now)
		count, err := g.cache.IncrWithExpiry(r.Context(), key, 24*time.Hour)
		if err != nil {
			slog.Warn("guest quota counter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(g.limit-int(count), 0)
		w.Header().Set("X-Guest-Quota-Limit", strconv.Itoa(g.limit))
		w.Header().Set("X-Guest-Quota-Remaining", strconv.Itoa(remaining))

		if count > int64(g.limit) {
			g.refund(r, key)
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
			w.Header().Set("Retry-After", strconv.Itoa(int(midnight.Sub(now).Seconds())+1))
			response.Error(w, http.StatusTooManyRequests, "GUEST_LIMIT_EXCEEDED",
				"Daily guest translation limit reached; sign in with an API key to continue",
				map[string]int{"limit": g.limit})
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status < 200 || rec.status >= 300 {
			g.refund(r, key)
		}
	})
}

func (g *GuestQuota) refund(r *http.Request, key string) {
	if err := g.cache.Decr(context.WithoutCancel(r.Context()), key); err != nil {
		slog.Warn("guest quota refund failed", "error", err)
	}
}
