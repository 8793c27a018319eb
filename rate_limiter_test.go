package raven

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestRateLimiter(now time.Time) *RateLimiter {
	rl := NewRateLimiter(nil)
	rl.now = func() time.Time { return now }
	return rl
}

func TestRateLimiterSentryHeader(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rl := newTestRateLimiter(now)

	header := http.Header{}
	header.Set("X-Sentry-Rate-Limits", "60:error;transaction:key, 2700:default:organization")
	rl.HandleResponse(http.StatusOK, header)

	assert.True(t, rl.IsRateLimited())
	assert.Equal(t, now.Add(2700*time.Second), rl.DisabledUntil())

	status := rl.Status()
	assert.Equal(t, now.Add(60*time.Second), status["transaction"])
	assert.Equal(t, now.Add(2700*time.Second), status["error"])
}

func TestRateLimiterIgnoresOtherCategories(t *testing.T) {
	rl := newTestRateLimiter(time.Now())

	header := http.Header{}
	header.Set("X-Sentry-Rate-Limits", "120:transaction;attachment:key")
	rl.HandleResponse(http.StatusOK, header)

	assert.False(t, rl.IsRateLimited())
	assert.True(t, rl.DisabledUntil().IsZero())
}

func TestRateLimiterEmptyCategoriesLimitEverything(t *testing.T) {
	now := time.Now()
	rl := newTestRateLimiter(now)

	header := http.Header{}
	header.Set("X-Sentry-Rate-Limits", "30::organization")
	rl.HandleResponse(http.StatusOK, header)

	assert.Equal(t, now.Add(30*time.Second), rl.Status()[categoryAll])
	assert.True(t, rl.IsRateLimited())
}

func TestRateLimiterRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Time
	}{
		{"seconds", http.StatusTooManyRequests, "120", now.Add(120 * time.Second)},
		{"http date", http.StatusTooManyRequests, now.Add(time.Hour).Format(http.TimeFormat), now.Add(time.Hour)},
		{"garbage", http.StatusTooManyRequests, "soon", now.Add(defaultRetryAfter)},
		{"missing", http.StatusTooManyRequests, "", now.Add(defaultRetryAfter)},
		{"not a 429", http.StatusServiceUnavailable, "120", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := newTestRateLimiter(now)

			header := http.Header{}
			if tt.retryAfter != "" {
				header.Set("Retry-After", tt.retryAfter)
			}
			rl.HandleResponse(tt.status, header)

			assert.Equal(t, tt.want, rl.DisabledUntil())
		})
	}
}

func TestRateLimiterExpiry(t *testing.T) {
	now := time.Now()
	rl := newTestRateLimiter(now)

	header := http.Header{}
	header.Set("Retry-After", "10")
	rl.HandleResponse(http.StatusTooManyRequests, header)
	assert.True(t, rl.IsRateLimited())

	rl.now = func() time.Time { return now.Add(11 * time.Second) }
	assert.False(t, rl.IsRateLimited())

	rl.CleanupExpired()
	assert.Empty(t, rl.Status())
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, categoryAll, normalizeCategory(""))
	assert.Equal(t, categoryError, normalizeCategory("event"))
	assert.Equal(t, categoryError, normalizeCategory("default"))
	assert.Equal(t, "session", normalizeCategory("session"))
}
