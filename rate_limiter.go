package raven

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// categoryError is the data category of events posted to the store endpoint
	categoryError = "error"
	categoryAll   = "all"

	defaultRetryAfter = 60 * time.Second
)

// RateLimiter tracks collector-imposed rate limits
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until time
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsRateLimited reports whether events may not be sent right now
func (rl *RateLimiter) IsRateLimited() bool {
	return !rl.DisabledUntil().IsZero()
}

// DisabledUntil returns when event delivery is allowed again, zero when it
// is allowed now
func (rl *RateLimiter) DisabledUntil() time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var maxDisabledUntil time.Time

	for _, category := range []string{categoryError, categoryAll} {
		if disabledUntil, exists := rl.rateLimits[category]; exists && disabledUntil.After(now) {
			if disabledUntil.After(maxDisabledUntil) {
				maxDisabledUntil = disabledUntil
			}
		}
	}

	return maxDisabledUntil
}

// HandleResponse records the limits announced by a collector response
func (rl *RateLimiter) HandleResponse(statusCode int, header http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if rateLimits := header.Get("X-Sentry-Rate-Limits"); rateLimits != "" {
		rl.parseRateLimitHeader(rateLimits, now)
		return
	}

	// Retry-After only carries meaning on a 429
	if statusCode == http.StatusTooManyRequests {
		rl.parseRetryAfterHeader(header.Get("Retry-After"), now)
	}
}

// parseRateLimitHeader parses the X-Sentry-Rate-Limits header
// Format: "retry_after:categories:scope:reason_code:namespaces"
func (rl *RateLimiter) parseRateLimitHeader(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		retryAfterSeconds, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			rl.logger.Warn("Failed to parse retry_after from rate limit header", zap.String("value", parts[0]))
			retryAfterSeconds = int(defaultRetryAfter / time.Second)
		}
		retryAfter := now.Add(time.Duration(retryAfterSeconds) * time.Second)

		categories := strings.TrimSpace(parts[1])
		if categories == "" {
			categories = categoryAll
		}

		for _, category := range strings.Split(categories, ";") {
			category = normalizeCategory(strings.TrimSpace(category))
			rl.rateLimits[category] = retryAfter
			rl.logger.Warn("Rate limit applied",
				zap.String("category", category),
				zap.Time("disabled_until", retryAfter),
				zap.Int("retry_after_seconds", retryAfterSeconds))
		}
	}
}

// parseRetryAfterHeader parses the Retry-After header
func (rl *RateLimiter) parseRetryAfterHeader(header string, now time.Time) {
	header = strings.TrimSpace(header)

	if seconds, err := strconv.Atoi(header); err == nil {
		rl.rateLimits[categoryAll] = now.Add(time.Duration(seconds) * time.Second)
		rl.logger.Warn("Global rate limit applied via Retry-After header",
			zap.Int("retry_after_seconds", seconds))
		return
	}

	if retryTime, err := http.ParseTime(header); err == nil && retryTime.After(now) {
		rl.rateLimits[categoryAll] = retryTime
		rl.logger.Warn("Global rate limit applied via Retry-After header",
			zap.Time("disabled_until", retryTime))
		return
	}

	retryAfter := now.Add(defaultRetryAfter)
	rl.rateLimits[categoryAll] = retryAfter
	rl.logger.Warn("Failed to parse Retry-After header, using default",
		zap.String("header", header),
		zap.Time("disabled_until", retryAfter))
}

// normalizeCategory converts event types to Sentry data categories
func normalizeCategory(category string) string {
	switch category {
	case "", categoryAll:
		return categoryAll
	case "event", "default", categoryError:
		return categoryError
	default:
		return category
	}
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, disabledUntil := range rl.rateLimits {
		if !disabledUntil.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// Status returns current rate limit status
func (rl *RateLimiter) Status() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, disabledUntil := range rl.rateLimits {
		status[category] = disabledUntil
	}
	return status
}
