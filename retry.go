package raven

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryManager schedules a sweep of the durable queue after failed
// deliveries. The backoff grows with consecutive failures and resets on the
// next success. It never drops requests.
type RetryManager struct {
	config *RetryConfig
	logger *zap.Logger
	sweep  func()

	mu       sync.Mutex
	failures int
	timer    *time.Timer
	closed   bool
}

// NewRetryManager creates a new retry manager calling sweep when a retry is due
func NewRetryManager(config *RetryConfig, logger *zap.Logger, sweep func()) *RetryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryManager{
		config: config,
		logger: logger,
		sweep:  sweep,
	}
}

// CalculateBackoff calculates the backoff duration for the next retry
func (rm *RetryManager) CalculateBackoff(attempts int) time.Duration {
	if attempts <= 1 {
		return rm.config.InitialBackoff
	}

	// Exponential backoff with jitter
	backoff := float64(rm.config.InitialBackoff) * math.Pow(rm.config.BackoffMultiplier, float64(attempts-1))

	// Add jitter (±25% random variation)
	jitter := backoff * 0.25 * (2*rand.Float64() - 1)
	backoff += jitter

	duration := time.Duration(backoff)

	// Cap at maximum backoff
	if duration > rm.config.MaxBackoff {
		duration = rm.config.MaxBackoff
	}

	return duration
}

// ScheduleRetry records a failure and arms a sweep unless one is pending
func (rm *RetryManager) ScheduleRetry(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return
	}

	rm.failures++
	if rm.timer != nil {
		return
	}

	backoff := rm.CalculateBackoff(rm.failures)
	rm.timer = time.AfterFunc(backoff, rm.fire)

	rm.logger.Debug("Scheduling retry sweep",
		zap.Int("failures", rm.failures),
		zap.Duration("backoff", backoff),
		zap.String("reason", reason))
}

// Reset clears the failure streak after a successful delivery
func (rm *RetryManager) Reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.failures = 0
}

// Pending reports whether a sweep is armed
func (rm *RetryManager) Pending() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.timer != nil
}

func (rm *RetryManager) fire() {
	rm.mu.Lock()
	rm.timer = nil
	closed := rm.closed
	rm.mu.Unlock()

	if closed {
		return
	}
	rm.sweep()
}

// Close stops a pending sweep
func (rm *RetryManager) Close() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.closed = true
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
}
