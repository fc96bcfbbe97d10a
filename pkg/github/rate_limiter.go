package github

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
)

// RateStats provides statistics about rate tracker usage
type RateStats struct {
	RemainingRequests int           `json:"remaining_requests"`
	ResetTime         time.Time     `json:"reset_time"`
	CurrentDelay      time.Duration `json:"current_delay"`
	TotalWaits        int64         `json:"total_waits"`
	TotalDelayTime    time.Duration `json:"total_delay_time"`
}

// RateTrackerConfig configures the rate tracker behavior
type RateTrackerConfig struct {
	// MaxDelay caps any single wait, except when the budget is exhausted
	MaxDelay time.Duration

	// Jitter adds randomness to delays
	Jitter float64

	// MinRemainingRequests is the threshold below which calls are throttled
	MinRemainingRequests int

	// ThrottleDelay is the full delay applied as remaining approaches zero
	ThrottleDelay time.Duration
}

// DefaultRateTrackerConfig returns a default rate tracker configuration
func DefaultRateTrackerConfig() *RateTrackerConfig {
	return &RateTrackerConfig{
		MaxDelay:             30 * time.Second,
		Jitter:               0.1,
		MinRemainingRequests: 100,
		ThrottleDelay:        2 * time.Second,
	}
}

// RateTracker records the X-RateLimit-* headers of every response and slows
// down the next call when the remaining budget runs low
type RateTracker struct {
	config *RateTrackerConfig
	mu     sync.Mutex

	remaining int
	resetTime time.Time
	known     bool

	stats RateStats
	rand  *rand.Rand
}

// NewRateTracker creates a new rate tracker
func NewRateTracker(config *RateTrackerConfig) *RateTracker {
	if config == nil {
		config = DefaultRateTrackerConfig()
	}
	return &RateTracker{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Observe records the rate limit reported by resp. Nil responses and
// responses without rate headers are ignored.
func (rt *RateTracker) Observe(resp *github.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	rt.Update(resp.Rate.Remaining, resp.Rate.Reset.Time)
}

// Update sets the known remaining budget and its reset time
func (rt *RateTracker) Update(remaining int, reset time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.remaining = remaining
	rt.resetTime = reset
	rt.known = true
	rt.stats.RemainingRequests = remaining
	rt.stats.ResetTime = reset
}

// Delay returns the current delay before the next API call
func (rt *RateTracker) Delay() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.calculateDelay(time.Now())
}

// Wait blocks until it's safe to make an API call
func (rt *RateTracker) Wait(ctx context.Context) error {
	rt.mu.Lock()
	delay := rt.calculateDelay(time.Now())
	if delay > 0 {
		rt.stats.TotalWaits++
		rt.stats.TotalDelayTime += delay
	}
	rt.mu.Unlock()

	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns current rate tracker statistics
func (rt *RateTracker) Stats() RateStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	stats := rt.stats
	stats.CurrentDelay = rt.calculateDelay(time.Now())
	return stats
}

func (rt *RateTracker) calculateDelay(now time.Time) time.Duration {
	if !rt.known || now.After(rt.resetTime) {
		return 0
	}
	if rt.remaining >= rt.config.MinRemainingRequests {
		return 0
	}

	// Exhausted: wait for the reset regardless of MaxDelay
	if rt.remaining <= 0 {
		return rt.resetTime.Sub(now)
	}

	// Fewer remaining requests, longer delay
	ratio := float64(rt.remaining) / float64(rt.config.MinRemainingRequests)
	delay := time.Duration(float64(rt.config.ThrottleDelay) * (1.0 - ratio))

	if rt.config.Jitter > 0 && delay > 0 {
		delay += time.Duration(rt.rand.Float64() * float64(delay) * rt.config.Jitter)
	}

	return minDuration(delay, rt.config.MaxDelay)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
