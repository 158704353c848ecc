package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by all workers calling one provider.
// Capacity equals one second of requests, so a limiter configured for 2.5 RPS
// allows a burst of 2 requests and then one every 400ms.
type RateLimiter struct {
	mu sync.Mutex

	rps      float64
	capacity float64

	tokens     float64
	lastUpdate time.Time

	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable   int           `json:"tokens_available"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Utilization       float64       `json:"utilization"`
	TimeUntilToken    time.Duration `json:"time_until_token"`
	TotalConsumed     int64         `json:"total_consumed"`
	TotalWaited       time.Duration `json:"total_waited"`
	Last429Time       time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing rps requests per second.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		rps = 10.0
	}
	capacity := rps
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		rps:        rps,
		capacity:   capacity,
		tokens:     capacity,
		lastUpdate: time.Now(),
	}
}

// Wait blocks until a token is available or context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1.0 {
			r.tokens--
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}

		waitTime := r.untilTokenLocked()
		r.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.mu.Lock()
			r.totalWaited += waitTime
			r.mu.Unlock()
		}
	}
}

// TryConsume takes a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1.0 {
		r.tokens--
		r.totalConsumed++
		return true
	}
	return false
}

// Record429 drains the bucket when the provider signals throttling.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last429Time = time.Now()
	if retryAfter > 0 {
		r.tokens = 0
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	utilization := 1.0 - (r.tokens / r.capacity)
	if utilization < 0 {
		utilization = 0
	}

	var timeUntilToken time.Duration
	if r.tokens < 1.0 {
		timeUntilToken = r.untilTokenLocked()
	}

	return RateLimiterStatus{
		TokensAvailable:   int(r.tokens),
		RequestsPerSecond: r.rps,
		Utilization:       utilization,
		TimeUntilToken:    timeUntilToken,
		TotalConsumed:     r.totalConsumed,
		TotalWaited:       r.totalWaited,
		Last429Time:       r.last429Time,
	}
}

func (r *RateLimiter) untilTokenLocked() time.Duration {
	wait := time.Duration((1.0 - r.tokens) / r.rps * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	r.tokens += elapsed * r.rps
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}
