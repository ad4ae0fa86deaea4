package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// HostRateLimiter is a token bucket enforcing a host's minimum request
// spacing. One instance is held per host by the dispatcher;
// Allow reports whether a request may fire now, ReserveAfter reports how
// long to wait otherwise.
type HostRateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	fillRate   float64 // tokens per second == 1 / min_spacing
	available  float64
	lastRefill time.Time
}

// NewHostRateLimiter builds a limiter from a host's minimum spacing
// interval: capacity 1 (no bursting across a min-spacing boundary) refilled
// at 1/minSpacing tokens per second.
func NewHostRateLimiter(minSpacing time.Duration) *HostRateLimiter {
	fillRate := 1.0
	if minSpacing > 0 {
		fillRate = 1.0 / minSpacing.Seconds()
	}
	return &HostRateLimiter{
		capacity:   1,
		fillRate:   fillRate,
		available:  1,
		lastRefill: time.Now(),
	}
}

func (r *HostRateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.available = minFloat(r.capacity, r.available+elapsed*r.fillRate)
	r.lastRefill = now
}

// Allow reports whether a token is available now, consuming it if so.
func (r *HostRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	if r.available >= 1 {
		r.available--
		meter := otel.GetMeterProvider().Meter("crawlord")
		counter, _ := meter.Int64Counter("crawlord_ratelimit_allowed_total")
		counter.Add(context.Background(), 1)
		return true
	}
	return false
}

// ReserveAfter reports the wait until a token becomes available.
func (r *HostRateLimiter) ReserveAfter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	if r.available >= 1 {
		return 0
	}
	shortfall := 1 - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
