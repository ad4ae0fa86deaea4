// Package resilience provides the circuit breaker, rate limiter and retry
// primitives shared by the proxy allocator and the dispatcher.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker opens once a run of consecutive failures reaches its
// threshold and, through Allow, supports half-open probing before fully
// closing again. The proxy allocator keeps one instance per binding and
// one per proxy, with independent thresholds, and reads only their
// ConsecutiveFailures count; the half-open probe is reached only by
// callers of Allow, such as the dispatcher's broker breaker.
type CircuitBreaker struct {
	mu sync.Mutex

	halfOpenAfter     time.Duration
	maxHalfOpenProbes int

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int

	consecutiveFailures int
	failureThreshold    int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewConsecutiveFailureBreaker builds a breaker that opens strictly after
// `failureThreshold` consecutive failures (the simple counter scheme
// spec.md §4.2 describes for bindings/proxies) and attempts one half-open
// probe after `halfOpenAfter` elapses.
func NewConsecutiveFailureBreaker(failureThreshold int, halfOpenAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: 1,
		state:             stateClosed,
		window:            newSlidingWindow(time.Minute, 6),
	}
}

// Allow reports whether a request may proceed now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 0
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// IsOpen reports the current open/half-open/closed state without consuming
// a half-open probe slot — used by read-only health summaries.
func (c *CircuitBreaker) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateOpen && time.Since(c.openedAt) >= c.halfOpenAfter {
		return false
	}
	return c.state == stateOpen
}

// RecordResult records a success or failure outcome and transitions state.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if success {
		c.consecutiveFailures = 0
		if c.state == stateHalfOpen {
			c.reset()
		}
		return
	}

	c.consecutiveFailures++
	switch c.state {
	case stateClosed, stateHalfOpen:
		if c.consecutiveFailures >= c.failureThreshold {
			c.transitionToOpen()
		}
	}
}

// ConsecutiveFailures reports the current run length of failures.
func (c *CircuitBreaker) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("crawlord")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("crawlord_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("crawlord")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.consecutiveFailures = 0
	c.window.reset()
	counter, _ := meter.Int64Counter("crawlord_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow implements fixed-size time buckets storing success/failure
// counts, used only for observability (failure-rate reporting), not for the
// open/close decision, which is the simpler consecutive-failure counter
// spec.md specifies.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	if buckets <= 0 {
		buckets = 1
	}
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: time.Duration(int64(size) / int64(buckets)),
		data:     make([]bucket, buckets),
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	idx := w.currentIndex(time.Now())
	w.data[idx] = bucket{}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}

// FailureRate reports the rolling failure rate across the observability
// window (informational only — see slidingWindow doc comment).
func (c *CircuitBreaker) FailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, failures := c.window.stats()
	if total == 0 {
		return 0
	}
	return math.Min(1, float64(failures)/float64(total))
}
