// Package ratelimit implements the token-bucket rate limiter of spec
// §4.7: per-window request and token buckets plus a concurrency
// semaphore, with lazy refill and FIFO waiting for concurrency slots.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/agentrun/internal/metrics"
)

// Window identifies which bucket a check or consume targets.
type Window string

const (
	WindowRequestsPerMinute Window = "requests_per_minute"
	WindowRequestsPerHour   Window = "requests_per_hour"
	WindowTokensPerMinute   Window = "tokens_per_minute"
	WindowTokensPerHour     Window = "tokens_per_hour"
)

// bucket is a single token-bucket: Capacity tokens refill at
// RefillRate tokens/ms, lazily computed on each consume.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per millisecond
	lastRefill time.Time
}

func newBucket(capacity float64, window time.Duration, now time.Time) *bucket {
	ms := float64(window / time.Millisecond)
	rate := 0.0
	if ms > 0 {
		rate = capacity / ms
	}
	return &bucket{capacity: capacity, tokens: capacity, refillRate: rate, lastRefill: now}
}

// refill advances the bucket's token level to now without consuming.
func (b *bucket) refill(now time.Time) {
	elapsed := float64(now.Sub(b.lastRefill) / time.Millisecond)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// tryConsume attempts to remove n tokens, returning (true, 0) on
// success or (false, waitDuration) with the time until n tokens would
// be available.
func (b *bucket) tryConsume(n float64, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	if b.refillRate <= 0 {
		return false, time.Duration(math.MaxInt64)
	}
	waitMS := deficit / b.refillRate
	return false, time.Duration(math.Ceil(waitMS)) * time.Millisecond
}

// refund returns n tokens to the bucket (used to roll back a partial
// admission when a sibling bucket refuses).
func (b *bucket) refund(n float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	b.tokens = math.Min(b.capacity, b.tokens+n)
}

// Config declares the bucket capacities and concurrency limit (spec
// §6 "rate_limit.{rpm,rph,tpm,tph,concurrent}").
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	TokensPerMinute   int
	TokensPerHour     int
	ConcurrentRequests int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	RetryAfter time.Duration
}

// Limiter enforces Config's buckets plus a concurrency semaphore. All
// methods are safe for concurrent use. A Config field left at 0 makes
// that bucket unbounded (see New and unboundedOr); a positive value
// enforces it.
type Limiter struct {
	now func() time.Time

	rpm *bucket
	rph *bucket
	tpm *bucket
	tph *bucket

	sem      *semaphore.Weighted
	inFlight atomic.Int64

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil is accepted and
// disables metrics recording (the default).
func (l *Limiter) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// New builds a Limiter from cfg. A zero field in cfg is treated as
// "unbounded" for that bucket (it always admits).
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	n := now()
	l := &Limiter{now: now}

	l.rpm = unboundedOr(cfg.RequestsPerMinute, time.Minute, n)
	l.rph = unboundedOr(cfg.RequestsPerHour, time.Hour, n)
	l.tpm = unboundedOr(cfg.TokensPerMinute, time.Minute, n)
	l.tph = unboundedOr(cfg.TokensPerHour, time.Hour, n)

	concurrency := cfg.ConcurrentRequests
	if concurrency <= 0 {
		concurrency = 1 << 20 // effectively unbounded
	}
	l.sem = semaphore.NewWeighted(int64(concurrency))

	return l
}

func unboundedOr(limit int, window time.Duration, now time.Time) *bucket {
	if limit <= 0 {
		return newBucket(math.MaxFloat64/2, window, now)
	}
	return newBucket(float64(limit), window, now)
}

// CheckRequest attempts to consume one request-token from both the
// per-minute and per-hour request buckets. If either refuses, both are
// rolled back and Decision.RetryAfter reports how long to wait.
func (l *Limiter) CheckRequest() Decision {
	now := l.now()
	okMin, waitMin := l.rpm.tryConsume(1, now)
	if !okMin {
		l.metrics.RecordRateLimitCheck(string(WindowRequestsPerMinute), false, waitMin.Seconds())
		return Decision{Allowed: false, RetryAfter: waitMin}
	}
	okHour, waitHour := l.rph.tryConsume(1, now)
	if !okHour {
		l.rpm.refund(1, now)
		l.metrics.RecordRateLimitCheck(string(WindowRequestsPerHour), false, waitHour.Seconds())
		return Decision{Allowed: false, RetryAfter: waitHour}
	}
	l.metrics.RecordRateLimitCheck(string(WindowRequestsPerMinute), true, 0)
	return Decision{Allowed: true}
}

// CheckTokens attempts to consume n tokens from both the per-minute
// and per-hour token buckets, with the same rollback behaviour as
// CheckRequest.
func (l *Limiter) CheckTokens(n int) Decision {
	now := l.now()
	okMin, waitMin := l.tpm.tryConsume(float64(n), now)
	if !okMin {
		l.metrics.RecordRateLimitCheck(string(WindowTokensPerMinute), false, waitMin.Seconds())
		return Decision{Allowed: false, RetryAfter: waitMin}
	}
	okHour, waitHour := l.tph.tryConsume(float64(n), now)
	if !okHour {
		l.tpm.refund(float64(n), now)
		l.metrics.RecordRateLimitCheck(string(WindowTokensPerHour), false, waitHour.Seconds())
		return Decision{Allowed: false, RetryAfter: waitHour}
	}
	l.metrics.RecordRateLimitCheck(string(WindowTokensPerMinute), true, 0)
	return Decision{Allowed: true}
}

// Acquire blocks until request admission succeeds and the concurrency
// semaphore has capacity, or ctx is cancelled. On success the caller
// must call Release exactly once. Waiters for a concurrency slot are
// served FIFO (semaphore.Weighted's ordering); callers waiting on a
// refused request admission each sleep and retry, in no fixed order.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		d := l.CheckRequest()
		if !d.Allowed {
			t := time.NewTimer(d.RetryAfter)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
				continue
			}
		}
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("ratelimit: acquire cancelled: %w", err)
		}
		l.metrics.SetConcurrencyInFlight(int(l.inFlight.Add(1)))
		return nil
	}
}

// Release returns the concurrency slot acquired by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
	l.metrics.SetConcurrencyInFlight(int(l.inFlight.Add(-1)))
}

// InFlight returns the number of currently held concurrency slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}
