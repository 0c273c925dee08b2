// Package ratelimit provides per-provider admission control and the
// bounded retry policy wrapping every model call. A limiter blocks the
// caller until capacity refills instead of failing; retries are an
// explicit attempt loop with doubling backoff.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates calls against one provider's RPM and TPM ceilings.
// It is the one piece of mutable state shared across concurrent runs
// targeting the same provider; rate.Limiter handles the locking.
type Limiter struct {
	requests *rate.Limiter // nil when no RPM ceiling
	tokens   *rate.Limiter // nil when no TPM ceiling
	tpm      int
}

// NewLimiter creates a limiter for the given per-minute ceilings.
// A zero ceiling means unlimited on that axis.
//
// Each axis is a token bucket with burst equal to the full per-minute
// ceiling. An idle limiter therefore admits up to one minute's worth
// at once before the sustained rate bounds it, so a rolling window
// straddling the idle-to-busy edge can see up to twice the ceiling.
func NewLimiter(rpm, tpm int) *Limiter {
	l := &Limiter{tpm: tpm}
	if rpm > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	if tpm > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	}
	return l
}

// Acquire blocks until one request unit plus the estimated token count
// are available, or ctx is done. It never rejects outright: callers
// waiting out a refill window is the contract.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	if l == nil {
		return nil
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for request capacity: %w", err)
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		// An estimate above the bucket size would never be admitted;
		// clamp so oversized prompts wait a full window instead.
		n := estimatedTokens
		if n > l.tpm {
			n = l.tpm
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return fmt.Errorf("waiting for token capacity: %w", err)
		}
	}
	return nil
}

// Registry holds one limiter per provider key.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
	}
}

// For returns the limiter for a provider key, creating it on first use
// with the given ceilings. Later calls ignore the ceilings and return
// the existing limiter so all runs share one bucket.
func (r *Registry) For(key string, rpm, tpm int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewLimiter(rpm, tpm)
	r.limiters[key] = l
	return l
}

// EstimateTokens is the conservative admission estimate for one model
// call: roughly 4 characters per prompt token, plus the configured
// response ceiling since the response also counts against TPM.
func EstimateTokens(promptChars, maxResponseTokens int) int {
	est := (promptChars + 3) / 4
	if maxResponseTokens > 0 {
		est += maxResponseTokens
	}
	return est
}

// Backoff returns the delay before the given zero-based retry attempt:
// 1s, 2s, 4s ... capped at 30s.
func Backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	return d
}
