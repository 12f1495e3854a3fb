// Package retry implements retry-with-fallback for non-streaming
// dispatches: up to three attempts on the cheapest candidate with fixed
// backoff, then a single attempt on the next candidate. Streaming
// requests never pass through here; a stream cannot be replayed without
// client-visible duplication.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxRetries is the number of retries on the primary candidate after
// its first attempt (three attempts total).
const maxRetries = 2

// backoffSchedule is the delay before each primary attempt. The first
// attempt fires immediately. Var so tests can shorten the waits.
var backoffSchedule = []time.Duration{0, 1 * time.Second, 2 * time.Second}

// IsRetryable reports whether an upstream status code is a transient
// server error worth retrying. 4xx codes are permanent: the provider is
// healthy and a retry would fail identically.
func IsRetryable(status int) bool {
	switch status {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusCoder is implemented by errors that carry an upstream HTTP
// status. Transport-level failures are mapped to a synthetic 502 before
// they reach the retry loop.
type StatusCoder interface {
	HTTPStatus() int
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 502
}

// Attempt records one failed dispatch for the x-arbstr-retries header.
type Attempt struct {
	Provider   string
	StatusCode int
}

// Log collects failed attempts. It is created by the handler and shared
// with the retry loop so the history stays readable even when the loop
// is abandoned by the request deadline.
type Log struct {
	mu       sync.Mutex
	attempts []Attempt
}

// NewLog returns an empty attempt log.
func NewLog() *Log { return &Log{} }

func (l *Log) record(provider string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, Attempt{Provider: provider, StatusCode: status})
}

// Attempts returns a copy of the recorded attempts in order.
func (l *Log) Attempts() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Attempt, len(l.attempts))
	copy(out, l.attempts)
	return out
}

// Header formats the attempts as "2/alpha, 1/beta": failed-attempt
// count per provider in order of first appearance. ok is false when no
// attempt failed and the header should be omitted.
func (l *Log) Header() (value string, ok bool) {
	attempts := l.Attempts()
	if len(attempts) == 0 {
		return "", false
	}

	order := make([]string, 0, 2)
	counts := make(map[string]int, 2)
	for _, a := range attempts {
		if _, seen := counts[a.Provider]; !seen {
			order = append(order, a.Provider)
		}
		counts[a.Provider]++
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, fmt.Sprintf("%d/%s", counts[name], name))
	}
	return strings.Join(parts, ", "), true
}

// DispatchFunc performs a single attempt against the named provider.
type DispatchFunc[T any] func(ctx context.Context, provider string) (T, error)

// WithFallback runs the retry schedule over the candidate list:
//
//  1. The first candidate is attempted up to three times, sleeping per
//     the backoff schedule before each retry.
//  2. A non-retryable error returns immediately, skipping the fallback.
//  3. When the primary exhausts its retries, the second candidate (if
//     any) is attempted once with no backoff.
//  4. Later candidates are never attempted.
//
// Every observed upstream failure is recorded into log. Deadline expiry
// ends the schedule immediately with ctx.Err(): an attempt cut short by
// the deadline is not an observed provider failure and is not recorded,
// and the fallback is never dispatched on a dead context.
func WithFallback[T any](ctx context.Context, candidates []string, log *Log, dispatch DispatchFunc[T]) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, errors.New("retry: no candidates")
	}

	primary := candidates[0]
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := sleep(ctx, backoffSchedule[attempt]); err != nil {
			return zero, err
		}

		v, err := dispatch(ctx, primary)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		status := statusOf(err)
		log.record(primary, status)
		if !IsRetryable(status) {
			return zero, err
		}
		lastErr = err
	}

	if len(candidates) > 1 {
		fallback := candidates[1]
		v, err := dispatch(ctx, fallback)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		log.record(fallback, statusOf(err))
		return zero, err
	}

	return zero, lastErr
}

// sleep waits d or until ctx is done. A zero delay never blocks.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
