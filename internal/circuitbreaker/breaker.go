// Package circuitbreaker tracks per-provider upstream health. Each
// configured provider gets an independent breaker that trips after a
// number of consecutive transient failures, rejects requests for a
// cooldown period, and then lets a single probe request through to test
// recovery. Concurrent callers arriving during a probe wait for its
// outcome rather than piling onto a possibly-broken provider.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of one provider's circuit.
type State int

const (
	// Closed is normal operation: requests flow, failures are counted.
	Closed State = iota
	// Open means the circuit has tripped: requests are rejected until
	// the cooldown elapses.
	Open
	// HalfOpen allows a single probe request through to test recovery.
	HalfOpen
)

// String returns the wire name for the state, as exposed by /health.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// LastError describes the failure that most recently moved a circuit.
type LastError struct {
	Type    string
	Message string
}

// OpenError is returned when a provider's circuit rejects a request.
type OpenError struct {
	Provider  string
	Reason    string
	TripCount uint32
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for provider %q: %s", e.Provider, e.Reason)
}

// probeOutcome is broadcast to waiters when a probe resolves.
type probeOutcome int

const (
	probeSuccess probeOutcome = iota
	probeFailed
)

// probeWait is the broadcast channel for one Half-Open cycle. A fresh
// probeWait is allocated each time a probe permit is granted, so a
// waiter from a previous cycle can never be woken by a stale result.
type probeWait struct {
	done    chan struct{}
	outcome probeOutcome
}

// entry is the per-provider breaker state. All fields are guarded by mu.
type entry struct {
	mu            sync.Mutex
	provider      string
	state         State
	failureCount  int
	openedAt      time.Time
	lastFailure   time.Time
	lastSuccess   time.Time
	lastError     *LastError
	tripCount     uint32
	probeInFlight bool
	probe         *probeWait
}

// checkResult is the outcome of a permit check under the entry lock.
type checkResult int

const (
	checkAllowed checkResult = iota
	checkProbePermit
	checkWaitForProbe
	checkRejected
)

// check evaluates the state machine for an incoming request, performing
// the lazy Open -> HalfOpen transition when the cooldown has elapsed.
// Caller must hold e.mu.
func (e *entry) check(now time.Time, cooldown time.Duration, onChange stateChangeFunc) checkResult {
	switch e.state {
	case Closed:
		return checkAllowed
	case Open:
		if now.Sub(e.openedAt) < cooldown {
			return checkRejected
		}
		e.setState(HalfOpen, onChange)
		fallthrough
	case HalfOpen:
		if e.probeInFlight {
			return checkWaitForProbe
		}
		e.probeInFlight = true
		e.probe = &probeWait{done: make(chan struct{})}
		return checkProbePermit
	default:
		return checkRejected
	}
}

// recordFailure counts a transient failure observed under a Normal
// permit, tripping the circuit at the threshold. Caller must hold e.mu.
func (e *entry) recordFailure(now time.Time, threshold int, errType, msg string, onChange stateChangeFunc) {
	e.lastFailure = now
	e.lastError = &LastError{Type: errType, Message: msg}
	if e.state != Closed {
		return
	}
	e.failureCount++
	if e.failureCount >= threshold {
		e.setState(Open, onChange)
		e.openedAt = now
		e.tripCount++
	}
}

// recordSuccess resets the consecutive-failure counter. Caller must
// hold e.mu.
func (e *entry) recordSuccess(now time.Time) {
	e.lastSuccess = now
	e.failureCount = 0
}

// resolveProbe finishes a Half-Open probe: success closes the circuit,
// failure reopens it with a fresh cooldown timer. The outcome is
// broadcast to every waiter subscribed to this cycle. Caller must hold
// e.mu.
func (e *entry) resolveProbe(now time.Time, outcome probeOutcome, errType, msg string, onChange stateChangeFunc) {
	if e.state != HalfOpen {
		return
	}
	e.probeInFlight = false

	switch outcome {
	case probeSuccess:
		e.setState(Closed, onChange)
		e.failureCount = 0
		e.lastSuccess = now
	case probeFailed:
		e.setState(Open, onChange)
		e.openedAt = now
		e.tripCount++
		e.lastFailure = now
		e.lastError = &LastError{Type: errType, Message: msg}
	}

	if e.probe != nil {
		e.probe.outcome = outcome
		close(e.probe.done)
		e.probe = nil
	}
}

type stateChangeFunc func(provider string, from, to State)

// setState transitions the entry and fires the callback if registered.
// Caller must hold e.mu.
func (e *entry) setState(to State, onChange stateChangeFunc) {
	from := e.state
	e.state = to
	if onChange != nil && from != to {
		onChange(e.provider, from, to)
	}
}

// openReason describes why the circuit is open, for OpenError and
// health reporting. Caller must hold e.mu.
func (e *entry) openReason() string {
	if e.lastError != nil {
		return fmt.Sprintf("%s: %s", e.lastError.Type, e.lastError.Message)
	}
	return "consecutive failures exceeded threshold"
}
