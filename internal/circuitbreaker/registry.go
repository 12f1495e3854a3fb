package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PermitKind distinguishes an ordinary pass-through from a recovery probe.
type PermitKind int

const (
	// Normal means the circuit is Closed (or the provider is not
	// registered) and the request proceeds as usual.
	Normal PermitKind = iota
	// Probe means the holder is the single recovery request for a
	// Half-Open circuit and must resolve the probe outcome.
	Probe
)

// Registry holds one breaker per configured provider. Providers not
// registered at construction always receive Normal permits; the breaker
// is opt-in per configured name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	threshold     int
	cooldown      time.Duration
	onStateChange stateChangeFunc

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithThreshold sets the number of consecutive failures required to trip
// a circuit from Closed to Open. The default is 3.
func WithThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithCooldown sets how long a circuit stays Open before a probe is
// allowed. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback fired on every state
// transition. The callback runs while the entry's mutex is held, so it
// must not call back into the registry.
func WithOnStateChange(fn func(provider string, from, to State)) Option {
	return func(r *Registry) {
		r.onStateChange = fn
	}
}

// WithClock overrides the time source; tests use it to advance the
// cooldown timer without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFunc = now
		}
	}
}

// NewRegistry creates a Registry with one Closed breaker per provider.
func NewRegistry(providers []string, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry, len(providers)),
		threshold: defaultThreshold,
		cooldown:  defaultCooldown,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for _, name := range providers {
		r.entries[name] = &entry{provider: name, state: Closed}
	}
	return r
}

// Permit is the grant returned by Acquire. The holder reports the
// request outcome through Success or Failure, and must call Release
// (typically deferred) so an unresolved probe cannot wedge the circuit
// in Half-Open.
type Permit struct {
	Kind     PermitKind
	reg      *Registry
	ent      *entry // nil for unregistered providers
	resolved bool
}

// Acquire checks the provider's circuit and returns a permit, or an
// *OpenError if the circuit is Open and the cooldown has not expired.
//
// When another caller holds the probe permit, Acquire blocks until the
// probe resolves: a successful probe yields a Normal permit, a failed
// probe yields *OpenError. The wait is bounded by ctx.
func (r *Registry) Acquire(ctx context.Context, provider string) (*Permit, error) {
	r.mu.RLock()
	e := r.entries[provider]
	r.mu.RUnlock()
	if e == nil {
		return &Permit{Kind: Normal, reg: r}, nil
	}

	e.mu.Lock()
	switch e.check(r.nowFunc(), r.cooldown, r.onStateChange) {
	case checkAllowed:
		e.mu.Unlock()
		return &Permit{Kind: Normal, reg: r, ent: e}, nil

	case checkProbePermit:
		e.mu.Unlock()
		return &Permit{Kind: Probe, reg: r, ent: e}, nil

	case checkWaitForProbe:
		// Subscribe before releasing the lock so the broadcast cannot
		// be missed, and to a channel scoped to this probe cycle so a
		// stale outcome cannot wake us.
		wait := e.probe
		e.mu.Unlock()

		select {
		case <-wait.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if wait.outcome == probeSuccess {
			return &Permit{Kind: Normal, reg: r, ent: e}, nil
		}
		e.mu.Lock()
		err := &OpenError{Provider: provider, Reason: e.openReason(), TripCount: e.tripCount}
		e.mu.Unlock()
		return nil, err

	default: // checkRejected
		err := &OpenError{Provider: provider, Reason: e.openReason(), TripCount: e.tripCount}
		e.mu.Unlock()
		return nil, err
	}
}

// Success reports that the request completed. A Normal permit resets
// the failure counter; a Probe permit closes the circuit and wakes all
// waiters with a success outcome.
func (p *Permit) Success() {
	if p == nil || p.resolved || p.ent == nil {
		if p != nil {
			p.resolved = true
		}
		return
	}
	p.resolved = true

	p.ent.mu.Lock()
	defer p.ent.mu.Unlock()
	switch p.Kind {
	case Normal:
		p.ent.recordSuccess(p.reg.nowFunc())
	case Probe:
		p.ent.resolveProbe(p.reg.nowFunc(), probeSuccess, "", "", p.reg.onStateChange)
	}
}

// Failure reports a transient provider failure. A Normal permit counts
// toward the trip threshold; a Probe permit reopens the circuit with a
// fresh cooldown and wakes all waiters with a failure outcome.
//
// Client errors (4xx) must not be reported here; the provider is
// healthy, the request was bad.
func (p *Permit) Failure(errType, msg string) {
	if p == nil || p.resolved || p.ent == nil {
		if p != nil {
			p.resolved = true
		}
		return
	}
	p.resolved = true

	p.ent.mu.Lock()
	defer p.ent.mu.Unlock()
	switch p.Kind {
	case Normal:
		p.ent.recordFailure(p.reg.nowFunc(), p.reg.threshold, errType, msg, p.reg.onStateChange)
	case Probe:
		p.ent.resolveProbe(p.reg.nowFunc(), probeFailed, errType, msg, p.reg.onStateChange)
	}
}

// Release finalizes the permit. An unresolved Probe permit is defaulted
// to a failure so the circuit cannot stay Half-Open forever when the
// holder is cancelled or panics past its outcome report. Safe to call
// after Success or Failure; intended for defer.
func (p *Permit) Release() {
	if p == nil || p.resolved {
		return
	}
	if p.Kind == Probe && p.ent != nil {
		slog.Warn("probe permit released without outcome, treating as failure",
			slog.String("provider", p.ent.provider))
		p.Failure("unresolved", "probe released without an outcome")
		return
	}
	p.resolved = true
}

// Snapshot is a point-in-time view of one breaker, for /health.
type Snapshot struct {
	State        State
	FailureCount int
	TripCount    uint32
	LastError    *LastError
}

// Snapshots returns the current state of every registered breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		snap := Snapshot{
			State:        e.state,
			FailureCount: e.failureCount,
			TripCount:    e.tripCount,
		}
		if e.lastError != nil {
			le := *e.lastError
			snap.LastError = &le
		}
		e.mu.Unlock()
		out[name] = snap
	}
	return out
}

// Rejecting reports whether an Acquire for the provider would be
// refused outright: the circuit is Open and the cooldown has not yet
// elapsed. Open circuits past cooldown are probe-eligible and report
// false. Used to skip dead candidates before dispatch.
func (r *Registry) Rejecting(provider string) bool {
	r.mu.RLock()
	e := r.entries[provider]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Open && r.nowFunc().Sub(e.openedAt) < r.cooldown
}

// CurrentState returns the provider's state without the lazy Open to
// Half-Open transition; unregistered providers read as Closed.
func (r *Registry) CurrentState(provider string) State {
	r.mu.RLock()
	e := r.entries[provider]
	r.mu.RUnlock()
	if e == nil {
		return Closed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
