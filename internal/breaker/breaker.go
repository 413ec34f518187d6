package breaker

import (
	"sort"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/logger"
)

// State identifies one vendor's breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Health is a point-in-time snapshot of one vendor's breaker state.
type Health struct {
	Vendor      string    `json:"vendor"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

type vendorState struct {
	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeStarted  time.Time
	probeInFlight bool
}

// Breaker gates vendor dispatch with one independent state machine per
// vendor name. Callers ask IsAvailable before every dispatch and report the
// outcome through RecordSuccess or RecordFailure; the breaker holds no
// retry or backoff policy of its own.
type Breaker struct {
	mu      sync.RWMutex
	vendors map[string]*vendorState

	threshold int
	window    time.Duration
	cooldown  time.Duration

	// now is replaceable in tests.
	now func() time.Time

	log *logger.Log
}

func New(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		vendors:   make(map[string]*vendorState),
		threshold: cfg.FailureThreshold,
		window:    cfg.FailureWindow(),
		cooldown:  cfg.Cooldown(),
		now:       time.Now,
		log:       logger.GetLogger(),
	}

	b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
		"failure_threshold": cfg.FailureThreshold,
		"failure_window_s":  cfg.FailureWindowSeconds,
		"cooldown_s":        cfg.CooldownSeconds,
	}).Info("circuit breaker initialized")

	return b
}

func (b *Breaker) vendor(name string) *vendorState {
	b.mu.RLock()
	vs, ok := b.vendors[name]
	b.mu.RUnlock()
	if ok {
		return vs
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if vs, ok = b.vendors[name]; ok {
		return vs
	}
	vs = &vendorState{state: StateClosed}
	b.vendors[name] = vs
	return vs
}

// IsAvailable reports whether a call to the vendor may be dispatched now.
// After the cooldown of an open breaker elapses it admits exactly one
// caller as the half-open probe; everyone else keeps getting false until
// that probe is resolved through RecordSuccess or RecordFailure.
func (b *Breaker) IsAvailable(name string) bool {
	vs := b.vendor(name)
	now := b.now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	switch vs.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(vs.openedAt) < b.cooldown {
			return false
		}
		vs.state = StateHalfOpen
		vs.probeInFlight = true
		vs.probeStarted = now
		b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
			"vendor": name,
		}).Info("cooldown elapsed, admitting half-open probe")
		return true
	case StateHalfOpen:
		// A probe that never resolved must not wedge the vendor forever.
		if vs.probeInFlight && now.Sub(vs.probeStarted) >= b.cooldown {
			vs.probeStarted = now
			return true
		}
		return false
	}
	return false
}

// RecordSuccess resolves a successful call. A half-open probe success
// closes the breaker and resets the failure window.
func (b *Breaker) RecordSuccess(name string) {
	vs := b.vendor(name)

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.state == StateHalfOpen {
		vs.state = StateClosed
		vs.failures = nil
		vs.probeInFlight = false
		vs.openedAt = time.Time{}
		b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
			"vendor": name,
		}).Info("half-open probe succeeded, circuit closed")
	}
}

// RecordFailure resolves a failed call. Crossing the failure threshold
// inside the rolling window opens the circuit; a half-open probe failure
// re-opens it and restarts the cooldown.
func (b *Breaker) RecordFailure(name string) {
	vs := b.vendor(name)
	now := b.now()

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.failures = append(vs.failures, now)
	vs.pruneLocked(now, b.window)

	switch vs.state {
	case StateClosed:
		if len(vs.failures) >= b.threshold {
			vs.state = StateOpen
			vs.openedAt = now
			b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
				"vendor":   name,
				"failures": len(vs.failures),
			}).Warn("failure threshold crossed, circuit opened")
		}
	case StateHalfOpen:
		vs.state = StateOpen
		vs.openedAt = now
		vs.probeInFlight = false
		b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
			"vendor": name,
		}).Warn("half-open probe failed, circuit re-opened")
	}
}

// State returns the current state for a vendor, closed for vendors that
// never failed.
func (b *Breaker) State(name string) State {
	vs := b.vendor(name)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.state
}

// Health snapshots every tracked vendor, sorted by vendor name.
func (b *Breaker) Health() []Health {
	b.mu.RLock()
	names := make([]string, 0, len(b.vendors))
	for name := range b.vendors {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	now := b.now()
	out := make([]Health, 0, len(names))
	for _, name := range names {
		vs := b.vendor(name)
		vs.mu.Lock()
		vs.pruneLocked(now, b.window)
		h := Health{
			Vendor:   name,
			State:    vs.state,
			Failures: len(vs.failures),
			OpenedAt: vs.openedAt,
		}
		if n := len(vs.failures); n > 0 {
			h.LastFailure = vs.failures[n-1]
		}
		vs.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// Reset forces a vendor's breaker back to closed. An empty name resets
// every vendor. Intended for operator use through the dashboard.
func (b *Breaker) Reset(name string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for vendor, vs := range b.vendors {
		if name != "" && vendor != name {
			continue
		}
		vs.mu.Lock()
		vs.state = StateClosed
		vs.failures = nil
		vs.probeInFlight = false
		vs.openedAt = time.Time{}
		vs.mu.Unlock()
		b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
			"vendor": vendor,
		}).Info("circuit reset")
	}
}

// pruneLocked drops failures older than the rolling window. Callers hold
// the vendor mutex.
func (vs *vendorState) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(vs.failures); i++ {
		if vs.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		vs.failures = append(vs.failures[:0], vs.failures[i:]...)
	}
}
