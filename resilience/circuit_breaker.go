package resilience

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// BreakerMode selects what happens once the recovery window has passed.
type BreakerMode int

const (
	// ModeProbe lets a single trial request through and reopens on its failure.
	ModeProbe BreakerMode = iota
	// ModeReset closes the breaker with a zeroed counter, so it takes a full
	// threshold of new failures to reopen.
	ModeReset
)

func ParseBreakerMode(raw string) (BreakerMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "probe":
		return ModeProbe, nil
	case "reset":
		return ModeReset, nil
	default:
		return ModeProbe, fmt.Errorf("unknown breaker mode %q", raw)
	}
}

func (m BreakerMode) String() string {
	if m == ModeReset {
		return "reset"
	}
	return "probe"
}

type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	Mode          BreakerMode
	Now           func() time.Time
	OnStateChange func(name string, from, to CircuitState)
}

type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	mode          BreakerMode
	now           func() time.Time
	state         CircuitState
	failures      int
	lastFailure   time.Time
	probing       bool
	probeStarted  time.Time
	mu            sync.Mutex
	onStateChange func(name string, from, to CircuitState)

	// transitions are queued under mu and drained in order under notifyMu
	pending  []transition
	notifyMu sync.Mutex
}

type transition struct {
	from, to CircuitState
}

type BreakerSnapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Open        bool       `json:"open"`
	Failures    int        `json:"failures"`
	Threshold   int        `json:"threshold"`
	TimeoutSecs float64    `json:"timeout_seconds"`
	Mode        string     `json:"mode"`
	LastFailure *time.Time `json:"last_failure_time,omitempty"`
	Remaining   float64    `json:"remaining_seconds"`
}

func CreateCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		mode:          cfg.Mode,
		now:           cfg.Now,
		state:         CircuitClosed,
		onStateChange: cfg.OnStateChange,
	}
}

func (cb *CircuitBreaker) AllowRequest() bool {
	ok, _ := cb.Allow()
	return ok
}

// Allow reports whether a call may go out and, when it may not, how long
// until the breaker will consider another attempt.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		return true, 0
	case CircuitOpen:
		elapsed := now.Sub(cb.lastFailure)
		if elapsed <= cb.timeout {
			return false, cb.timeout - elapsed
		}
		if cb.mode == ModeReset {
			cb.failures = 0
			cb.transitionTo(CircuitClosed)
			return true, 0
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.probing = true
		cb.probeStarted = now
		return true, 0
	case CircuitHalfOpen:
		// a probe that never reported back frees its slot after one window
		if cb.probing && now.Sub(cb.probeStarted) <= cb.timeout {
			return false, cb.timeout - now.Sub(cb.probeStarted)
		}
		cb.probing = true
		cb.probeStarted = now
		return true, 0
	}
	return false, cb.timeout
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.maxFailures {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.probing = false
		if cb.failures < cb.maxFailures {
			cb.failures = cb.maxFailures
		}
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.probing = false
	cb.transitionTo(CircuitClosed)
}

// ReleaseProbe frees the half-open slot when an attempt ended without a
// verdict on upstream health, such as a local proxy failure.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil {
		cb.pending = append(cb.pending, transition{from: oldState, to: newState})
	}
}

// unlockAndNotify releases mu and then runs the state-change hook for every
// queued transition. Draining under notifyMu keeps deliveries in the order
// the transitions happened, even across goroutines.
func (cb *CircuitBreaker) unlockAndNotify() {
	queued := len(cb.pending) > 0
	cb.mu.Unlock()
	if !queued {
		return
	}

	cb.notifyMu.Lock()
	defer cb.notifyMu.Unlock()

	cb.mu.Lock()
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	for _, t := range pending {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Open:        cb.state == CircuitOpen,
		Failures:    cb.failures,
		Threshold:   cb.maxFailures,
		TimeoutSecs: cb.timeout.Seconds(),
		Mode:        cb.mode.String(),
	}
	if !cb.lastFailure.IsZero() {
		lf := cb.lastFailure
		snap.LastFailure = &lf
	}
	if cb.state == CircuitOpen {
		if rem := cb.timeout - cb.now().Sub(cb.lastFailure); rem > 0 {
			snap.Remaining = rem.Seconds()
		}
	}
	return snap
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlockAndNotify()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.probing = false
	cb.transitionTo(CircuitClosed)
}

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
