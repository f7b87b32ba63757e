package security

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type PolicyClass string

const (
	PolicyGeneral PolicyClass = "general"
	PolicyVerify  PolicyClass = "verify"
)

// Policy is a fixed-window allowance. A zero BlockDuration means exceeding
// the window only denies until the window resets.
type Policy struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
	Blocked    bool
}

// Limiter is satisfied by the in-process RateLimiter and the Redis-backed one.
type Limiter interface {
	Check(ctx context.Context, identity string, class PolicyClass) (Decision, error)
}

type RateLimitConfig struct {
	Policies      map[PolicyClass]Policy
	SweepInterval time.Duration
	Now           func() time.Time
}

func DefaultPolicies() map[PolicyClass]Policy {
	return map[PolicyClass]Policy{
		PolicyGeneral: {MaxRequests: 10, Window: time.Minute, BlockDuration: 30 * time.Minute},
		PolicyVerify:  {MaxRequests: 5, Window: time.Hour},
	}
}

type window struct {
	count   int
	resetAt time.Time
}

type identityState struct {
	windows      map[PolicyClass]*window
	blockedUntil time.Time
}

type RateLimiter struct {
	policies map[PolicyClass]Policy
	now      func() time.Time
	sweep    time.Duration
	clients  map[string]*identityState
	mu       sync.Mutex
	cleanup  *time.Timer
	closed   bool
}

func CreateRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &RateLimiter{
		policies: cfg.Policies,
		now:      cfg.Now,
		sweep:    cfg.SweepInterval,
		clients:  make(map[string]*identityState),
	}
	if rl.sweep > 0 {
		rl.startCleanup()
	}
	return rl
}

func (rl *RateLimiter) Check(_ context.Context, identity string, class PolicyClass) (Decision, error) {
	policy, ok := rl.policies[class]
	if !ok {
		policy, ok = rl.policies[PolicyGeneral]
		if !ok {
			return Decision{}, fmt.Errorf("no rate limit policy for class %q", class)
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	state, exists := rl.clients[identity]
	if !exists {
		state = &identityState{windows: make(map[PolicyClass]*window)}
		rl.clients[identity] = state
	}

	if state.blockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			RetryAfter: state.blockedUntil.Sub(now),
			Reason:     "too many requests, temporarily blocked",
			Blocked:    true,
		}, nil
	}

	w, exists := state.windows[class]
	if !exists || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(policy.Window)}
		state.windows[class] = w
	}

	// the denied attempt is counted too
	w.count++
	if w.count <= policy.MaxRequests {
		return Decision{Allowed: true}, nil
	}

	if policy.BlockDuration > 0 {
		state.blockedUntil = now.Add(policy.BlockDuration)
		return Decision{
			Allowed:    false,
			RetryAfter: policy.BlockDuration,
			Reason:     fmt.Sprintf("too many requests, blocked for %d minutes", int(policy.BlockDuration.Minutes())),
			Blocked:    true,
		}, nil
	}

	return Decision{
		Allowed:    false,
		RetryAfter: w.resetAt.Sub(now),
		Reason:     "too many attempts",
	}, nil
}

// Sweep drops identities whose windows and blocks have all lapsed and
// returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, state := range rl.clients {
		if state.blockedUntil.After(now) {
			continue
		}
		live := false
		for _, w := range state.windows {
			if now.Before(w.resetAt) {
				live = true
				break
			}
		}
		if !live {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) startCleanup() {
	rl.cleanup = time.AfterFunc(rl.sweep, func() {
		rl.Sweep()

		rl.mu.Lock()
		closed := rl.closed
		rl.mu.Unlock()
		if !closed {
			rl.startCleanup()
		}
	})
}

func (rl *RateLimiter) Close() {
	rl.mu.Lock()
	rl.closed = true
	rl.mu.Unlock()

	if rl.cleanup != nil {
		rl.cleanup.Stop()
	}
}
