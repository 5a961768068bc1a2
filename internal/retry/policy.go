// Package retry defines the named backoff policies used when a job launch
// fails with a retryable error.
package retry

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"launchq/internal/classify"
	"launchq/internal/job"
)

// Policy is a named retry tuple: how many attempts a job gets and how the
// delay between them grows.
type Policy struct {
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	// Jitter is a +/- fraction applied to computed delays (0.2 = 20%).
	Jitter float64
}

// Built-in policy names. Jobs select one via their retry_strategy field;
// unset strategies fall back to a priority-based default (see Registry.ForJob).
const (
	PolicyAggressive = "aggressive"
	PolicyStandard   = "standard"
	PolicyRelaxed    = "relaxed"
	PolicyBatch      = "batch"
)

// ShouldRetry reports whether another attempt is warranted. Permanent
// failures are never retried; everything else is retried while attempts
// remain.
func (p Policy) ShouldRetry(attempts int, class classify.Class) bool {
	if class == classify.Permanent {
		return false
	}
	return attempts < p.MaxAttempts
}

// DelayFor computes the backoff before the given attempt number (1-based).
// The first attempt runs immediately; attempt n waits
// min(base * factor^(n-2), max).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt-2; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelayFor is DelayFor with the policy's jitter applied. A nil rng
// disables jitter (useful in tests).
func (p Policy) JitteredDelayFor(attempt int, rng *rand.Rand) time.Duration {
	d := p.DelayFor(attempt)
	if d <= 0 || p.Jitter <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * p.Jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Registry holds the named policies available to jobs.
type Registry struct {
	policies map[string]Policy
	def      string
}

// NewRegistry returns a registry preloaded with the built-in policies:
//
//   - aggressive: fast, high-attempt; urgent work that must land.
//   - standard:   general-purpose middle ground (the default).
//   - relaxed:    slower ramp for flaky-but-recoverable backends.
//   - batch:      few attempts, long waits; low-priority bulk work.
func NewRegistry() *Registry {
	r := &Registry{policies: map[string]Policy{}, def: PolicyStandard}
	for _, p := range []Policy{
		{Name: PolicyAggressive, MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Factor: 2, Jitter: 0.2},
		{Name: PolicyStandard, MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute, Factor: 2, Jitter: 0.2},
		{Name: PolicyRelaxed, MaxAttempts: 4, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, Factor: 3, Jitter: 0.2},
		{Name: PolicyBatch, MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: 30 * time.Minute, Factor: 4, Jitter: 0.2},
	} {
		r.policies[p.Name] = p
	}
	return r
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) error {
	name := strings.TrimSpace(strings.ToLower(p.Name))
	if name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %q: max attempts must be >= 1", name)
	}
	if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("policy %q: invalid delay bounds", name)
	}
	if p.Factor < 1 {
		return fmt.Errorf("policy %q: factor must be >= 1", name)
	}
	p.Name = name
	r.policies[name] = p
	return nil
}

// Get looks up a policy by name.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[strings.TrimSpace(strings.ToLower(name))]
	return p, ok
}

// ForJob resolves the effective policy for a job.
//
// An explicitly set retry_strategy is authoritative. Otherwise the priority
// band picks the default: >= 80 escalates to aggressive, <= 20 de-escalates
// to batch, and the mid-range uses the standard policy.
func (r *Registry) ForJob(j *job.Job) Policy {
	if j != nil && j.RetryStrategy != "" {
		if p, ok := r.Get(j.RetryStrategy); ok {
			return p
		}
	}
	name := r.def
	if j != nil {
		switch {
		case j.Priority >= 80:
			name = PolicyAggressive
		case j.Priority <= 20:
			name = PolicyBatch
		}
	}
	p, ok := r.Get(name)
	if !ok {
		p = r.policies[PolicyStandard]
	}
	return p
}
