package reconnect

import (
	"sync"
	"time"
)

// Defaults for the shared reconnect contract. Producers and consumers use
// the same sequence so operator expectations hold on both sides of the wire.
const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Policy computes exponential backoff delays for a reconnecting client.
// delay = min(base * 2^attempt, max), capped at MaxAttempts attempts.
type Policy struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	mu      sync.Mutex
	attempt int
}

// NewPolicy creates a policy with explicit parameters. Non-positive values
// fall back to the defaults.
func NewPolicy(base, max time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
	}
}

// Default returns a policy with the standard 1s/30s/5 parameters.
func Default() *Policy {
	return NewPolicy(DefaultBaseDelay, DefaultMaxDelay, DefaultMaxAttempts)
}

// NextDelay returns the delay to wait before the next attempt and consumes
// one attempt. Callers should check CanRetry first.
func (p *Policy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.base << uint(p.attempt)
	if delay > p.max || delay <= 0 {
		delay = p.max
	}
	p.attempt++
	return delay
}

// CanRetry reports whether attempts remain.
func (p *Policy) CanRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt < p.maxAttempts
}

// Attempt returns the number of attempts consumed so far.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Reset restarts the sequence after a successful connect.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
}
