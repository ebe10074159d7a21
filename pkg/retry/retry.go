// Package retry implements the Retry Policy (spec §4.2): a pure function
// producing the next reconnect delay from an attempt counter, with optional
// jitter. Grounded on the timing arithmetic in the teacher's
// failover.Manager (hold/backoff/probe interval math), generalized into a
// standalone, side-effect-free policy object.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy computes exponential backoff delays with an optional jitter term.
// delay(n) = min(baseDelay * factor^n, maxDelay); if Jitter, a uniform
// random term in [0, min(delay, maxJitter)] is added.
//
// Next/Reset/Attempts are called from different goroutines in practice
// (the Connection Engine's reconnect timer and its read-pump both touch the
// same Policy), so the attempt counter and rng are mutex-guarded rather
// than assumed single-goroutine.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    bool
	MaxJitter time.Duration

	mu  sync.Mutex
	n   int
	rng *rand.Rand
}

// New constructs a Policy. factor must be >= 1 for delays to be
// non-decreasing; this is an invariant of the caller's configuration, not
// validated here (Connection Engine configuration validation lives in
// pkg/config).
func New(baseDelay, maxDelay time.Duration, factor float64, jitter bool, maxJitter time.Duration) *Policy {
	return &Policy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		Jitter:    jitter,
		MaxJitter: maxJitter,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the expected (jitter-free) delay for attempt n, capped at
// MaxDelay. n is 0-indexed: Delay(0) is the first reconnect wait.
func (p *Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Factor, float64(n))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// jitterFor returns the jitter-augmented delay for a given base delay.
func (p *Policy) jitterFor(base time.Duration) time.Duration {
	if !p.Jitter {
		return base
	}
	bound := base
	if p.MaxJitter < bound {
		bound = p.MaxJitter
	}
	if bound <= 0 {
		return base
	}
	return base + time.Duration(p.rng.Int63n(int64(bound)+1))
}

// Next returns the delay for the current attempt counter and increments it.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.jitterFor(p.Delay(p.n))
	p.n++
	return d
}

// Reset returns the attempt counter to 0.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n = 0
}

// Attempts returns the current attempt counter.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}
