// Package timer wraps time.AfterFunc in the arm/cancel/idempotent-
// replacement abstraction spec §9 calls for, so every component that owns
// a timer (ping, reconnect, typingTimeout, cacheTimeout, contactTimeout,
// message delay) can implement destroy() trivially: cancel whatever is
// armed, regardless of whether anything is.
package timer

import (
	"sync"
	"time"
)

// Timer is a single-shot callback that can be armed, rearmed (replacing
// whatever was previously scheduled), and cancelled idempotently.
type Timer struct {
	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// New returns an inert Timer. Call Arm to schedule work.
func New() *Timer {
	return &Timer{}
}

// Arm schedules fn to run after d, cancelling any previously armed timer
// first (spec §9: "idempotent replacement semantics").
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
		fn()
	})
	t.active = true
}

// Cancel stops the armed timer, if any. Safe to call multiple times or on
// a Timer that was never armed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

func (t *Timer) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
}

// Active reports whether a timer is currently armed.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Group owns a named set of Timers and can cancel all of them at once —
// the primitive destroy() needs to make timer teardown trivially correct.
type Group struct {
	mu     sync.Mutex
	timers map[string]*Timer
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{timers: make(map[string]*Timer)}
}

// Arm schedules fn under name, creating the named Timer on first use and
// replacing any previous schedule under that name.
func (g *Group) Arm(name string, d time.Duration, fn func()) {
	g.mu.Lock()
	t, ok := g.timers[name]
	if !ok {
		t = New()
		g.timers[name] = t
	}
	g.mu.Unlock()
	t.Arm(d, fn)
}

// Cancel stops the named timer, if armed.
func (g *Group) Cancel(name string) {
	g.mu.Lock()
	t, ok := g.timers[name]
	g.mu.Unlock()
	if ok {
		t.Cancel()
	}
}

// CancelAll stops every timer owned by the group. Idempotent.
func (g *Group) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.timers {
		t.Cancel()
	}
}
