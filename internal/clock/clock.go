// Package clock abstracts timer scheduling so completion tracking, restart
// backoff and schedule firing can be tested without waiting on wall time.
package clock

import (
	"sync"
	"time"
)

// Clock schedules work against a time source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After returns a channel that receives the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed. The
	// returned Timer cancels or re-arms the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single scheduled call.
type Timer interface {
	// Stop cancels the timer; it reports whether the call was still pending.
	Stop() bool
	// Reset re-arms the timer for d from now; it reports whether the timer
	// was still pending.
	Reset(d time.Duration) bool
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// Mock is a Clock whose time only moves when a test calls Advance or Set.
// Timers whose deadlines are crossed fire synchronously inside Advance, in
// deadline order, which makes exactly-once assertions deterministic.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

// NewMock creates a Mock positioned at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, deadline: m.current.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the mock time forward by d, firing expired timers.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	target := m.current
	m.mu.Unlock()
	m.fireDue(target)
}

// Set jumps the mock time to t, firing timers when moving forward.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	forward := t.After(m.current)
	m.current = t
	m.mu.Unlock()
	if forward {
		m.fireDue(t)
	}
}

func (m *Mock) fireDue(target time.Time) {
	for {
		m.mu.Lock()
		var due *mockTimer
		idx := -1
		for i, t := range m.timers {
			if t.fired || t.stopped || t.deadline.After(target) {
				continue
			}
			if due == nil || t.deadline.Before(due.deadline) {
				due, idx = t, i
			}
		}
		if due == nil {
			m.mu.Unlock()
			return
		}
		due.fired = true
		m.timers = append(m.timers[:idx], m.timers[idx+1:]...)
		m.mu.Unlock()

		// Fired outside the lock so callbacks may schedule new timers.
		due.f()
	}
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.deadline = t.clock.current.Add(d)
	if t.stopped || t.fired {
		t.stopped = false
		t.fired = false
		t.clock.timers = append(t.clock.timers, t)
	}
	return active
}
