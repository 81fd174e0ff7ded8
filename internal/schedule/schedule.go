// Package schedule abstracts deferred callbacks so reconnect and settle
// timers can be driven by hand in tests.
package schedule

import (
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Scheduler runs f once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

// Real returns a Scheduler backed by time.AfterFunc.
func Real() Scheduler { return realScheduler{} }

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Scheduler whose timers only fire when Fire or FireAll is
// called. It is safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	pending []*manualTimer
	delays  []time.Duration
}

type manualTimer struct {
	owner   *Manual
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func NewManual() *Manual { return &Manual{} }

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{owner: m, delay: d, f: f}
	m.pending = append(m.pending, t)
	m.delays = append(m.delays, d)
	return t
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Delays returns the delay of every timer ever scheduled, in order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}

// Pending reports how many timers are neither stopped nor fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Fire runs the oldest live timer on the calling goroutine. It reports
// false when nothing is pending.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	var next *manualTimer
	for _, t := range m.pending {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		m.mu.Unlock()
		return false
	}
	next.fired = true
	m.mu.Unlock()

	next.f()
	return true
}

// FireAll fires timers until none are pending, including ones scheduled by
// the callbacks themselves.
func (m *Manual) FireAll() int {
	n := 0
	for m.Fire() {
		n++
	}
	return n
}
