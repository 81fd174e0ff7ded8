package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualFiresInOrder(t *testing.T) {
	m := NewManual()
	var order []int
	m.AfterFunc(2*time.Second, func() { order = append(order, 1) })
	m.AfterFunc(time.Second, func() { order = append(order, 2) })

	if n := m.FireAll(); n != 2 {
		t.Fatalf("FireAll fired %d timers", n)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order: %v", order)
	}
	if d := m.Delays(); len(d) != 2 || d[0] != 2*time.Second || d[1] != time.Second {
		t.Fatalf("unexpected delays: %v", d)
	}
}

func TestManualStop(t *testing.T) {
	m := NewManual()
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("first Stop should report true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	if m.Fire() || fired {
		t.Fatal("stopped timer fired")
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d", m.Pending())
	}
}

func TestManualChained(t *testing.T) {
	m := NewManual()
	var count int
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			m.AfterFunc(time.Millisecond, schedule)
		}
	}
	m.AfterFunc(time.Millisecond, schedule)

	if n := m.FireAll(); n != 3 {
		t.Fatalf("FireAll fired %d timers", n)
	}
}

func TestRealScheduler(t *testing.T) {
	var fired atomic.Bool
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	if !fired.Load() {
		t.Fatal("callback not run")
	}
}
