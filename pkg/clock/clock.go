package clock

import (
	"sort"
	"sync"
	"time"
)

type (
	// Clock is the single source of time for every table and engine in
	// the simulation. Production code wires Real; tests wire a Manual
	// clock and advance it deterministically.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer is a scheduled callback. Stop() reports whether the call
	// was prevented from firing. Reset() reschedules relative to the
	// clock's current time.
	Timer interface {
		Stop() bool
		Reset(d time.Duration) bool
	}

	realClock struct{}

	realTimer struct {
		t *time.Timer
	}

	// Manual is a Clock whose time only moves when Advance() is called.
	// Callbacks scheduled with AfterFunc fire synchronously inside
	// Advance(), in deadline order.
	Manual struct {
		mu     sync.Mutex
		now    time.Time
		timers []*manualTimer
	}

	manualTimer struct {
		clock    *Manual
		deadline time.Time
		f        func()
		stopped  bool
	}
)

// Real is the Clock backed by the time package.
var Real Clock = realClock{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

func (r *realTimer) Stop() bool {
	return r.t.Stop()
}

func (r *realTimer) Reset(d time.Duration) bool {
	return r.t.Reset(d)
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		clock:    m,
		deadline: m.now.Add(d),
		f:        f,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every pending callback
// whose deadline is reached, in deadline order. Callbacks run with the
// clock set to their own deadline, so a callback that re-arms its timer
// (e.g. a periodic update) keeps a stable period.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.f()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	for i, t := range m.timers {
		if t.stopped {
			continue
		}
		if t.deadline.After(target) {
			break
		}
		m.timers = append(m.timers[:i], m.timers[i+1:]...)
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		return t
	}
	return nil
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	found := false
	for _, u := range t.clock.timers {
		if u == t {
			found = true
			break
		}
	}
	if !found {
		t.clock.timers = append(t.clock.timers, t)
	}
	return active
}
