package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Time only moves through Advance, which fires every
// timer whose deadline has been reached.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	changed chan struct{}
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	duration time.Duration
	c        chan time.Time
	fired    bool
	stopped  bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start, changed: make(chan struct{})}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), duration: d, c: make(chan time.Time, 1)}
	if d <= 0 {
		t.fired = true
		t.c <- f.now
	} else {
		f.timers = append(f.timers, t)
	}
	f.notifyLocked()
	return t
}

// Advance moves time forward by d and fires due timers in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	sort.SliceStable(f.timers, func(i, j int) bool { return f.timers[i].deadline.Before(f.timers[j].deadline) })
	var keep []*fakeTimer
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		if t.deadline.After(f.now) {
			keep = append(keep, t)
			continue
		}
		t.fired = true
		t.c <- f.now
	}
	f.timers = keep
	f.notifyLocked()
}

// Pending returns the durations of the armed timers in creation order.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Duration
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.duration)
		}
	}
	return out
}

// WaitForTimers blocks until at least n timers are armed or timeout passes,
// reporting whether the condition was met. timeout is measured in real time.
func (f *Fake) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		f.mu.Lock()
		armed := 0
		for _, t := range f.timers {
			if !t.stopped && !t.fired {
				armed++
			}
		}
		changed := f.changed
		f.mu.Unlock()
		if armed >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (f *Fake) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.clock.notifyLocked()
	return true
}
