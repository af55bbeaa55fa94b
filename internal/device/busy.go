package device

import "sync"

// Busy counts in-flight device calls. Observers hear only the idle/busy
// transitions, never the individual increments.
type Busy struct {
	mu        sync.Mutex
	inFlight  int
	observers []func(busy bool)
}

// Observe registers fn for busy transitions. fn is called with the counter
// locked, so it must not block or call back into b.
func (b *Busy) Observe(fn func(busy bool)) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

func (b *Busy) Acquire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight++
	if b.inFlight == 1 {
		b.notifyLocked(true)
	}
}

func (b *Busy) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight == 0 {
		return
	}
	b.inFlight--
	if b.inFlight == 0 {
		b.notifyLocked(false)
	}
}

func (b *Busy) notifyLocked(busy bool) {
	for _, fn := range b.observers {
		fn(busy)
	}
}

func (b *Busy) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

func (b *Busy) IsBusy() bool { return b.InFlight() > 0 }
