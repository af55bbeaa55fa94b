package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	CycleStarted   EventType = "cycleStarted"
	CycleSucceeded EventType = "cycleSucceeded"
	CycleFailed    EventType = "cycleFailed"
	HeapLow        EventType = "heapLow"
	HistoryCleared EventType = "historyCleared"
	Suspended      EventType = "suspended"
	Resumed        EventType = "resumed"
	BusyChanged    EventType = "busyChanged"
)

type Event struct {
	ID    uint64    `json:"id"`
	Type  EventType `json:"type"`
	Time  time.Time `json:"time"`
	Token uint64    `json:"token,omitempty"`
	// Reason explains a cycleFailed event.
	Reason string `json:"reason,omitempty"`
	// Notify is set on at most one failure per cooldown window; consumers
	// show a notification only for those.
	Notify bool  `json:"notify,omitempty"`
	Busy   *bool `json:"busy,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu      sync.RWMutex
	nextSub int
	subs    map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish assigns the next event ID and delivers ev.
func (b *Bus) Publish(ev Event) Event {
	ev.ID = b.nextID.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return ev
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
