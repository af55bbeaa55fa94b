package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type State int

const (
	Idle State = iota
	Scheduled
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Scheduled, Running, Suspended} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", b)
}

// PollingState is the input of the delay rule. It lives for the process and
// is reset by a manual full refresh and by Resume.
type PollingState struct {
	Interval            time.Duration
	CycleToken          uint64
	ConsecutiveFailures int
	// FreeHeap is the latest heap sample reported by the device, nil until
	// one was seen.
	FreeHeap *int
}

func (p PollingState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		IntervalMs          int64  `json:"intervalMs"`
		CycleToken          uint64 `json:"cycleToken"`
		ConsecutiveFailures int    `json:"consecutiveFailures"`
		FreeHeap            *int   `json:"freeHeap"`
	}{p.Interval.Milliseconds(), p.CycleToken, p.ConsecutiveFailures, p.FreeHeap})
}

// LowHeap reports whether the latest heap sample is below threshold.
func (p PollingState) LowHeap(threshold int) bool {
	return p.FreeHeap != nil && *p.FreeHeap < threshold
}

// NextDelay returns the wait before the next cycle. The base interval is
// doubled while the heap is low. After failures the delay grows to
// Interval·2^failures, capped at maxBackoff, unless the heap rule already
// asks for more.
func (p PollingState) NextDelay(lowHeapThreshold int, maxBackoff time.Duration) time.Duration {
	d := p.Interval
	if p.LowHeap(lowHeapThreshold) {
		d *= 2
	}
	if p.ConsecutiveFailures > 0 {
		d = max(d, failureDelay(p.Interval, p.ConsecutiveFailures, maxBackoff))
	}
	return d
}

func failureDelay(base time.Duration, failures int, maxBackoff time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max(maxBackoff, base)
	b.MaxElapsedTime = 0
	b.Reset()

	// The first NextBackOff is the base itself; the cap is reached long
	// before 32 doublings.
	var d time.Duration
	for range min(failures, 32) + 1 {
		d = b.NextBackOff()
	}
	return d
}
