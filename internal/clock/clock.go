// Package clock abstracts the parts of package time the scheduler and the
// engine depend on so tests can drive time explicitly.
package clock

import "time"

type (
	Clock interface {
		Now() time.Time
		After(d time.Duration) <-chan time.Time
		NewTimer(d time.Duration) Timer
	}

	// Timer abstracts time.Timer.
	Timer interface {
		C() <-chan time.Time
		Stop() bool
	}

	realClock struct{}

	realTimer struct {
		*time.Timer
	}
)

// Real is the wall clock.
var Real Clock = realClock{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTimer(d time.Duration) Timer         { return realTimer{time.NewTimer(d)} }

func (t realTimer) C() <-chan time.Time { return t.Timer.C }
