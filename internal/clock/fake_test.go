package clock

import (
	"testing"
	"time"
)

func TestFake_advanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	short := f.NewTimer(10 * time.Second)
	long := f.NewTimer(time.Minute)

	f.Advance(15 * time.Second)
	select {
	case got := <-short.C():
		if !got.Equal(start.Add(15 * time.Second)) {
			t.Errorf("fired at %v; want %v", got, start.Add(15*time.Second))
		}
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long.C():
		t.Fatal("long timer fired early")
	default:
	}

	if got := f.Pending(); len(got) != 1 || got[0] != time.Minute {
		t.Errorf("Pending = %v; want [1m0s]", got)
	}
}

func TestFake_stop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tm := f.NewTimer(time.Second)
	if !tm.Stop() {
		t.Fatal("Stop on armed timer = false; want true")
	}
	if tm.Stop() {
		t.Error("second Stop = true; want false")
	}
	f.Advance(time.Hour)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFake_waitForTimers(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.NewTimer(time.Second)
	}()
	if !f.WaitForTimers(1, time.Second) {
		t.Fatal("WaitForTimers(1) = false; want true")
	}
	if f.WaitForTimers(2, 20*time.Millisecond) {
		t.Error("WaitForTimers(2) = true; want false")
	}
}

func TestFake_nonPositiveDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(100, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) did not fire")
	}
}
