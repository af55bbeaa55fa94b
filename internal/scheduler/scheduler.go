// Package scheduler drives the polling cadence: one cycle per run, an
// adaptive delay between runs, pause while the consumer is inactive and a
// suspended state left only through Resume.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"greennanny-dashboard/internal/clock"
)

var (
	ErrSuspended = errors.New("scheduler: suspended")
	ErrStopped   = errors.New("scheduler: not running")
)

// Outcome is what a cycle reports back for the next delay computation.
type Outcome struct {
	// FreeHeap is nil when the cycle got no heap sample; the previous one
	// is kept.
	FreeHeap *int
	// Failed marks a cycle that counts towards backpressure.
	Failed bool
}

// CycleFunc runs one polling cycle. token identifies the run; results
// should only be committed while IsCurrent(token) holds.
type CycleFunc func(ctx context.Context, token uint64) Outcome

type Options struct {
	Interval         time.Duration
	LowHeapThreshold int
	MaxBackoff       time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger

	// OnState and OnSchedule run on the scheduler goroutine and must not
	// call back into the Scheduler.
	OnState    func(State)
	OnSchedule func(delay time.Duration)
}

type Scheduler struct {
	cycle CycleFunc
	opts  Options

	issued atomic.Uint64

	mu    sync.Mutex
	state State
	ps    PollingState

	// Owned by the Run goroutine.
	active    bool
	suspended bool
	timer     clock.Timer
	cancels   map[uint64]context.CancelFunc

	reqs    chan request
	results chan result
	started atomic.Bool
	stopped chan struct{}
}

type requestKind int

const (
	reqTrigger requestKind = iota
	reqRefresh
	reqSetActive
	reqSuspend
	reqResume
)

type request struct {
	kind   requestKind
	active bool
	reply  chan error
}

type result struct {
	token uint64
	out   Outcome
}

func New(cycle CycleFunc, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		cycle:   cycle,
		opts:    opts,
		ps:      PollingState{Interval: opts.Interval},
		active:  true,
		cancels: map[uint64]context.CancelFunc{},
		reqs:    make(chan request),
		results: make(chan result),
		stopped: make(chan struct{}),
	}
}

// Run starts the first cycle immediately and then drives the schedule until
// ctx is done. It can only be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already started")
	}
	defer close(s.stopped)
	defer s.cancelCycles()

	s.start(ctx)
	for {
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.C()
		}
		select {
		case <-ctx.Done():
			s.stopTimer()
			return nil
		case <-fire:
			s.timer = nil
			s.start(ctx)
		case req := <-s.reqs:
			req.reply <- s.handle(ctx, req)
		case res := <-s.results:
			s.finish(res)
		}
	}
}

// Trigger runs a cycle now, skipping any pending wait.
func (s *Scheduler) Trigger() error { return s.do(request{kind: reqTrigger}) }

// Refresh resets PollingState and runs a cycle now.
func (s *Scheduler) Refresh() error { return s.do(request{kind: reqRefresh}) }

// SetActive pauses polling when the consumer goes inactive and runs a cycle
// immediately when it comes back.
func (s *Scheduler) SetActive(active bool) error {
	return s.do(request{kind: reqSetActive, active: active})
}

// Suspend stops all scheduling and invalidates in-flight cycles.
func (s *Scheduler) Suspend() error { return s.do(request{kind: reqSuspend}) }

// Resume leaves Suspended, resets PollingState and runs a cycle now.
func (s *Scheduler) Resume() error { return s.do(request{kind: reqResume}) }

// IsCurrent reports whether token belongs to the most recently issued cycle.
func (s *Scheduler) IsCurrent(token uint64) bool {
	return token != 0 && token == s.issued.Load()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Polling() PollingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ps
}

func (s *Scheduler) do(req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.reqs <- req:
	case <-s.stopped:
		return ErrStopped
	}
	return <-req.reply
}

func (s *Scheduler) handle(ctx context.Context, req request) error {
	switch req.kind {
	case reqTrigger, reqRefresh:
		if s.suspended {
			return ErrSuspended
		}
		if req.kind == reqRefresh {
			s.resetPolling()
		}
		s.stopTimer()
		s.start(ctx)

	case reqSetActive:
		if req.active == s.active {
			return nil
		}
		s.active = req.active
		if s.suspended {
			return nil
		}
		s.stopTimer()
		if req.active {
			s.start(ctx)
		} else if s.State() == Scheduled {
			s.setState(Idle)
		}

	case reqSuspend:
		if s.suspended {
			return nil
		}
		s.suspended = true
		s.stopTimer()
		s.issued.Add(1)
		s.cancelCycles()
		s.setState(Suspended)
		s.opts.Logger.Info("polling suspended")

	case reqResume:
		if !s.suspended {
			return nil
		}
		s.suspended = false
		s.resetPolling()
		s.opts.Logger.Info("polling resumed")
		s.start(ctx)
	}
	return nil
}

func (s *Scheduler) start(ctx context.Context) {
	token := s.issued.Add(1)
	cctx, cancel := context.WithCancel(ctx)
	s.cancels[token] = cancel

	s.mu.Lock()
	s.ps.CycleToken = token
	s.mu.Unlock()
	s.setState(Running)

	go func() {
		out := s.cycle(cctx, token)
		select {
		case s.results <- result{token: token, out: out}:
		case <-s.stopped:
		}
	}()
}

func (s *Scheduler) finish(res result) {
	if cancel, ok := s.cancels[res.token]; ok {
		cancel()
		delete(s.cancels, res.token)
	}
	if !s.IsCurrent(res.token) {
		s.opts.Logger.Debug("superseded cycle finished", "token", res.token)
		return
	}

	s.mu.Lock()
	if res.out.FreeHeap != nil {
		heap := *res.out.FreeHeap
		s.ps.FreeHeap = &heap
	}
	if res.out.Failed {
		s.ps.ConsecutiveFailures++
	} else {
		s.ps.ConsecutiveFailures = 0
	}
	delay := s.ps.NextDelay(s.opts.LowHeapThreshold, s.opts.MaxBackoff)
	s.mu.Unlock()

	if !s.active {
		s.setState(Idle)
		return
	}
	s.timer = s.opts.Clock.NewTimer(delay)
	s.setState(Scheduled)
	if s.opts.OnSchedule != nil {
		s.opts.OnSchedule(delay)
	}
}

func (s *Scheduler) resetPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ps = PollingState{Interval: s.opts.Interval, CycleToken: s.ps.CycleToken}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) cancelCycles() {
	for token, cancel := range s.cancels {
		cancel()
		delete(s.cancels, token)
	}
}
