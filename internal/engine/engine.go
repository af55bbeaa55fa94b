// Package engine runs the sync cycle between the controller and the
// dashboard: fetch, reconcile, aggregate, commit a ViewModel, reschedule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"greennanny-dashboard/internal/clock"
	"greennanny-dashboard/internal/device"
	"greennanny-dashboard/internal/reconcile"
	"greennanny-dashboard/internal/scheduler"
	"greennanny-dashboard/internal/stats"
	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

// ErrStaleCycle marks results of a superseded cycle. It never leaves the
// engine.
var ErrStaleCycle = errors.New("stale cycle")

// Device is the subset of *device.Client the engine uses.
type Device interface {
	Busy() *device.Busy

	Status(ctx context.Context) (types.DeviceStatus, error)
	Measurements(ctx context.Context) ([]types.Measurement, error)
	Stages(ctx context.Context) ([]types.Stage, error)
	MeasurementInterval(ctx context.Context) (int, error)
	DiskInfo(ctx context.Context) (types.DiskInfo, error)
	Thresholds(ctx context.Context) (types.Thresholds, error)
	DiscordConfig(ctx context.Context) (types.DiscordConfig, error)
	DownloadLogs(ctx context.Context) ([]byte, error)

	TakeMeasurement(ctx context.Context) (device.CommandResponse, error)
	ControlPump(ctx context.Context, on bool, duration time.Duration) (device.CommandResponse, error)
	ControlFan(ctx context.Context, on bool) (device.CommandResponse, error)
	ControlExtractor(ctx context.Context, on bool) (device.CommandResponse, error)
	SetManualStage(ctx context.Context, index int) (device.CommandResponse, error)
	ResetManualStage(ctx context.Context) (device.CommandResponse, error)
	SetMeasurementInterval(ctx context.Context, hours int) (device.CommandResponse, error)
	ClearHistory(ctx context.Context) (device.CommandResponse, error)
	RestartSystem(ctx context.Context, timeout time.Duration) (device.CommandResponse, error)
	UpdateStage(ctx context.Context, u types.StageUpdate) (device.CommandResponse, error)
	SetThresholds(ctx context.Context, t types.Thresholds) (device.CommandResponse, error)
	ToggleTestMode(ctx context.Context) (bool, device.CommandResponse, error)
	SetDiscordConfig(ctx context.Context, d types.DiscordConfig) (device.CommandResponse, error)
	TestDiscordAlert(ctx context.Context) (device.CommandResponse, error)
}

type Options struct {
	PollInterval     time.Duration
	LowHeapThreshold int
	MaxBackoff       time.Duration

	RestartTimeout time.Duration
	TriggerSettle  time.Duration
	NotifyCooldown time.Duration

	HistoryMaxEntries int
	ChartMaxPoints    int
	// DefaultMeasurementInterval is used for backfill until the device
	// reported its interval.
	DefaultMeasurementInterval time.Duration

	Clock      clock.Clock
	Logger     *slog.Logger
	CommandLog store.CommandLog
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.LowHeapThreshold <= 0 {
		o.LowHeapThreshold = 13000
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = 5 * time.Second
	}
	if o.TriggerSettle < 0 {
		o.TriggerSettle = 0
	}
	if o.NotifyCooldown <= 0 {
		o.NotifyCooldown = 6 * time.Second
	}
	if o.HistoryMaxEntries <= 0 {
		o.HistoryMaxEntries = 150
	}
	if o.ChartMaxPoints <= 0 {
		o.ChartMaxPoints = 180
	}
	if o.DefaultMeasurementInterval <= 0 {
		o.DefaultMeasurementInterval = time.Hour
	}
	if o.Clock == nil {
		o.Clock = clock.Real
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Engine struct {
	dev     Device
	cache   *reconcile.Cache
	sched   *scheduler.Scheduler
	bus     *Bus
	opts    Options
	logger  *slog.Logger
	session string

	// mu is the commit lock. Reconciliation, aggregation and the ViewModel
	// swap all happen under it.
	mu            sync.Mutex
	committed     uint64
	view          ViewModel
	hasView       bool
	stages        []types.Stage
	intervalHours int
	lowHeap       bool
	lastNotify    time.Time
}

func New(dev Device, cache *reconcile.Cache, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		dev:     dev,
		cache:   cache,
		bus:     NewBus(),
		opts:    opts,
		logger:  opts.Logger.With("component", "engine"),
		session: uuid.NewString(),
	}
	e.sched = scheduler.New(e.runCycle, scheduler.Options{
		Interval:         opts.PollInterval,
		LowHeapThreshold: opts.LowHeapThreshold,
		MaxBackoff:       opts.MaxBackoff,
		Clock:            opts.Clock,
		Logger:           opts.Logger.With("component", "scheduler"),
		OnSchedule: func(d time.Duration) {
			e.logger.Debug("next cycle scheduled", "delay", d.String())
		},
	})
	dev.Busy().Observe(func(busy bool) {
		e.bus.Publish(Event{Type: BusyChanged, Time: e.opts.Clock.Now(), Busy: &busy})
	})
	return e
}

// Run polls until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "session", e.session, "poll_interval", e.opts.PollInterval.String())
	err := e.sched.Run(ctx)
	if saveErr := e.cache.Save(context.WithoutCancel(ctx)); saveErr != nil {
		e.logger.Warn("saving timestamp cache on shutdown failed", "err", saveErr)
	}
	return err
}

// View returns the latest committed ViewModel; ok is false until the first
// cycle committed.
func (e *Engine) View() (ViewModel, bool) {
	e.mu.Lock()
	vm, ok := e.view, e.hasView
	e.mu.Unlock()
	vm.Polling = e.sched.Polling()
	vm.State = e.sched.State()
	vm.Busy = e.dev.Busy().IsBusy()
	return vm, ok
}

// Subscribe streams engine events until the returned func is called.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}

func (e *Engine) Session() string { return e.session }

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.opts.Clock.Now()
	}
	e.bus.Publish(ev)
}

type fetched struct {
	status     types.DeviceStatus
	statusErr  error
	history    []types.Measurement
	historyErr error
	disk       types.DiskInfo
	diskErr    error
}

func (e *Engine) runCycle(ctx context.Context, token uint64) scheduler.Outcome {
	e.emit(Event{Type: CycleStarted, Token: token})
	e.loadMetadata(ctx)

	var (
		f fetched
		g errgroup.Group
	)
	// Each fetch keeps its own error so one failure never cancels the
	// others.
	g.Go(func() error {
		f.status, f.statusErr = e.dev.Status(ctx)
		return nil
	})
	g.Go(func() error {
		f.history, f.historyErr = e.dev.Measurements(ctx)
		return nil
	})
	g.Go(func() error {
		f.disk, f.diskErr = e.dev.DiskInfo(ctx)
		return nil
	})
	_ = g.Wait()

	out := scheduler.Outcome{Failed: f.statusErr != nil && f.historyErr != nil}
	if f.statusErr == nil {
		out.FreeHeap = f.status.FreeHeap
	}

	if err := e.commit(token, &f); err != nil {
		e.logger.Debug("cycle result discarded", "token", token, "err", err)
		return out
	}
	if err := e.cache.Save(ctx); err != nil {
		e.logger.Warn("saving timestamp cache failed", "err", err)
	}
	return out
}

// loadMetadata fetches the measurement interval and stage list when they
// are not known yet. Failures are retried next cycle.
func (e *Engine) loadMetadata(ctx context.Context) {
	e.mu.Lock()
	needInterval, needStages := e.intervalHours == 0, e.stages == nil
	e.mu.Unlock()

	if needInterval {
		h, err := e.dev.MeasurementInterval(ctx)
		if err != nil {
			e.logger.Warn("fetching measurement interval failed", "err", err)
		} else if h > 0 {
			e.mu.Lock()
			e.intervalHours = h
			e.mu.Unlock()
		}
	}
	if needStages {
		st, err := e.dev.Stages(ctx)
		if err != nil {
			e.logger.Warn("fetching stages failed", "err", err)
		} else {
			e.mu.Lock()
			e.stages = st
			e.mu.Unlock()
		}
	}
}

func (e *Engine) commit(token uint64, f *fetched) error {
	now := e.opts.Clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sched.IsCurrent(token) || token <= e.committed {
		return fmt.Errorf("token %d: %w", token, ErrStaleCycle)
	}

	vm := e.view
	vm.Session = e.session
	vm.Token = token
	vm.UpdatedAt = now
	vm.Errors = map[string]string{}

	if f.statusErr == nil {
		status := f.status
		vm.Status = &status
		if status.MeasurementInterval > 0 {
			e.intervalHours = status.MeasurementInterval
		}
		e.observeHeap(token, status.FreeHeap, now)
	} else {
		vm.Errors["status"] = f.statusErr.Error()
	}
	if f.diskErr == nil {
		disk := f.disk
		vm.Disk = &disk
	} else {
		vm.Errors["disk"] = f.diskErr.Error()
	}

	if f.historyErr == nil {
		res := e.cache.Reconcile(f.history, e.measurementInterval(), now)
		if res.Reset {
			e.emitLocked(Event{Type: HistoryCleared, Token: token, Time: now})
		}
		if res.Added > 0 {
			e.logger.Debug("stamped new measurements", "added", res.Added, "triggered", res.Triggered)
		}
		s := stats.Aggregate(res.Measurements, e.stages, now)
		vm.Stats = &s
		vm.Measurements = lastN(res.Measurements, e.opts.HistoryMaxEntries)
		vm.Chart = buildChart(res.Measurements, e.opts.ChartMaxPoints)
	} else {
		vm.Errors["measurements"] = f.historyErr.Error()
	}

	vm.Stages = e.stages
	vm.MeasurementIntervalHours = e.intervalHours
	if len(vm.Errors) == 0 {
		vm.Errors = nil
	}

	e.view = vm
	e.hasView = true
	e.committed = token

	if f.statusErr != nil || f.historyErr != nil {
		reason := failureReason(f)
		notify := e.lastNotify.IsZero() || now.Sub(e.lastNotify) >= e.opts.NotifyCooldown
		if notify {
			e.lastNotify = now
		}
		e.logger.Warn("cycle failed", "token", token, "reason", reason)
		e.emitLocked(Event{Type: CycleFailed, Token: token, Time: now, Reason: reason, Notify: notify})
		return nil
	}
	e.emitLocked(Event{Type: CycleSucceeded, Token: token, Time: now})
	return nil
}

// emitLocked publishes while e.mu is held. Bus.Publish never blocks.
func (e *Engine) emitLocked(ev Event) { e.bus.Publish(ev) }

func (e *Engine) observeHeap(token uint64, heap *int, now time.Time) {
	if heap == nil {
		return
	}
	low := *heap < e.opts.LowHeapThreshold
	if low && !e.lowHeap {
		e.logger.Warn("device heap low, slowing down polling", "free_heap", *heap, "threshold", e.opts.LowHeapThreshold)
		e.emitLocked(Event{Type: HeapLow, Token: token, Time: now})
	}
	e.lowHeap = low
}

func (e *Engine) measurementInterval() time.Duration {
	if e.intervalHours > 0 {
		return time.Duration(e.intervalHours) * time.Hour
	}
	return e.opts.DefaultMeasurementInterval
}

func failureReason(f *fetched) string {
	var parts []string
	for _, err := range []error{f.statusErr, f.historyErr} {
		if err == nil {
			continue
		}
		msg := err.Error()
		if kind := device.Kind(err); kind != nil {
			msg = kind.Error()
			var de *device.Error
			if errors.As(err, &de) {
				msg = de.Endpoint + ": " + msg
			}
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}
