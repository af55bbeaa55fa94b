package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"greennanny-dashboard/internal/device"
	"greennanny-dashboard/internal/scheduler"
	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

// ErrInvalidArgument is returned before anything is sent to the device.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	MinMeasurementIntervalHours = 1
	MaxMeasurementIntervalHours = 167
	MinPumpDuration             = time.Second
	MaxPumpDuration             = 600 * time.Second

	// Climate thresholds: temperatures in °C, humidity in %RH.
	MaxThresholdTemp     = 50
	MaxThresholdHumidity = 100
)

// CommandResult is the outcome of a command as shown to the operator.
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// exec sends one device command, records it and logs the outcome.
func (e *Engine) exec(ctx context.Context, name string, params any, call func(context.Context) (device.CommandResponse, error)) (CommandResult, error) {
	resp, err := call(ctx)
	res := CommandResult{Command: name, OK: err == nil, Message: resp.Message}
	if err != nil {
		res.Message = err.Error()
	} else if res.Message == "" {
		res.Message = resp.Raw
	}
	e.record(ctx, name, params, res)
	if err != nil {
		e.logger.Warn("device command failed", "command", name, "err", err)
		return res, fmt.Errorf("%s: %w", name, err)
	}
	e.logger.Info("device command", "command", name, "message", res.Message)
	return res, nil
}

func (e *Engine) record(ctx context.Context, name string, params any, res CommandResult) {
	if e.opts.CommandLog == nil {
		return
	}
	var p string
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			p = string(b)
		}
	}
	entry := store.CommandEntry{
		Command: name,
		Params:  p,
		OK:      res.OK,
		Message: res.Message,
		Time:    e.opts.Clock.Now(),
	}
	if err := e.opts.CommandLog.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("recording command failed", "command", name, "err", err)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// refresh runs a cycle so the dashboard reflects a command's effect.
func (e *Engine) refresh() {
	if err := e.sched.Trigger(); err != nil && !errors.Is(err, scheduler.ErrSuspended) {
		e.logger.Debug("refresh after command skipped", "err", err)
	}
}

// TriggerMeasurement asks the device for a measurement now. The request
// time is queued so the resulting sample gets it as its timestamp even if
// the device clock is not synced. A cycle runs once the device had time to
// store the sample.
func (e *Engine) TriggerMeasurement(ctx context.Context) (CommandResult, error) {
	e.cache.RecordTrigger(e.opts.Clock.Now())
	res, err := e.exec(ctx, "takeMeasurement", nil, e.dev.TakeMeasurement)
	if err != nil {
		return res, err
	}
	select {
	case <-e.opts.Clock.After(e.opts.TriggerSettle):
	case <-ctx.Done():
		return res, nil
	}
	e.refresh()
	return res, nil
}

func (e *Engine) SetMeasurementInterval(ctx context.Context, hours int) (CommandResult, error) {
	if hours < MinMeasurementIntervalHours || hours > MaxMeasurementIntervalHours {
		return CommandResult{}, invalid("interval must be between %d and %d hours", MinMeasurementIntervalHours, MaxMeasurementIntervalHours)
	}
	res, err := e.exec(ctx, "setMeasurementInterval", map[string]int{"interval": hours}, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.SetMeasurementInterval(ctx, hours)
	})
	if err != nil {
		return res, err
	}
	e.mu.Lock()
	e.intervalHours = hours
	e.mu.Unlock()
	e.refresh()
	return res, nil
}

// ControlPump switches the pump on for duration, or off.
func (e *Engine) ControlPump(ctx context.Context, on bool, duration time.Duration) (CommandResult, error) {
	if on && (duration < MinPumpDuration || duration > MaxPumpDuration) {
		return CommandResult{}, invalid("pump duration must be between %s and %s", MinPumpDuration, MaxPumpDuration)
	}
	params := map[string]any{"on": on}
	if on {
		params["durationSec"] = int(duration / time.Second)
	}
	res, err := e.exec(ctx, "controlPump", params, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.ControlPump(ctx, on, duration)
	})
	if err == nil {
		e.refresh()
	}
	return res, err
}

func (e *Engine) ControlFan(ctx context.Context, on bool) (CommandResult, error) {
	res, err := e.exec(ctx, "controlFan", map[string]bool{"on": on}, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.ControlFan(ctx, on)
	})
	if err == nil {
		e.refresh()
	}
	return res, err
}

func (e *Engine) ControlExtractor(ctx context.Context, on bool) (CommandResult, error) {
	res, err := e.exec(ctx, "controlExtractor", map[string]bool{"on": on}, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.ControlExtractor(ctx, on)
	})
	if err == nil {
		e.refresh()
	}
	return res, err
}

func (e *Engine) SetManualStage(ctx context.Context, index int) (CommandResult, error) {
	if err := e.checkStageIndex(index); err != nil {
		return CommandResult{}, err
	}
	res, err := e.exec(ctx, "setManualStage", map[string]int{"stage": index}, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.SetManualStage(ctx, index)
	})
	if err == nil {
		e.refresh()
	}
	return res, err
}

func (e *Engine) ResetManualStage(ctx context.Context) (CommandResult, error) {
	res, err := e.exec(ctx, "resetManualStage", nil, e.dev.ResetManualStage)
	if err == nil {
		e.refresh()
	}
	return res, err
}

// ClearHistory wipes the device history and the local timestamp cache.
func (e *Engine) ClearHistory(ctx context.Context) (CommandResult, error) {
	res, err := e.exec(ctx, "clearHistory", nil, e.dev.ClearHistory)
	if err != nil {
		return res, err
	}
	e.cache.Reset()
	if err := e.cache.Save(ctx); err != nil {
		e.logger.Warn("saving timestamp cache failed", "err", err)
	}
	e.emit(Event{Type: HistoryCleared})
	e.refresh()
	return res, nil
}

// RestartSystem suspends polling and reboots the device. Polling stays
// suspended until Resume. The device normally drops the connection while
// rebooting, so timeouts and connection errors count as success.
func (e *Engine) RestartSystem(ctx context.Context) (CommandResult, error) {
	if err := e.sched.Suspend(); err != nil {
		return CommandResult{}, fmt.Errorf("suspend polling: %w", err)
	}
	e.emit(Event{Type: Suspended})

	res, err := e.exec(ctx, "restartSystem", nil, func(ctx context.Context) (device.CommandResponse, error) {
		resp, err := e.dev.RestartSystem(ctx, e.opts.RestartTimeout)
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, device.ErrUnreachable) {
			return device.CommandResponse{Message: "restart in progress"}, nil
		}
		return resp, err
	})
	return res, err
}

// Resume leaves the suspended state, forgets cached device metadata and
// polls immediately.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.stages = nil
	e.intervalHours = 0
	e.lowHeap = false
	e.mu.Unlock()

	if err := e.sched.Resume(); err != nil {
		return err
	}
	e.record(ctx, "resume", nil, CommandResult{Command: "resume", OK: true})
	e.emit(Event{Type: Resumed})
	return nil
}

// UpdateStage changes a stage definition on the device and, once
// acknowledged, in the local stage list.
func (e *Engine) UpdateStage(ctx context.Context, u types.StageUpdate) (CommandResult, error) {
	if err := e.checkStageIndex(u.Index); err != nil {
		return CommandResult{}, err
	}
	if u.DurationDays < 1 || u.WateringTimeSec < 1 || u.HumidityThreshold < 0 || u.HumidityThreshold > 100 {
		return CommandResult{}, invalid("stage %d: duration, watering time and humidity threshold out of range", u.Index)
	}
	res, err := e.exec(ctx, "updateStage", u, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.UpdateStage(ctx, u)
	})
	if err != nil {
		return res, err
	}

	e.mu.Lock()
	stages := slices.Clone(e.stages)
	for i := range stages {
		if stages[i].Index == u.Index {
			stages[i].DurationDays = u.DurationDays
			stages[i].HumidityThreshold = u.HumidityThreshold
			stages[i].WateringTimeSec = u.WateringTimeSec
		}
	}
	e.stages = stages
	e.view.Stages = stages
	e.mu.Unlock()
	return res, nil
}

func (e *Engine) SetThresholds(ctx context.Context, t types.Thresholds) (CommandResult, error) {
	for _, v := range []float64{t.FanTempOn, t.ExtractorTempOn} {
		if !inRange(v, 0, MaxThresholdTemp) {
			return CommandResult{}, invalid("temperature thresholds must be between 0 and %d", MaxThresholdTemp)
		}
	}
	for _, v := range []float64{t.FanHumOn, t.ExtractorHumOn} {
		if !inRange(v, 0, MaxThresholdHumidity) {
			return CommandResult{}, invalid("humidity thresholds must be between 0 and %d", MaxThresholdHumidity)
		}
	}
	return e.exec(ctx, "setThresholds", t, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.SetThresholds(ctx, t)
	})
}

func (e *Engine) Thresholds(ctx context.Context) (types.Thresholds, error) {
	return e.dev.Thresholds(ctx)
}

// SetDiscordConfig replaces the device's webhook alerting setup. The
// webhook URL is kept out of the command log.
func (e *Engine) SetDiscordConfig(ctx context.Context, d types.DiscordConfig) (CommandResult, error) {
	if err := validateDiscord(d); err != nil {
		return CommandResult{}, err
	}
	logged := d
	if logged.WebhookURL != "" {
		logged.WebhookURL = "<redacted>"
	}
	return e.exec(ctx, "setDiscordConfig", logged, func(ctx context.Context) (device.CommandResponse, error) {
		return e.dev.SetDiscordConfig(ctx, d)
	})
}

// TestDiscordAlert asks the device to post a test message to its webhook.
func (e *Engine) TestDiscordAlert(ctx context.Context) (CommandResult, error) {
	return e.exec(ctx, "testDiscordAlert", nil, e.dev.TestDiscordAlert)
}

func (e *Engine) DiscordConfig(ctx context.Context) (types.DiscordConfig, error) {
	return e.dev.DiscordConfig(ctx)
}

// DownloadLogs returns the device log file.
func (e *Engine) DownloadLogs(ctx context.Context) ([]byte, error) {
	return e.dev.DownloadLogs(ctx)
}

func validateDiscord(d types.DiscordConfig) error {
	if d.WebhookURL != "" {
		u, err := url.Parse(d.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return invalid("webhookUrl must be an absolute http(s) URL")
		}
	} else if d.Enabled {
		return invalid("webhookUrl is required when alerts are enabled")
	}

	a := d.Alerts
	for _, v := range []float64{a.TempHighThreshold, a.TempLowThreshold} {
		if !inRange(v, 0, MaxThresholdTemp) {
			return invalid("temperature alert thresholds must be between 0 and %d", MaxThresholdTemp)
		}
	}
	for _, v := range []float64{a.HumHighThreshold, a.HumLowThreshold} {
		if !inRange(v, 0, MaxThresholdHumidity) {
			return invalid("humidity alert thresholds must be between 0 and %d", MaxThresholdHumidity)
		}
	}
	if a.TempHighAlert && a.TempLowAlert && a.TempLowThreshold >= a.TempHighThreshold {
		return invalid("tempLowThreshold must be below tempHighThreshold")
	}
	if a.HumHighAlert && a.HumLowAlert && a.HumLowThreshold >= a.HumHighThreshold {
		return invalid("humLowThreshold must be below humHighThreshold")
	}
	return nil
}

// ToggleTestMode flips the device between real and simulated sensors.
func (e *Engine) ToggleTestMode(ctx context.Context) (CommandResult, error) {
	var enabled bool
	res, err := e.exec(ctx, "testMode", nil, func(ctx context.Context) (device.CommandResponse, error) {
		on, resp, err := e.dev.ToggleTestMode(ctx)
		enabled = on
		return resp, err
	})
	if err != nil {
		return res, err
	}
	if enabled {
		res.Message = "test mode enabled"
	} else {
		res.Message = "test mode disabled"
	}
	e.refresh()
	return res, nil
}

// Refresh forgets cached device metadata, resets the polling state and runs
// a cycle now. A heap that is still low is reported again.
func (e *Engine) Refresh() error {
	e.mu.Lock()
	e.stages = nil
	e.intervalHours = 0
	e.lowHeap = false
	e.mu.Unlock()
	return e.sched.Refresh()
}

// SetActive pauses polling while no one is watching.
func (e *Engine) SetActive(active bool) error {
	return e.sched.SetActive(active)
}

// Stages returns the cached stage list.
func (e *Engine) Stages() []types.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.stages)
}

// Commands returns the most recent command log entries, newest first.
func (e *Engine) Commands(ctx context.Context, limit int) ([]store.CommandEntry, error) {
	if e.opts.CommandLog == nil {
		return []store.CommandEntry{}, nil
	}
	return e.opts.CommandLog.Recent(ctx, limit)
}

// inRange rejects NaN as well as values outside [lo, hi].
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

func (e *Engine) checkStageIndex(index int) error {
	if index < 0 {
		return invalid("stage index %d", index)
	}
	e.mu.Lock()
	known := e.stages
	e.mu.Unlock()
	if known != nil && !slices.ContainsFunc(known, func(s types.Stage) bool { return s.Index == index }) {
		return invalid("unknown stage index %d", index)
	}
	return nil
}
