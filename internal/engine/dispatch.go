package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"greennanny-dashboard/internal/types"
)

var ErrUnknownCommand = errors.New("unknown command")

type actionParams struct {
	Action   string `json:"action"`
	Duration int    `json:"duration"`
}

func (p actionParams) on() (bool, error) {
	switch p.Action {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, invalid("action must be on or off")
	}
}

type handler func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error)

var handlers = map[string]handler{
	"takeMeasurement": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.TriggerMeasurement(ctx)
	},
	"setMeasurementInterval": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var p struct {
			Interval int `json:"interval"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return CommandResult{}, err
		}
		return e.SetMeasurementInterval(ctx, p.Interval)
	},
	"controlPump": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var p actionParams
		if err := decodeParams(raw, &p); err != nil {
			return CommandResult{}, err
		}
		on, err := p.on()
		if err != nil {
			return CommandResult{}, err
		}
		return e.ControlPump(ctx, on, time.Duration(p.Duration)*time.Second)
	},
	"controlFan": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var p actionParams
		if err := decodeParams(raw, &p); err != nil {
			return CommandResult{}, err
		}
		on, err := p.on()
		if err != nil {
			return CommandResult{}, err
		}
		return e.ControlFan(ctx, on)
	},
	"controlExtractor": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var p actionParams
		if err := decodeParams(raw, &p); err != nil {
			return CommandResult{}, err
		}
		on, err := p.on()
		if err != nil {
			return CommandResult{}, err
		}
		return e.ControlExtractor(ctx, on)
	},
	"setManualStage": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var p struct {
			Stage *int `json:"stage"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return CommandResult{}, err
		}
		if p.Stage == nil {
			return CommandResult{}, invalid("stage is required")
		}
		return e.SetManualStage(ctx, *p.Stage)
	},
	"resetManualStage": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.ResetManualStage(ctx)
	},
	"clearHistory": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.ClearHistory(ctx)
	},
	"restartSystem": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.RestartSystem(ctx)
	},
	"resume": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		if err := e.Resume(ctx); err != nil {
			return CommandResult{Command: "resume"}, err
		}
		return CommandResult{Command: "resume", OK: true, Message: "polling resumed"}, nil
	},
	"updateStage": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var u types.StageUpdate
		if err := decodeParams(raw, &u); err != nil {
			return CommandResult{}, err
		}
		return e.UpdateStage(ctx, u)
	},
	"setThresholds": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var t types.Thresholds
		if err := decodeParams(raw, &t); err != nil {
			return CommandResult{}, err
		}
		return e.SetThresholds(ctx, t)
	},
	"setDiscordConfig": func(e *Engine, ctx context.Context, raw json.RawMessage) (CommandResult, error) {
		var d types.DiscordConfig
		if err := decodeParams(raw, &d); err != nil {
			return CommandResult{}, err
		}
		return e.SetDiscordConfig(ctx, d)
	},
	"testDiscordAlert": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.TestDiscordAlert(ctx)
	},
	"testMode": func(e *Engine, ctx context.Context, _ json.RawMessage) (CommandResult, error) {
		return e.ToggleTestMode(ctx)
	},
	"refresh": func(e *Engine, _ context.Context, _ json.RawMessage) (CommandResult, error) {
		if err := e.Refresh(); err != nil {
			return CommandResult{Command: "refresh"}, err
		}
		return CommandResult{Command: "refresh", OK: true, Message: "refresh started"}, nil
	},
}

// Dispatch runs the command called name with JSON params. It is the entry
// point shared by the HTTP and MQTT transports.
func (e *Engine) Dispatch(ctx context.Context, name string, params json.RawMessage) (CommandResult, error) {
	h, ok := handlers[name]
	if !ok {
		return CommandResult{Command: name}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return h(e, ctx, params)
}

// CommandNames lists the commands Dispatch accepts.
func CommandNames() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("params: %v", err)
	}
	return nil
}
