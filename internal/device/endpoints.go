package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"greennanny-dashboard/internal/types"
)

// Read endpoints.

func (c *Client) Status(ctx context.Context) (types.DeviceStatus, error) {
	var s types.DeviceStatus
	err := c.getJSON(ctx, "/data", &s)
	return s, err
}

// Measurements returns the device history in device-reported order.
func (c *Client) Measurements(ctx context.Context) ([]types.Measurement, error) {
	var ms []types.Measurement
	if err := c.getJSON(ctx, "/loadMeasurement", &ms); err != nil {
		return nil, err
	}
	if ms == nil {
		ms = []types.Measurement{}
	}
	return ms, nil
}

func (c *Client) Stages(ctx context.Context) ([]types.Stage, error) {
	var st []types.Stage
	if err := c.getJSON(ctx, "/listStages", &st); err != nil {
		return nil, err
	}
	if st == nil {
		st = []types.Stage{}
	}
	return st, nil
}

// MeasurementInterval returns the device's measurement interval in hours.
func (c *Client) MeasurementInterval(ctx context.Context) (int, error) {
	var v struct {
		Interval *int `json:"interval"`
	}
	if err := c.getJSON(ctx, "/getMeasurementInterval", &v); err != nil {
		return 0, err
	}
	if v.Interval == nil {
		return 0, &Error{Code: ErrMalformedPayload, Endpoint: "/getMeasurementInterval"}
	}
	return *v.Interval, nil
}

func (c *Client) DiskInfo(ctx context.Context) (types.DiskInfo, error) {
	var d types.DiskInfo
	err := c.getJSON(ctx, "/diskInfo", &d)
	return d, err
}

func (c *Client) Thresholds(ctx context.Context) (types.Thresholds, error) {
	var t types.Thresholds
	err := c.getJSON(ctx, "/getThresholds", &t)
	return t, err
}

func (c *Client) DiscordConfig(ctx context.Context) (types.DiscordConfig, error) {
	var d types.DiscordConfig
	err := c.getJSON(ctx, "/getDiscordConfig", &d)
	return d, err
}

// DownloadLogs returns the device log file as sent, usually plain text.
func (c *Client) DownloadLogs(ctx context.Context) ([]byte, error) {
	p, err := c.Request(ctx, "/downloadLogs", RequestOptions{})
	if err != nil {
		return nil, err
	}
	return p.Body, nil
}

// Commands.

func (c *Client) TakeMeasurement(ctx context.Context) (CommandResponse, error) {
	return c.command(ctx, "/takeMeasurement", RequestOptions{})
}

// ControlPump turns the pump on for duration, or off.
func (c *Client) ControlPump(ctx context.Context, on bool, duration time.Duration) (CommandResponse, error) {
	if on {
		q := url.Values{}
		q.Set("action", "on")
		q.Set("duration", strconv.Itoa(int(duration/time.Second)))
		return c.command(ctx, "/controlPump", RequestOptions{Query: q})
	}
	return c.command(ctx, "/controlPump", RequestOptions{Body: map[string]string{"action": "off"}})
}

func (c *Client) ControlFan(ctx context.Context, on bool) (CommandResponse, error) {
	return c.command(ctx, "/controlFan", RequestOptions{Query: onOff(on)})
}

func (c *Client) ControlExtractor(ctx context.Context, on bool) (CommandResponse, error) {
	return c.command(ctx, "/controlExtractor", RequestOptions{Query: onOff(on)})
}

func (c *Client) SetManualStage(ctx context.Context, index int) (CommandResponse, error) {
	return c.command(ctx, "/setManualStage", RequestOptions{Body: map[string]int{"stage": index}})
}

func (c *Client) ResetManualStage(ctx context.Context) (CommandResponse, error) {
	return c.command(ctx, "/resetManualStage", RequestOptions{})
}

func (c *Client) SetMeasurementInterval(ctx context.Context, hours int) (CommandResponse, error) {
	return c.command(ctx, "/setMeasurementInterval", RequestOptions{Body: map[string]int{"interval": hours}})
}

func (c *Client) ClearHistory(ctx context.Context) (CommandResponse, error) {
	return c.command(ctx, "/clearHistory", RequestOptions{})
}

// RestartSystem asks the device to reboot. The device usually drops the
// connection before answering, so callers should expect ErrTimeout or
// ErrUnreachable.
func (c *Client) RestartSystem(ctx context.Context, timeout time.Duration) (CommandResponse, error) {
	return c.command(ctx, "/restartSystem", RequestOptions{Timeout: timeout})
}

func (c *Client) UpdateStage(ctx context.Context, u types.StageUpdate) (CommandResponse, error) {
	return c.command(ctx, "/updateStage", RequestOptions{Body: u})
}

func (c *Client) SetThresholds(ctx context.Context, t types.Thresholds) (CommandResponse, error) {
	return c.command(ctx, "/setThresholds", RequestOptions{Body: t})
}

func (c *Client) SetDiscordConfig(ctx context.Context, d types.DiscordConfig) (CommandResponse, error) {
	return c.command(ctx, "/setDiscordConfig", RequestOptions{Body: d})
}

// TestDiscordAlert makes the device post a test message to its webhook.
func (c *Client) TestDiscordAlert(ctx context.Context) (CommandResponse, error) {
	return c.command(ctx, "/testDiscordAlert", RequestOptions{})
}

// ToggleTestMode flips simulated sensor mode and returns the new state.
func (c *Client) ToggleTestMode(ctx context.Context) (bool, CommandResponse, error) {
	p, err := c.Request(ctx, "/testMode", RequestOptions{Method: http.MethodPost})
	if err != nil {
		return false, CommandResponse{}, err
	}
	resp, err := parseCommandResponse("/testMode", p)
	if err != nil {
		return false, resp, err
	}
	var v struct {
		TestModeEnabled bool `json:"testModeEnabled"`
	}
	if err := json.Unmarshal(p.Body, &v); err != nil {
		return false, resp, &Error{Code: ErrMalformedPayload, Endpoint: "/testMode", Err: err}
	}
	return v.TestModeEnabled, resp, nil
}

func onOff(on bool) url.Values {
	q := url.Values{}
	if on {
		q.Set("action", "on")
	} else {
		q.Set("action", "off")
	}
	return q
}
