// Package devicetest provides an in-memory Green Nanny controller served over
// httptest, with per-endpoint fault injection.
package devicetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"greennanny-dashboard/internal/types"
)

// Fault changes how one endpoint answers. Zero fields are ignored.
type Fault struct {
	Status int           // reply with this HTTP status
	Body   string        // reply with this raw body (e.g. malformed JSON)
	Delay  time.Duration // sleep before answering
	Wait   chan struct{} // block until closed or the request is canceled
}

type Request struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type Device struct {
	mu sync.Mutex

	Status        types.DeviceStatus
	History       []types.Measurement
	StageList     []types.Stage
	IntervalHours int
	Disk          types.DiskInfo
	Limits        types.Thresholds
	Discord       types.DiscordConfig
	Logs          string // served by /downloadLogs as plain text

	// NTPSynced decides whether takeMeasurement stamps a real epoch or 0.
	NTPSynced bool
	Now       func() time.Time

	faults   map[string]Fault
	requests []Request
}

// defaultAlerts mirrors the firmware's factory alert settings.
var defaultAlerts = types.DiscordAlerts{
	TempHighAlert:     true,
	TempHighThreshold: 35,
	TempLowAlert:      true,
	TempLowThreshold:  15,
	HumHighAlert:      true,
	HumHighThreshold:  85,
	HumLowAlert:       true,
	HumLowThreshold:   30,
	SensorFailAlert:   true,
}

func New() *Device {
	heap := 30000
	return &Device{
		Status: types.DeviceStatus{
			CurrentStageName: "Germinacion",
			FreeHeap:         &heap,
			WiFiStatus:       "Connected",
			DeviceIP:         "192.168.1.50",
		},
		History: []types.Measurement{},
		StageList: []types.Stage{
			{Index: 0, Name: "Germinacion", DurationDays: 14, HumidityThreshold: 65, WateringTimeSec: 15},
			{Index: 1, Name: "Vegetativo", DurationDays: 35, HumidityThreshold: 60, WateringTimeSec: 20},
			{Index: 2, Name: "Floracion", DurationDays: 56, HumidityThreshold: 55, WateringTimeSec: 25},
		},
		IntervalHours: 3,
		Disk:          types.DiskInfo{FreePercent: 72.5, FreeBytes: 1 << 20},
		Limits:        types.Thresholds{FanTempOn: 28, FanHumOn: 70, ExtractorTempOn: 32, ExtractorHumOn: 85},
		Discord:       types.DiscordConfig{Alerts: defaultAlerts},
		Logs:          "[00:00:01] boot\n[00:00:05] wifi connected\n",
		NTPSynced:     true,
		Now:           time.Now,
		faults:        map[string]Fault{},
	}
}

// Start serves d until the test ends and returns the base URL.
func (d *Device) Start(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return srv.URL
}

func (d *Device) SetFault(path string, f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[path] = f
}

func (d *Device) ClearFault(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.faults, path)
}

// SetFreeHeap changes the heap reported by /data.
func (d *Device) SetFreeHeap(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status.FreeHeap = &bytes
}

// AddMeasurement appends a history entry as the firmware would.
func (d *Device) AddMeasurement(m types.Measurement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.History = append(d.History, m)
}

// Requests returns the calls seen so far.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Count returns how many times path was called.
func (d *Device) Count(path string) int {
	n := 0
	for _, r := range d.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	d.requests = append(d.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	f, faulty := d.faults[r.URL.Path]
	d.mu.Unlock()

	if faulty {
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if f.Wait != nil {
			select {
			case <-f.Wait:
			case <-r.Context().Done():
				return
			}
		}
		if f.Status != 0 {
			http.Error(w, http.StatusText(f.Status), f.Status)
			return
		}
		if f.Body != "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(f.Body))
			return
		}
	}

	d.route(w, r, body)
}

func (d *Device) route(w http.ResponseWriter, r *http.Request, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch r.URL.Path {
	case "/data":
		s := d.Status
		s.MeasurementInterval = d.IntervalHours
		s.NTPSynced = d.NTPSynced
		writeJSON(w, s)
	case "/loadMeasurement":
		writeJSON(w, d.History)
	case "/listStages":
		writeJSON(w, d.StageList)
	case "/getMeasurementInterval":
		writeJSON(w, map[string]int{"interval": d.IntervalHours})
	case "/diskInfo":
		writeJSON(w, d.Disk)
	case "/getThresholds":
		writeJSON(w, d.Limits)
	case "/getDiscordConfig":
		writeJSON(w, d.Discord)
	case "/downloadLogs":
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Disposition", `attachment; filename="greennanny-logs.txt"`)
		_, _ = w.Write([]byte(d.Logs))

	case "/takeMeasurement":
		var epoch int64
		if d.NTPSynced {
			epoch = d.Now().UnixMilli()
		}
		temp, hum := 24.0, 60.0
		stage := d.Status.CurrentStageName
		d.History = append(d.History, types.Measurement{RawTimestamp: epoch, Temperature: &temp, Humidity: &hum, StageName: &stage})
		ok(w, "Measurement taken")
	case "/clearHistory":
		d.History = []types.Measurement{}
		_, _ = w.Write([]byte("History cleared"))
	case "/setMeasurementInterval":
		var v struct {
			Interval int `json:"interval"`
		}
		if json.Unmarshal(body, &v) != nil || v.Interval < 1 {
			http.Error(w, "invalid interval", http.StatusBadRequest)
			return
		}
		d.IntervalHours = v.Interval
		ok(w, "Interval updated")
	case "/setManualStage":
		var v struct {
			Stage int `json:"stage"`
		}
		if json.Unmarshal(body, &v) != nil || v.Stage < 0 || v.Stage >= len(d.StageList) {
			http.Error(w, "invalid stage", http.StatusBadRequest)
			return
		}
		d.Status.ManualStageControl = true
		d.Status.CurrentStageIndex = v.Stage
		d.Status.CurrentStageName = d.StageList[v.Stage].Name
		ok(w, "Manual stage set")
	case "/resetManualStage":
		d.Status.ManualStageControl = false
		ok(w, "Automatic stage control restored")
	case "/updateStage":
		var u types.StageUpdate
		if json.Unmarshal(body, &u) != nil || u.Index < 0 || u.Index >= len(d.StageList) {
			http.Error(w, "invalid stage", http.StatusBadRequest)
			return
		}
		st := &d.StageList[u.Index]
		st.DurationDays, st.HumidityThreshold, st.WateringTimeSec = u.DurationDays, u.HumidityThreshold, u.WateringTimeSec
		ok(w, "Stage updated")
	case "/setThresholds":
		var t types.Thresholds
		if json.Unmarshal(body, &t) != nil {
			http.Error(w, "invalid thresholds", http.StatusBadRequest)
			return
		}
		d.Limits = t
		ok(w, "Thresholds updated")
	case "/setDiscordConfig":
		var c types.DiscordConfig
		if json.Unmarshal(body, &c) != nil {
			http.Error(w, "invalid discord config", http.StatusBadRequest)
			return
		}
		d.Discord = c
		ok(w, "Discord configuration saved")
	case "/testDiscordAlert":
		if !d.Discord.Enabled || d.Discord.WebhookURL == "" {
			writeJSON(w, map[string]string{"status": "error", "message": "Discord alerts are not configured"})
			return
		}
		ok(w, "Test alert sent")
	case "/controlPump":
		switch r.URL.Query().Get("action") {
		case "on":
			secs, _ := strconv.Atoi(r.URL.Query().Get("duration"))
			d.Status.PumpStatus = true
			d.Status.PumpRemainingSec = secs
			d.Status.PumpActivationCount++
			ok(w, "Pump on")
		default:
			d.Status.PumpStatus = false
			d.Status.PumpRemainingSec = 0
			ok(w, "Pump off")
		}
	case "/controlFan":
		d.Status.FanStatus = r.URL.Query().Get("action") == "on"
		ok(w, "Fan updated")
	case "/controlExtractor":
		d.Status.ExtractorStatus = r.URL.Query().Get("action") == "on"
		ok(w, "Extractor updated")
	case "/testMode":
		d.Status.TestModeEnabled = !d.Status.TestModeEnabled
		writeJSON(w, map[string]any{"status": "success", "testModeEnabled": d.Status.TestModeEnabled, "message": "Test mode toggled"})
	case "/restartSystem":
		ok(w, "Restarting")
	default:
		http.NotFound(w, r)
	}
}

func ok(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]string{"status": "success", "message": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
