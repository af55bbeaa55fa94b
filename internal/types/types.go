// Package types holds the telemetry records exchanged with the controller.
package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// Measurement is one history entry as reported by the device. RawTimestamp
// is 0 when the device had no NTP time at capture.
type Measurement struct {
	RawTimestamp       int64    `json:"epoch_ms"`
	Temperature        *float64 `json:"temperature"`
	Humidity           *float64 `json:"humidity"`
	PumpActivated      bool     `json:"pumpActivated"`
	FanActivated       *bool    `json:"fanActivated,omitempty"`
	ExtractorActivated *bool    `json:"extractorActivated,omitempty"`
	StageName          *string  `json:"stage,omitempty"`
	Event              *string  `json:"event,omitempty"`
}

type wireMeasurement struct {
	EpochMs            json.Number `json:"epoch_ms"`
	Temperature        *float64    `json:"temperature"`
	Humidity           *float64    `json:"humidity"`
	PumpActivated      bool        `json:"pumpActivated"`
	FanActivated       *bool       `json:"fanActivated"`
	ExtractorActivated *bool       `json:"extractorActivated"`
	StageName          *string     `json:"stage"`
	Event              *string     `json:"event"`
}

// UnmarshalJSON accepts epoch_ms as null, an integer or a float.
func (m *Measurement) UnmarshalJSON(b []byte) error {
	var w wireMeasurement
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var raw int64
	if w.EpochMs != "" {
		if n, err := w.EpochMs.Int64(); err == nil {
			raw = n
		} else {
			f, err := w.EpochMs.Float64()
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return fmt.Errorf("epoch_ms %q: not a number", w.EpochMs)
			}
			raw = int64(f)
		}
	}
	*m = Measurement{
		RawTimestamp:       raw,
		Temperature:        w.Temperature,
		Humidity:           w.Humidity,
		PumpActivated:      w.PumpActivated,
		FanActivated:       w.FanActivated,
		ExtractorActivated: w.ExtractorActivated,
		StageName:          w.StageName,
		Event:              w.Event,
	}
	return nil
}

// DisplayMeasurement is a Measurement with its reconciled timestamp.
type DisplayMeasurement struct {
	Measurement
	StabilizedTimestamp int64 `json:"timestamp"`
}

// UnmarshalJSON is needed because Measurement's decoder would otherwise be
// promoted and drop the timestamp.
func (d *DisplayMeasurement) UnmarshalJSON(b []byte) error {
	var m Measurement
	if err := m.UnmarshalJSON(b); err != nil {
		return err
	}
	var ts struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &ts); err != nil {
		return err
	}
	*d = DisplayMeasurement{Measurement: m, StabilizedTimestamp: ts.Timestamp}
	return nil
}

// DeviceStatus is the /data snapshot. It is replaced wholesale every cycle.
type DeviceStatus struct {
	Temperature              *float64 `json:"temperature"`
	Humidity                 *float64 `json:"humidity"`
	VPD                      *float64 `json:"vpd"`
	PumpStatus               bool     `json:"pumpStatus"`
	PumpActivationCount      int      `json:"pumpActivationCount"`
	PumpAutoOff              bool     `json:"pumpAutoOff"`
	PumpRemainingSec         int      `json:"pumpRemainingSec"`
	FanStatus                bool     `json:"fanStatus"`
	ExtractorStatus          bool     `json:"extractorStatus"`
	TestModeEnabled          bool     `json:"testModeEnabled"`
	ElapsedTime              int64    `json:"elapsedTime"`
	CurrentTime              int64    `json:"currentTime"`
	LastMeasurementTimestamp int64    `json:"lastMeasurementTimestamp"`
	NTPSynced                bool     `json:"ntpSynced"`
	CurrentStageName         string   `json:"currentStageName"`
	CurrentStageIndex        int      `json:"currentStageIndex"`
	CurrentStageThreshold    float64  `json:"currentStageThreshold"`
	CurrentStageWateringSec  int      `json:"currentStageWateringSec"`
	ManualStageControl       bool     `json:"manualStageControl"`
	DeviceIP                 string   `json:"deviceIP"`
	WiFiRSSI                 int      `json:"wifiRSSI"`
	WiFiStatus               string   `json:"wifiStatus"`
	FreeHeap                 *int     `json:"freeHeap"`
	MeasurementInterval      int      `json:"measurementInterval"`
}

// Stage is one grow stage definition.
type Stage struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	DurationDays      int     `json:"duration_days"`
	HumidityThreshold float64 `json:"humidityThreshold"`
	WateringTimeSec   int     `json:"wateringTimeSec"`
}

// StageUpdate is the body of /updateStage.
type StageUpdate struct {
	Index             int     `json:"index"`
	DurationDays      int     `json:"duration_days"`
	HumidityThreshold float64 `json:"humidityThreshold"`
	WateringTimeSec   int     `json:"wateringTimeSec"`
}

type DiskInfo struct {
	FreePercent float64 `json:"free_percent"`
	FreeBytes   int64   `json:"free_bytes"`
}

// Thresholds are the climate triggers for the fan and the extractor.
type Thresholds struct {
	FanTempOn       float64 `json:"fanTempOn"`
	FanHumOn        float64 `json:"fanHumOn"`
	ExtractorTempOn float64 `json:"extractorTempOn"`
	ExtractorHumOn  float64 `json:"extractorHumOn"`
}

// DiscordConfig is the device's webhook alerting setup
// (/getDiscordConfig, /setDiscordConfig).
type DiscordConfig struct {
	WebhookURL string        `json:"webhookUrl"`
	Enabled    bool          `json:"enabled"`
	Alerts     DiscordAlerts `json:"alerts"`
}

// DiscordAlerts selects which conditions post to the webhook. Temperatures
// are °C, humidity %RH.
type DiscordAlerts struct {
	TempHighAlert         bool    `json:"tempHighAlert"`
	TempHighThreshold     float64 `json:"tempHighThreshold"`
	TempLowAlert          bool    `json:"tempLowAlert"`
	TempLowThreshold      float64 `json:"tempLowThreshold"`
	HumHighAlert          bool    `json:"humHighAlert"`
	HumHighThreshold      float64 `json:"humHighThreshold"`
	HumLowAlert           bool    `json:"humLowAlert"`
	HumLowThreshold       float64 `json:"humLowThreshold"`
	SensorFailAlert       bool    `json:"sensorFailAlert"`
	DeviceActivationAlert bool    `json:"deviceActivationAlert"`
}
