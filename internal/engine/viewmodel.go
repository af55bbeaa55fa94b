package engine

import (
	"time"

	"greennanny-dashboard/internal/scheduler"
	"greennanny-dashboard/internal/stats"
	"greennanny-dashboard/internal/types"
)

// ViewModel is everything a presentation layer needs to render the
// dashboard. A section whose fetch failed keeps its previous value.
type ViewModel struct {
	Session   string    `json:"session"`
	Token     uint64    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status       *types.DeviceStatus        `json:"status"`
	Disk         *types.DiskInfo            `json:"disk"`
	Measurements []types.DisplayMeasurement `json:"measurements"`
	Stats        *stats.Stats               `json:"stats"`
	Chart        ChartSeries                `json:"chart"`

	Stages                   []types.Stage `json:"stages"`
	MeasurementIntervalHours int           `json:"measurementIntervalHours"`

	// Errors holds the last cycle's failure per section ("status",
	// "measurements", "disk").
	Errors map[string]string `json:"errors,omitempty"`

	Polling scheduler.PollingState `json:"polling"`
	State   scheduler.State        `json:"state"`
	Busy    bool                   `json:"busy"`
}

// ChartSeries holds parallel arrays, one entry per measurement.
type ChartSeries struct {
	Timestamps  []int64    `json:"timestamps"`
	Temperature []*float64 `json:"temperature"`
	Humidity    []*float64 `json:"humidity"`
	VPD         []*float64 `json:"vpd"`
	PumpEvents  []Marker   `json:"pumpEvents"`
}

// Marker is a point drawn on top of the humidity line.
type Marker struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// pumpMarkerFallback is where pump markers go when humidity is missing.
const pumpMarkerFallback = 50

func buildChart(ms []types.DisplayMeasurement, maxPoints int) ChartSeries {
	ms = lastN(ms, maxPoints)
	c := ChartSeries{
		Timestamps:  make([]int64, len(ms)),
		Temperature: make([]*float64, len(ms)),
		Humidity:    make([]*float64, len(ms)),
		VPD:         make([]*float64, len(ms)),
		PumpEvents:  []Marker{},
	}
	for i, m := range ms {
		c.Timestamps[i] = m.StabilizedTimestamp
		c.Temperature[i] = m.Temperature
		c.Humidity[i] = m.Humidity
		c.VPD[i] = stats.VPD(m.Temperature, m.Humidity)
		if m.PumpActivated {
			y := float64(pumpMarkerFallback)
			if m.Humidity != nil {
				y = *m.Humidity
			}
			c.PumpEvents = append(c.PumpEvents, Marker{Timestamp: m.StabilizedTimestamp, Value: y})
		}
	}
	return c
}

func lastN[T any](s []T, n int) []T {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
