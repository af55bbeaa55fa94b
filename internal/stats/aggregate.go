// Package stats computes period and per-stage statistics over reconciled
// measurements. Everything here is a pure function of its arguments.
package stats

import (
	"time"

	"greennanny-dashboard/internal/types"
)

type FieldStats struct {
	Avg        *float64 `json:"avg"`
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	ValidCount int      `json:"validCount"`
	TotalCount int      `json:"totalCount"`
	// Validity is ValidCount/TotalCount, 0 when there are no samples.
	Validity float64 `json:"validity"`
}

type WindowStats struct {
	Temperature      FieldStats `json:"temperature"`
	Humidity         FieldStats `json:"humidity"`
	VPD              FieldStats `json:"vpd"`
	PumpActivations  int        `json:"pumpActivations"`
	MeasurementCount int        `json:"measurementCount"`
	FirstTimestamp   *int64     `json:"firstTimestamp"`
	LastTimestamp    *int64     `json:"lastTimestamp"`
	// DataValidity mirrors the temperature validity.
	DataValidity float64 `json:"dataValidity"`
}

type Stats struct {
	Overall WindowStats            `json:"overall"`
	Last24h WindowStats            `json:"last24h"`
	Last7d  WindowStats            `json:"last7d"`
	Stages  map[string]WindowStats `json:"stages"`
}

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Aggregate computes Stats for ms as of now. Period windows include samples
// whose stabilized timestamp is at or after now minus the window. Per-stage
// stats are keyed by stage name; a stage with no samples gets zero stats.
func Aggregate(ms []types.DisplayMeasurement, stages []types.Stage, now time.Time) Stats {
	s := Stats{
		Overall: Window(ms),
		Last24h: Window(since(ms, now, day)),
		Last7d:  Window(since(ms, now, week)),
		Stages:  make(map[string]WindowStats, len(stages)),
	}
	if len(stages) == 0 {
		return s
	}

	byStage := make(map[string][]types.DisplayMeasurement, len(stages))
	for _, st := range stages {
		byStage[st.Name] = nil
	}
	for _, m := range ms {
		if m.StageName == nil {
			continue
		}
		if group, ok := byStage[*m.StageName]; ok {
			byStage[*m.StageName] = append(group, m)
		}
	}
	for name, group := range byStage {
		s.Stages[name] = Window(group)
	}
	return s
}

// Window computes the statistics of one group of measurements.
func Window(ms []types.DisplayMeasurement) WindowStats {
	var (
		temp, hum, vpd accumulator
		w              WindowStats
	)
	for _, m := range ms {
		temp.add(m.Temperature)
		hum.add(m.Humidity)
		vpd.add(VPD(m.Temperature, m.Humidity))
		if m.PumpActivated {
			w.PumpActivations++
		}
		if ts := m.StabilizedTimestamp; w.FirstTimestamp == nil || ts < *w.FirstTimestamp {
			w.FirstTimestamp = &ts
		}
		if ts := m.StabilizedTimestamp; w.LastTimestamp == nil || ts > *w.LastTimestamp {
			w.LastTimestamp = &ts
		}
	}
	w.MeasurementCount = len(ms)
	w.Temperature = temp.result()
	w.Humidity = hum.result()
	w.VPD = vpd.result()
	w.DataValidity = w.Temperature.Validity
	return w
}

func since(ms []types.DisplayMeasurement, now time.Time, window time.Duration) []types.DisplayMeasurement {
	cutoff := now.Add(-window).UnixMilli()
	var out []types.DisplayMeasurement
	for _, m := range ms {
		if m.StabilizedTimestamp >= cutoff {
			out = append(out, m)
		}
	}
	return out
}

type accumulator struct {
	sum, min, max float64
	valid, total  int
}

func (a *accumulator) add(v *float64) {
	a.total++
	if v == nil || !finite(*v) {
		return
	}
	if a.valid == 0 || *v < a.min {
		a.min = *v
	}
	if a.valid == 0 || *v > a.max {
		a.max = *v
	}
	a.sum += *v
	a.valid++
}

func (a *accumulator) result() FieldStats {
	f := FieldStats{ValidCount: a.valid, TotalCount: a.total}
	if a.total > 0 {
		f.Validity = float64(a.valid) / float64(a.total)
	}
	if a.valid == 0 {
		return f
	}
	avg := a.sum / float64(a.valid)
	lo, hi := a.min, a.max
	if finite(avg) {
		f.Avg = &avg
	}
	f.Min, f.Max = &lo, &hi
	return f
}
