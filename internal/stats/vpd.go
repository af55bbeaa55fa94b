package stats

import "math"

// VPD returns the vapor pressure deficit in kPa for temperature t (°C) and
// relative humidity h (%). It returns nil when either input is missing or
// not finite, or when h is outside [0, 105].
func VPD(t, h *float64) *float64 {
	if t == nil || h == nil || !finite(*t) || !finite(*h) {
		return nil
	}
	if *h < 0 || *h > 105 {
		return nil
	}
	temp, hum := *t, *h
	svp := 0.6108 * math.Exp(17.27*temp/(temp+237.3))
	avp := min(max(hum, 0), 100) / 100 * svp
	v := max(0, svp-avp)
	if !finite(v) {
		return nil
	}
	return &v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
