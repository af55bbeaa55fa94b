package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"greennanny-dashboard/internal/stats"
)

const (
	defaultMeasurementsLimit = 50
	maxMeasurementsLimit     = 1000
	defaultCommandLogLimit   = 20
	maxCommandLogLimit       = 500
)

type statsPeriod struct {
	Label string
	pick  func(*stats.Stats) stats.WindowStats
}

var statsPeriods = map[string]statsPeriod{
	"all": {Label: "All data", pick: func(s *stats.Stats) stats.WindowStats { return s.Overall }},
	"24h": {Label: "Last 24 hours", pick: func(s *stats.Stats) stats.WindowStats { return s.Last24h }},
	"7d":  {Label: "Last 7 days", pick: func(s *stats.Stats) stats.WindowStats { return s.Last7d }},
}

// resolveStatsPeriod returns a zero period with ok=true for an empty key,
// meaning every window.
func resolveStatsPeriod(key string) (statsPeriod, bool) {
	if key == "" {
		return statsPeriod{}, true
	}
	p, ok := statsPeriods[key]
	return p, ok
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'limit' (expected integer)")
	}
	if n <= 0 {
		return 0, errors.New("'limit' must be > 0")
	}
	if n > maxLimit {
		return 0, errors.New("'limit' must be <= " + strconv.Itoa(maxLimit))
	}
	return n, nil
}
