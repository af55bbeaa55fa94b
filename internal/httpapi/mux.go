package httpapi

import (
	"log/slog"
	"net/http"
)

// NewMux wires the health check and the dashboard API. store may be nil when
// state is not kept in a database.
func NewMux(store Pinger, dashboard Dashboard, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, store, logger)
	NewDashboardController(dashboard, logger).RegisterRoutes(mux)
	return mux
}
