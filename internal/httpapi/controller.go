package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"greennanny-dashboard/internal/engine"
	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

// Dashboard is the part of the engine the HTTP API drives.
type Dashboard interface {
	View() (engine.ViewModel, bool)
	Subscribe(buffer int) (<-chan engine.Event, func())
	Dispatch(ctx context.Context, name string, params json.RawMessage) (engine.CommandResult, error)
	SetActive(active bool) error
	Stages() []types.Stage
	Thresholds(ctx context.Context) (types.Thresholds, error)
	DiscordConfig(ctx context.Context) (types.DiscordConfig, error)
	DownloadLogs(ctx context.Context) ([]byte, error)
	Commands(ctx context.Context, limit int) ([]store.CommandEntry, error)
}

type DashboardController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type dashboardControllerImpl struct {
	dashboard Dashboard
	logger    *slog.Logger
}

func NewDashboardController(dashboard Dashboard, logger *slog.Logger) DashboardController {
	return &dashboardControllerImpl{dashboard: dashboard, logger: logger}
}

func (c *dashboardControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/view", c.handleView)
	mux.HandleFunc("GET /api/measurements", c.handleMeasurements)
	mux.HandleFunc("GET /api/stats", c.handleStats)
	mux.HandleFunc("GET /api/stages", c.handleStages)
	mux.HandleFunc("GET /api/thresholds", c.handleThresholds)
	mux.HandleFunc("GET /api/discord", c.handleDiscordConfig)
	mux.HandleFunc("GET /api/logs", c.handleLogs)
	mux.HandleFunc("GET /api/commands", c.handleCommandNames)
	mux.HandleFunc("GET /api/commands/log", c.handleCommandLog)
	mux.HandleFunc("POST /api/commands/{name}", c.handleCommand)
	mux.HandleFunc("PUT /api/visibility", c.handleVisibility)
	mux.HandleFunc("GET /api/events", c.handleEvents)
}
