package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"greennanny-dashboard/internal/device"
	"greennanny-dashboard/internal/engine"
	"greennanny-dashboard/internal/scheduler"
	"greennanny-dashboard/internal/utils"
)

const noDataYet = "no data received from the device yet"

func (c *dashboardControllerImpl) handleView(w http.ResponseWriter, r *http.Request) {
	vm, ok := c.dashboard.View()
	if !ok {
		utils.WriteError(w, http.StatusServiceUnavailable, noDataYet)
		return
	}
	utils.WriteJSON(w, http.StatusOK, vm)
}

func (c *dashboardControllerImpl) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultMeasurementsLimit, maxMeasurementsLimit)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	vm, ok := c.dashboard.View()
	if !ok {
		utils.WriteError(w, http.StatusServiceUnavailable, noDataYet)
		return
	}
	ms := vm.Measurements
	if len(ms) > limit {
		ms = ms[len(ms)-limit:]
	}
	utils.WriteJSON(w, http.StatusOK, ms)
}

func (c *dashboardControllerImpl) handleStats(w http.ResponseWriter, r *http.Request) {
	period, ok := resolveStatsPeriod(r.URL.Query().Get("period"))
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid 'period' (allowed: all, 24h, 7d)")
		return
	}
	vm, ok := c.dashboard.View()
	if !ok || vm.Stats == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, noDataYet)
		return
	}

	if stage := r.URL.Query().Get("stage"); stage != "" {
		ws, found := vm.Stats.Stages[stage]
		if !found {
			utils.WriteError(w, http.StatusNotFound, "unknown stage")
			return
		}
		utils.WriteJSON(w, http.StatusOK, ws)
		return
	}
	if period.pick == nil {
		utils.WriteJSON(w, http.StatusOK, vm.Stats)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"period": period.Label,
		"stats":  period.pick(vm.Stats),
	})
}

func (c *dashboardControllerImpl) handleStages(w http.ResponseWriter, r *http.Request) {
	stages := c.dashboard.Stages()
	if stages == nil {
		if vm, ok := c.dashboard.View(); ok {
			stages = vm.Stages
		}
	}
	if stages == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "stages not loaded yet")
		return
	}
	utils.WriteJSON(w, http.StatusOK, stages)
}

func (c *dashboardControllerImpl) handleThresholds(w http.ResponseWriter, r *http.Request) {
	t, err := c.dashboard.Thresholds(r.Context())
	if err != nil {
		c.logger.Warn("thresholds: device call failed", "error", err)
		utils.WriteError(w, errorStatus(err), err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, t)
}

func (c *dashboardControllerImpl) handleDiscordConfig(w http.ResponseWriter, r *http.Request) {
	d, err := c.dashboard.DiscordConfig(r.Context())
	if err != nil {
		c.logger.Warn("discord config: device call failed", "error", err)
		utils.WriteError(w, errorStatus(err), err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, d)
}

// handleLogs relays the device log file as a download.
func (c *dashboardControllerImpl) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := c.dashboard.DownloadLogs(r.Context())
	if err != nil {
		c.logger.Warn("logs: device call failed", "error", err)
		utils.WriteError(w, errorStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="greennanny-logs.txt"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(logs); err != nil {
		c.logger.Debug("logs: write failed", "error", err)
	}
}

func (c *dashboardControllerImpl) handleCommandNames(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, engine.CommandNames())
}

func (c *dashboardControllerImpl) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultCommandLogLimit, maxCommandLogLimit)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := c.dashboard.Commands(r.Context(), limit)
	if err != nil {
		c.logger.Error("command log: read failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load command log")
		return
	}
	utils.WriteJSON(w, http.StatusOK, entries)
}

func (c *dashboardControllerImpl) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing command name")
		return
	}
	var params json.RawMessage
	if err := utils.DecodeJSON(w, r, &params); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := c.dashboard.Dispatch(r.Context(), name, params)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			c.logger.Warn("command failed", "command", name, "error", err)
		}
		utils.WriteJSON(w, status, map[string]any{
			"error":   http.StatusText(status),
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

func (c *dashboardControllerImpl) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Active == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing 'active'")
		return
	}
	if err := c.dashboard.SetActive(*body.Active); err != nil {
		utils.WriteError(w, errorStatus(err), err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]bool{"active": *body.Active})
}

// errorStatus maps engine and device failures to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSuspended):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrTimeout):
		return http.StatusGatewayTimeout
	case device.Kind(err) != nil:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
