package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"greennanny-dashboard/internal/config"
)

func NewServer(config config.Config, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              config.HTTPAddr,
		Handler:           requestLogger(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
