package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"greennanny-dashboard/internal/config"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. Dev builds get colored tint output; release
// builds log JSON. When cfg.LogFile is set, JSON records are also written to a
// size-rotated file.
func New(cfg config.Config, version string, appName string) *slog.Logger {
	return newLogger(cfg, version, appName, os.Stdout)
}

func newLogger(cfg config.Config, version string, appName string, stdout io.Writer) *slog.Logger {
	var fileHandler slog.Handler
	if cfg.LogFile != "" {
		fileHandler = slog.NewJSONHandler(rotatingFile(cfg.LogFile), &slog.HandlerOptions{Level: cfg.LogLevel})
	}

	if version == "dev" {
		h := tint.NewHandler(stdout, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(tee(h, fileHandler)).With("app", appName)
	}

	h := slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	return slog.New(tee(h, fileHandler)).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	)
}

func rotatingFile(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
}
