package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"greennanny-dashboard/internal/config"
)

func TestNewLogger_prodWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}

	logger := newLogger(cfg, "1.2.3", "dashboard", &buf)
	logger.Info("cycle committed", "token", 7)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	for key, want := range map[string]any{"app": "dashboard", "version": "1.2.3", "env": "prod", "msg": "cycle committed"} {
		if rec[key] != want {
			t.Errorf("%s = %v; want %v", key, rec[key], want)
		}
	}
}

func TestNewLogger_devUsesTint(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "dev", LogLevel: slog.LevelDebug}

	logger := newLogger(cfg, "dev", "dashboard", &buf)
	logger.Debug("polling scheduled")

	out := buf.String()
	if !strings.Contains(out, "polling scheduled") {
		t.Fatalf("output = %q; want message", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("dev output should not be JSON: %q", out)
	}
}

func TestNewLogger_levelFilters(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelWarn}

	logger := newLogger(cfg, "1.0.0", "dashboard", &buf)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %q", buf.String())
	}
}

func TestNewLogger_teesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "dashboard.log")
	cfg := config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo, LogFile: path}

	logger := newLogger(cfg, "1.0.0", "dashboard", &buf)
	logger.Warn("heap low", "free_heap", 9000)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"heap low"`) {
		t.Errorf("log file = %q; want heap low record", string(b))
	}
	if !strings.Contains(string(b), `"app":"dashboard"`) {
		t.Errorf("log file = %q; want app attr", string(b))
	}
	if !strings.Contains(buf.String(), "heap low") {
		t.Errorf("stdout = %q; want heap low record", buf.String())
	}
}
