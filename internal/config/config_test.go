package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "LOG_LEVEL", "LOG_SQL", "DEVICE_URL", "POLL_INTERVAL", "MAX_BACKOFF",
		"LOW_HEAP_THRESHOLD", "STORE_DRIVER", "CONFIG_FILE", "HISTORY_MAX_ENTRIES", "CHART_MAX_POINTS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppEnv != "dev" {
		t.Errorf("AppEnv = %q; want dev", cfg.AppEnv)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v; want info", cfg.LogLevel)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %s; want 30s", cfg.PollInterval)
	}
	if cfg.LowHeapThreshold != 13000 {
		t.Errorf("LowHeapThreshold = %d; want 13000", cfg.LowHeapThreshold)
	}
	if cfg.FetchTimeout != 20*time.Second {
		t.Errorf("FetchTimeout = %s; want 20s", cfg.FetchTimeout)
	}
	if cfg.RestartTimeout != 5*time.Second {
		t.Errorf("RestartTimeout = %s; want 5s", cfg.RestartTimeout)
	}
	if cfg.HistoryMaxEntries != 150 || cfg.ChartMaxPoints != 180 {
		t.Errorf("caps = %d/%d; want 150/180", cfg.HistoryMaxEntries, cfg.ChartMaxPoints)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q; want sqlite", cfg.StoreDriver)
	}
}

func TestLoadFromEnv_invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"app env", "APP_ENV", "staging"},
		{"log level", "LOG_LEVEL", "loud"},
		{"poll interval", "POLL_INTERVAL", "soon"},
		{"zero poll interval", "POLL_INTERVAL", "0s"},
		{"backoff below interval", "MAX_BACKOFF", "1s"},
		{"heap threshold", "LOW_HEAP_THRESHOLD", "lots"},
		{"store driver", "STORE_DRIVER", "redis"},
		{"device url scheme", "DEVICE_URL", "greennanny.local"},
		{"history cap", "HISTORY_MAX_ENTRIES", "0"},
		{"log sql", "LOG_SQL", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("%s=%q: want error", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFromEnv_configFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "greennanny.yaml")
	doc := "device_url: http://10.0.0.7/\nPOLL_INTERVAL: 45s\nLOW_HEAP_THRESHOLD: 9000\nSTORE_DRIVER: memory\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("POLL_INTERVAL", "10s")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DeviceURL != "http://10.0.0.7" {
		t.Errorf("DeviceURL = %q; want http://10.0.0.7", cfg.DeviceURL)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s; want env value 10s", cfg.PollInterval)
	}
	if cfg.LowHeapThreshold != 9000 {
		t.Errorf("LowHeapThreshold = %d; want 9000", cfg.LowHeapThreshold)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver = %q; want memory", cfg.StoreDriver)
	}
}

func TestLoadFromEnv_missingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("want error for missing CONFIG_FILE")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseLogLevel(%q) = %v; want %v", in, got, want)
		}
	}
}
