package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	LogFile  string
	LogSQL   bool
	HTTPAddr string

	// DeviceURL is the base URL of the controller's REST API, e.g. http://192.168.1.50.
	DeviceURL string

	PollInterval               time.Duration
	LowHeapThreshold           int
	MaxBackoff                 time.Duration
	FetchTimeout               time.Duration
	CommandTimeout             time.Duration
	RestartTimeout             time.Duration
	TriggerSettle              time.Duration
	TriggerTTL                 time.Duration
	NotifyCooldown             time.Duration
	HistoryMaxEntries          int
	ChartMaxPoints             int
	DefaultMeasurementInterval time.Duration

	// StoreDriver selects where the timestamp cache is persisted: sqlite, file or memory.
	StoreDriver string
	StateFile   string

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	// MQTTBroker empty disables the MQTT bridge.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string
}

// lookup resolves a setting from the environment first and then from the
// optional CONFIG_FILE document.
type lookup func(key string) string

// LoadFromEnv reads the configuration from environment variables. When
// CONFIG_FILE points at a YAML document, its top-level keys (named like the
// environment variables) fill in anything the environment leaves unset.
func LoadFromEnv() (Config, error) {
	file := map[string]string{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		var err error
		file, err = readFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	return load(func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(file[key])
	})
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("CONFIG_FILE %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("CONFIG_FILE %q: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return out, nil
}

func load(get lookup) (Config, error) {
	appEnv := get("APP_ENV")
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := get("LOG_LEVEL")
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	logSQL, err := boolOr(get, "LOG_SQL", false)
	if err != nil {
		return Config{}, err
	}

	httpAddr := get("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	deviceURL := strings.TrimRight(get("DEVICE_URL"), "/")
	if deviceURL == "" {
		deviceURL = "http://greennanny.local"
	}
	if !strings.HasPrefix(deviceURL, "http://") && !strings.HasPrefix(deviceURL, "https://") {
		return Config{}, fmt.Errorf("invalid DEVICE_URL %q (must start with http:// or https://)", deviceURL)
	}

	cfg := Config{
		AppEnv:    appEnv,
		LogLevel:  level,
		LogFile:   get("LOG_FILE"),
		LogSQL:    logSQL,
		HTTPAddr:  httpAddr,
		DeviceURL: deviceURL,
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"POLL_INTERVAL", 30 * time.Second, &cfg.PollInterval},
		{"MAX_BACKOFF", 5 * time.Minute, &cfg.MaxBackoff},
		{"FETCH_TIMEOUT", 20 * time.Second, &cfg.FetchTimeout},
		{"COMMAND_TIMEOUT", 20 * time.Second, &cfg.CommandTimeout},
		{"RESTART_TIMEOUT", 5 * time.Second, &cfg.RestartTimeout},
		{"TRIGGER_SETTLE", 2 * time.Second, &cfg.TriggerSettle},
		{"TRIGGER_TTL", 10 * time.Minute, &cfg.TriggerTTL},
		{"NOTIFY_COOLDOWN", 6 * time.Second, &cfg.NotifyCooldown},
		{"DEFAULT_MEASUREMENT_INTERVAL", time.Hour, &cfg.DefaultMeasurementInterval},
		{"DB_CONN_MAX_LIFETIME", 0, &cfg.SQLiteConnMaxLifetime},
	}
	for _, d := range durations {
		v, err := durationOr(get, d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("invalid POLL_INTERVAL %s (must be positive)", cfg.PollInterval)
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		return Config{}, fmt.Errorf("invalid MAX_BACKOFF %s (must be >= POLL_INTERVAL %s)", cfg.MaxBackoff, cfg.PollInterval)
	}
	if cfg.DefaultMeasurementInterval <= 0 {
		return Config{}, fmt.Errorf("invalid DEFAULT_MEASUREMENT_INTERVAL %s (must be positive)", cfg.DefaultMeasurementInterval)
	}

	ints := []struct {
		key string
		def int
		min int
		dst *int
	}{
		{"LOW_HEAP_THRESHOLD", 13000, 0, &cfg.LowHeapThreshold},
		{"HISTORY_MAX_ENTRIES", 150, 1, &cfg.HistoryMaxEntries},
		{"CHART_MAX_POINTS", 180, 1, &cfg.ChartMaxPoints},
		{"DB_MAX_OPEN_CONNS", 1, 0, &cfg.SQLiteMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", 1, 0, &cfg.SQLiteMaxIdleConns},
		{"MQTT_PORT", 1883, 1, &cfg.MQTTPort},
	}
	for _, i := range ints {
		v, err := intOr(get, i.key, i.def)
		if err != nil {
			return Config{}, err
		}
		if v < i.min {
			return Config{}, fmt.Errorf("invalid %s %d (must be >= %d)", i.key, v, i.min)
		}
		*i.dst = v
	}

	cfg.StoreDriver = strings.ToLower(get("STORE_DRIVER"))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite"
	}
	switch cfg.StoreDriver {
	case "sqlite", "file", "memory":
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q (allowed: sqlite, file, memory)", cfg.StoreDriver)
	}
	cfg.StateFile = get("STATE_FILE")
	if cfg.StateFile == "" {
		cfg.StateFile = "../dev/state/timestamps.json"
	}

	cfg.SQLiteDriver = get("DB_DRIVER")
	if cfg.SQLiteDriver == "" {
		cfg.SQLiteDriver = "sqlite3"
	}
	cfg.SQLiteDSN = get("DB_DSN")
	cfg.SQLitePath = get("SQLITE_PATH")
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "../dev/sqlite/app.db"
	}

	cfg.MQTTBroker = get("MQTT_BROKER")
	cfg.MQTTClientID = get("MQTT_CLIENT_ID")
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "greennanny-dashboard"
	}
	cfg.MQTTTopicPrefix = strings.TrimRight(get("MQTT_TOPIC_PREFIX"), "/")
	if cfg.MQTTTopicPrefix == "" {
		cfg.MQTTTopicPrefix = "greennanny"
	}

	return cfg, nil
}

func durationOr(get lookup, key string, def time.Duration) (time.Duration, error) {
	s := get(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q (must not be negative)", key, s)
	}
	return d, nil
}

func intOr(get lookup, key string, def int) (int, error) {
	s := get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func boolOr(get lookup, key string, def bool) (bool, error) {
	s := get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return v, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
