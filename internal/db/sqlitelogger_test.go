package db

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"greennanny-dashboard/internal/config"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu   sync.Mutex
	recs []map[string]slog.Value
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := map[string]slog.Value{"msg": slog.StringValue(r.Message)}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.recs = append(h.recs, m)
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(_ string) slog.Handler { return h }

func (h *captureHandler) last(t *testing.T, msg string) map[string]slog.Value {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.recs) - 1; i >= 0; i-- {
		if h.recs[i]["msg"].String() == msg {
			return h.recs[i]
		}
	}
	t.Fatalf("no %q record logged", msg)
	return nil
}

func openLogged(t *testing.T) (*sql.DB, *captureHandler) {
	t.Helper()
	handler := &captureHandler{}
	db := sql.OpenDB(NewLoggingConnector(":memory:", slog.New(handler)))
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, handler
}

func TestLoggingConnector_execLogged(t *testing.T) {
	db, handler := openLogged(t)

	if _, err := db.Exec(`CREATE TABLE kv (key TEXT PRIMARY KEY, value BLOB)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)`, "cache", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := handler.last(t, "sql")
	if got["op"].String() != "exec" {
		t.Errorf("op = %q; want exec", got["op"].String())
	}
	if got["sql"].String() != `INSERT INTO kv (key, value) VALUES (?, ?)` {
		t.Errorf("sql = %q", got["sql"].String())
	}
	args, ok := got["args"].Any().([]string)
	if !ok || len(args) != 2 || args[0] != "cache" || args[1] != `{"a":1}` {
		t.Errorf("args = %v; want [cache {\"a\":1}]", got["args"].Any())
	}
	if _, ok := got["duration_ms"]; !ok {
		t.Error("expected duration_ms attribute")
	}
}

func TestLoggingConnector_queryLogged(t *testing.T) {
	db, handler := openLogged(t)

	var one int
	if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("query row: %v", err)
	}
	got := handler.last(t, "sql")
	if got["op"].String() != "query" {
		t.Errorf("op = %q; want query", got["op"].String())
	}
	if got["sql"].String() != `SELECT 1` {
		t.Errorf("sql = %q; want SELECT 1", got["sql"].String())
	}
}

func TestLoggingConnector_errorLogged(t *testing.T) {
	db, handler := openLogged(t)

	if _, err := db.Exec(`INSERT INTO missing (x) VALUES (1)`); err == nil {
		t.Fatal("want error inserting into missing table")
	}
	got := handler.last(t, "sql prepare failed")
	if !strings.Contains(got["error"].String(), "missing") {
		t.Errorf("error = %q; want mention of missing table", got["error"].String())
	}
}

func TestNewLoggingConnector_nilLoggerUsesDefault(t *testing.T) {
	c := NewLoggingConnector(":memory:", nil)
	if c.(*loggingConnector).logger == nil {
		t.Fatal("logger is nil")
	}
}

func TestOpen(t *testing.T) {
	t.Run("file path gets pragmas", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "app.db")
		dsn, err := buildDSN(config.Config{SQLitePath: path})
		if err != nil {
			t.Fatalf("buildDSN: %v", err)
		}
		if !strings.HasPrefix(dsn, "file:"+path+"?") || !strings.Contains(dsn, "_journal_mode=WAL") {
			t.Errorf("dsn = %q", dsn)
		}
	})

	t.Run("explicit dsn wins", func(t *testing.T) {
		dsn, err := buildDSN(config.Config{SQLiteDSN: "file::memory:?cache=shared", SQLitePath: "ignored.db"})
		if err != nil {
			t.Fatalf("buildDSN: %v", err)
		}
		if dsn != "file::memory:?cache=shared" {
			t.Errorf("dsn = %q", dsn)
		}
	})

	t.Run("logging and plain both ping", func(t *testing.T) {
		for _, logSQL := range []bool{false, true} {
			cfg := config.Config{
				SQLiteDriver:       "sqlite3",
				SQLitePath:         filepath.Join(t.TempDir(), "app.db"),
				SQLiteMaxOpenConns: 1,
				LogSQL:             logSQL,
			}
			db, err := Open(cfg, slog.New(&captureHandler{}))
			if err != nil {
				t.Fatalf("Open(logSQL=%v): %v", logSQL, err)
			}
			if err := Close(db); err != nil {
				t.Errorf("Close: %v", err)
			}
		}
	})
}
