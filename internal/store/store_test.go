package store

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"greennanny-dashboard/internal/migrate"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	})
	if err := migrate.Run(context.Background(), db, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// exercise runs the PersistentStore contract against s.
func exercise(t *testing.T, s PersistentStore) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want false, nil", ok, err)
	}

	if err := s.Set(ctx, "cache", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "cache", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, ok, err := s.Get(ctx, "cache")
	if err != nil || !ok {
		t.Fatalf("Get(cache) = ok %v, err %v", ok, err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Get(cache) = %s; want {\"v\":2}", got)
	}

	if err := s.Set(ctx, "other", []byte("x")); err != nil {
		t.Fatalf("Set(other): %v", err)
	}
	got, _, _ = s.Get(ctx, "cache")
	if string(got) != `{"v":2}` {
		t.Errorf("Get(cache) after unrelated Set = %s", got)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())

	t.Run("values are copied", func(t *testing.T) {
		m := NewMemory()
		v := []byte("abc")
		_ = m.Set(context.Background(), "k", v)
		v[0] = 'z'
		got, _, _ := m.Get(context.Background(), "k")
		if string(got) != "abc" {
			t.Errorf("Get = %s; want abc", got)
		}
	})
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "timestamps.json")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	exercise(t, f)

	t.Run("survives reopen", func(t *testing.T) {
		reopened, err := NewFile(path)
		if err != nil {
			t.Fatal(err)
		}
		got, ok, err := reopened.Get(context.Background(), "cache")
		if err != nil || !ok || string(got) != `{"v":2}` {
			t.Errorf("Get after reopen = %s, %v, %v", got, ok, err)
		}
	})

	t.Run("corrupt document is an error", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
			t.Fatal(err)
		}
		f, _ := NewFile(bad)
		if _, _, err := f.Get(context.Background(), "cache"); err == nil {
			t.Error("want decode error")
		}
	})
}

func TestSQLite(t *testing.T) {
	s := NewSQLite(setupTestDB(t))
	exercise(t, s)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSQLite_commandLog(t *testing.T) {
	s := NewSQLite(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	entries := []CommandEntry{
		{Command: "takeMeasurement", OK: true, Message: "Measurement taken", Time: base},
		{Command: "controlPump", Params: `{"on":true,"duration":30}`, OK: true, Time: base.Add(time.Minute)},
		{Command: "restartSystem", OK: false, Message: "timeout", Time: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s): %v", e.Command, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d entries", len(got))
	}
	if got[0].Command != "restartSystem" || got[0].OK {
		t.Errorf("got[0] = %+v; want failed restartSystem", got[0])
	}
	if got[1].Params != `{"on":true,"duration":30}` {
		t.Errorf("got[1].Params = %q", got[1].Params)
	}
	if !got[1].Time.Equal(base.Add(time.Minute)) {
		t.Errorf("got[1].Time = %v; want %v", got[1].Time, base.Add(time.Minute))
	}
}

func TestMemoryCommandLog(t *testing.T) {
	l := NewMemoryCommandLog(2)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		_ = l.Record(ctx, CommandEntry{Command: c})
	}
	got, _ := l.Recent(ctx, 10)
	if len(got) != 2 || got[0].Command != "c" || got[1].Command != "b" {
		t.Errorf("Recent = %+v; want [c b]", got)
	}
	if got[0].ID != 3 {
		t.Errorf("ID = %d; want 3", got[0].ID)
	}
}
