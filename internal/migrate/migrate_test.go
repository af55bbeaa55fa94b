package migrate

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_embeddedSchema(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()

	if err := Run(ctx, db, quietLogger()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, table := range []string{"kv_store", "command_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Second run is a no-op.
	if err := Run(ctx, db, quietLogger()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("schema_migrations rows = %d; want 2", n)
	}
}

func TestRun_ordersAndSkipsUnrelatedFiles(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"sql/0002_second.sql": {Data: []byte(`INSERT INTO steps (n) VALUES (2);`)},
		"sql/0001_first.sql":  {Data: []byte(`CREATE TABLE steps (n INTEGER); INSERT INTO steps (n) VALUES (1);`)},
		"sql/README.md":       {Data: []byte(`not a migration`)},
	}

	if err := run(context.Background(), db, fsys, quietLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := db.Query(`SELECT n FROM steps ORDER BY rowid`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var got []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		got = append(got, n)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("steps = %v; want [1 2]", got)
	}
}

func TestRun_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	fsys := fstest.MapFS{
		"sql/0001_broken.sql": {Data: []byte(`CREATE TABLE half (n INTEGER); INSERT INTO nowhere VALUES (1);`)},
	}

	if err := run(context.Background(), db, fsys, quietLogger()); err == nil {
		t.Fatal("want error from broken migration")
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("schema_migrations rows = %d; want 0", n)
	}
}
