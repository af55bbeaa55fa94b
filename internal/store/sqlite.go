package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/get-value.sql
var getValueSQL string

//go:embed sql/set-value.sql
var setValueSQL string

//go:embed sql/insert-command.sql
var insertCommandSQL string

//go:embed sql/get-recent-commands.sql
var getRecentCommandsSQL string

// SQLite stores values in the kv_store table and commands in command_log.
// The schema comes from package migrate.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, getValueSQL, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, setValueSQL, key, value); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Ping reports whether the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	var ok int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok)
}

func (s *SQLite) Record(ctx context.Context, e CommandEntry) error {
	params := e.Params
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx, insertCommandSQL, e.Command, params, e.OK, e.Message, e.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]CommandEntry, error) {
	rows, err := s.db.QueryContext(ctx, getRecentCommandsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close command rows", "error", err)
		}
	}()

	out := []CommandEntry{}
	for rows.Next() {
		var (
			e  CommandEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Command, &e.Params, &e.OK, &e.Message, &ms); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
