package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite implements Database on the pure-Go modernc driver. It backs local
// runs and repository tests.
type SQLite struct {
	sqlDB
}

// NewSQLite opens the database at path. ":memory:" keeps a single shared
// connection so every query sees the same schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	pool.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, stmt := range pragmas {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return &SQLite{sqlDB: sqlDB{db: pool}}, nil
}
