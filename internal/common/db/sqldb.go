package db

import (
	"context"
	"database/sql"
	"fmt"
)

// sqlDB adapts a *sql.DB to Database. MySQL and SQLite both embed it and only
// differ in how the pool is opened.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

func (s *sqlDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &sqlRow{row: s.db.QueryRowContext(ctx, query, args...)}
}

func (s *sqlDB) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return result, nil
}

// Transaction runs fn inside a transaction and commits when fn returns nil.
func (s *sqlDB) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, ConvertTxOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("begin transaction failed: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

func (s *sqlDB) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

func (s *sqlDB) Stats() Stats {
	return ConvertSQLStats(s.db.Stats())
}

// GetDB returns the underlying pool.
func (s *sqlDB) GetDB() *sql.DB {
	return s.db
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Scan(dest ...interface{}) error {
	if err := r.rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

func (r *sqlRows) Close() error { return r.rows.Close() }

func (r *sqlRows) Err() error { return r.rows.Err() }

type sqlRow struct {
	row *sql.Row
}

// Scan keeps sql.ErrNoRows matchable through IsNoRows.
func (r *sqlRow) Scan(dest ...interface{}) error {
	if err := r.row.Scan(dest...); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return &sqlRow{row: t.tx.QueryRowContext(ctx, query, args...)}
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction exec failed: %w", err)
	}
	return result, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}
