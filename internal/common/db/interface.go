package db

import (
	"context"
	"database/sql"
	"time"
)

// Database is the connection-pool level handle used by repositories.
type Database interface {
	Querier
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)
	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Transaction is a Querier bound to one database transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows iterates over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// TxOptions mirrors sql.TxOptions without leaking database/sql to callers.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// Stats is a snapshot of pool statistics.
type Stats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
}

// ConvertTxOptions converts TxOptions to sql.TxOptions.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

// ConvertSQLStats converts sql.DBStats to Stats.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}
