package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the configuration for the MySQL connection pool.
type MySQLConfig struct {
	// DSN format: "user:password@tcp(host:port)/dbname?parseTime=true&loc=UTC"
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
}

func (c *MySQLConfig) applyDefaults() {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 25
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
}

// MySQL implements Database on the go-sql-driver pool.
type MySQL struct {
	sqlDB
	config MySQLConfig
}

// NewMySQL opens and pings a MySQL pool.
func NewMySQL(ctx context.Context, config MySQLConfig) (*MySQL, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	config.applyDefaults()

	pool, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	pool.SetMaxOpenConns(config.MaxOpenConnections)
	pool.SetMaxIdleConns(config.MaxIdleConnections)
	pool.SetConnMaxLifetime(config.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &MySQL{sqlDB: sqlDB{db: pool}, config: config}, nil
}

// Config returns the effective pool configuration.
func (m *MySQL) Config() MySQLConfig {
	return m.config
}
