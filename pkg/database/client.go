// Package database provides the relational store client and migration
// utilities. SQLite is the default engine; PostgreSQL is supported for
// server deployments.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // register sqlite3 driver
)

// Driver names accepted by Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration for either engine.
type Config struct {
	Driver string

	// SQLite
	Path string

	// PostgreSQL
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the sqlx handle plus the driver identity queries may need.
type Client struct {
	db     *sqlx.DB
	driver string
}

// DB returns the underlying sqlx handle for queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Driver returns DriverSQLite or DriverPostgres.
func (c *Client) Driver() string {
	return c.driver
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the database, configures pooling, verifies connectivity,
// and applies pending embedded migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == DriverSQLite && isMemoryPath(cfg.Path) {
		// every connection to :memory: without a shared cache is a fresh
		// database; a single connection keeps the schema visible
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(cfg, db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, driver: cfg.Driver}, nil
}

// buildDSN maps Config to a driver name and connection string.
func buildDSN(cfg Config) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			return "", "", fmt.Errorf("sqlite requires a database path")
		}
		if isMemoryPath(path) {
			path = ":memory:"
		}
		// _loc keeps scanned timestamps in UTC; busy_timeout rides out
		// writer contention instead of returning SQLITE_BUSY
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_loc=UTC", path)
		return "sqlite3", dsn, nil
	case DriverPostgres:
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// HealthStatus represents database health and connection pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health checks connectivity and reports connection pool statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	return health(ctx, c.db.DB)
}

func health(ctx context.Context, db *stdsql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}

// Redacted renders the target for logs without credentials.
func (cfg Config) Redacted() string {
	if cfg.Driver == DriverPostgres {
		return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
	}
	return "sqlite://" + cfg.Path
}
