// Package storage is the relational backend of the circulation core. It
// supports PostgreSQL, MySQL and SQLite through sqlx; queries are written with
// '?' placeholders and rebound for the configured driver.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// Config describes how to reach the database.
type Config struct {
	Driver string
	// DSN is a connection string for postgres and mysql, and a file path (or
	// "file:" URI) for sqlite3.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// BusyTimeout applies to sqlite3 only.
	BusyTimeout time.Duration
}

// DB is a migrated connection pool bound to one dialect.
type DB struct {
	*sqlx.DB
	dialect *dialect
	log     *zap.Logger
	tracer  trace.Tracer
}

// Open connects, checks the connection and applies pending migrations.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s dsn: %w", d.name, err)
	}

	db, err := sqlx.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	wdb := &DB{
		DB:      db,
		dialect: d,
		log:     log,
		tracer:  otel.Tracer("librarycheckout/storage"),
	}
	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("database ready", zap.String("driver", d.name))
	return wdb, nil
}

// Driver returns the driver name the pool was opened with.
func (d *DB) Driver() string { return d.dialect.name }
