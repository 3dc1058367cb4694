package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// migration is one schema version; statements run in order.
type migration []string

// Migrate applies every migration newer than the recorded schema version.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at VARCHAR(64) NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	cur, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	latest := len(d.dialect.migrations)
	for v := cur + 1; v <= latest; v++ {
		if err := d.apply(ctx, v); err != nil {
			return err
		}
		d.log.Info("applied migration", zap.Int("version", v), zap.String("driver", d.dialect.name))
	}
	return nil
}

func (d *DB) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := d.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (d *DB) apply(ctx context.Context, version int) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range d.dialect.migrations[version-1] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d failed: %w", version, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
		version, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}

var sqliteMigrations = []migration{
	{
		`CREATE TABLE IF NOT EXISTS items (
  item_id TEXT PRIMARY KEY,
  isbn TEXT NOT NULL,
  title TEXT NOT NULL,
  author TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS open_checkouts (
  checkout_id TEXT PRIMARY KEY,
  item_id TEXT NOT NULL UNIQUE REFERENCES items(item_id),
  borrower_id TEXT NOT NULL,
  checked_out_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_open_checkouts_borrower ON open_checkouts(borrower_id)`,
		`CREATE TABLE IF NOT EXISTS closed_checkouts (
  checkout_id TEXT PRIMARY KEY,
  item_id TEXT NOT NULL REFERENCES items(item_id),
  borrower_id TEXT NOT NULL,
  checked_out_at TIMESTAMP NOT NULL,
  returned_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_checkouts_item ON closed_checkouts(item_id, checked_out_at)`,
	},
	{
		`CREATE TRIGGER IF NOT EXISTS closed_checkouts_no_update BEFORE UPDATE ON closed_checkouts
BEGIN
  SELECT RAISE(ABORT, 'closed checkouts are append-only');
END`,
		`CREATE TRIGGER IF NOT EXISTS closed_checkouts_no_delete BEFORE DELETE ON closed_checkouts
BEGIN
  SELECT RAISE(ABORT, 'closed checkouts are append-only');
END`,
	},
	{
		`CREATE TABLE IF NOT EXISTS checkout_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  checkout_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  borrower_id TEXT NOT NULL,
  occurred_at TIMESTAMP NOT NULL,
  published_at TIMESTAMP NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_checkout_events_unpublished ON checkout_events(published_at, id)`,
	},
}

var postgresMigrations = []migration{
	{
		`CREATE TABLE IF NOT EXISTS items (
  item_id UUID PRIMARY KEY,
  isbn TEXT NOT NULL,
  title TEXT NOT NULL,
  author TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS open_checkouts (
  checkout_id UUID PRIMARY KEY,
  item_id UUID NOT NULL UNIQUE REFERENCES items(item_id),
  borrower_id UUID NOT NULL,
  checked_out_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_open_checkouts_borrower ON open_checkouts(borrower_id)`,
		`CREATE TABLE IF NOT EXISTS closed_checkouts (
  checkout_id UUID PRIMARY KEY,
  item_id UUID NOT NULL REFERENCES items(item_id),
  borrower_id UUID NOT NULL,
  checked_out_at TIMESTAMPTZ NOT NULL,
  returned_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_checkouts_item ON closed_checkouts(item_id, checked_out_at)`,
	},
	{
		`CREATE OR REPLACE FUNCTION reject_closed_checkout_change() RETURNS trigger AS $$
BEGIN
  RAISE EXCEPTION 'closed checkouts are append-only';
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS closed_checkouts_append_only ON closed_checkouts`,
		`CREATE TRIGGER closed_checkouts_append_only BEFORE UPDATE OR DELETE ON closed_checkouts
FOR EACH ROW EXECUTE FUNCTION reject_closed_checkout_change()`,
	},
	{
		`CREATE TABLE IF NOT EXISTS checkout_events (
  id BIGSERIAL PRIMARY KEY,
  event_id UUID NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  checkout_id UUID NOT NULL,
  item_id UUID NOT NULL,
  borrower_id UUID NOT NULL,
  occurred_at TIMESTAMPTZ NOT NULL,
  published_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_checkout_events_unpublished ON checkout_events(id) WHERE published_at IS NULL`,
	},
}

var mysqlMigrations = []migration{
	{
		`CREATE TABLE IF NOT EXISTS items (
  item_id CHAR(36) PRIMARY KEY,
  isbn VARCHAR(32) NOT NULL,
  title VARCHAR(512) NOT NULL,
  author VARCHAR(512) NOT NULL,
  created_at DATETIME(6) NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS open_checkouts (
  checkout_id CHAR(36) PRIMARY KEY,
  item_id CHAR(36) NOT NULL UNIQUE,
  borrower_id CHAR(36) NOT NULL,
  checked_out_at DATETIME(6) NOT NULL,
  INDEX idx_open_checkouts_borrower (borrower_id),
  FOREIGN KEY (item_id) REFERENCES items(item_id)
)`,
		`CREATE TABLE IF NOT EXISTS closed_checkouts (
  checkout_id CHAR(36) PRIMARY KEY,
  item_id CHAR(36) NOT NULL,
  borrower_id CHAR(36) NOT NULL,
  checked_out_at DATETIME(6) NOT NULL,
  returned_at DATETIME(6) NOT NULL,
  INDEX idx_closed_checkouts_item (item_id, checked_out_at),
  FOREIGN KEY (item_id) REFERENCES items(item_id)
)`,
	},
	{
		// MySQL commits DDL implicitly, so a half-applied version must be
		// replayable.
		`DROP TRIGGER IF EXISTS closed_checkouts_no_update`,
		`DROP TRIGGER IF EXISTS closed_checkouts_no_delete`,
		`CREATE TRIGGER closed_checkouts_no_update BEFORE UPDATE ON closed_checkouts
FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'closed checkouts are append-only'`,
		`CREATE TRIGGER closed_checkouts_no_delete BEFORE DELETE ON closed_checkouts
FOR EACH ROW SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'closed checkouts are append-only'`,
	},
	{
		`CREATE TABLE IF NOT EXISTS checkout_events (
  id BIGINT AUTO_INCREMENT PRIMARY KEY,
  event_id CHAR(36) NOT NULL UNIQUE,
  event_type VARCHAR(64) NOT NULL,
  checkout_id CHAR(36) NOT NULL,
  item_id CHAR(36) NOT NULL,
  borrower_id CHAR(36) NOT NULL,
  occurred_at DATETIME(6) NOT NULL,
  published_at DATETIME(6) NULL,
  INDEX idx_checkout_events_unpublished (published_at, id)
)`,
	},
}
