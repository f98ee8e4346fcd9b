// Package db manages the database connection
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection with application-specific methods.
type DB struct {
	*sql.DB
	path string
}

// New creates a new database connection and initializes the schema.
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.PingContext(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		DB:   sqlDB,
		path: path,
	}

	if err := db.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := db.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// configure sets up database pragmas for optimal performance.
func (db *DB) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (db *DB) createSchema() error {
	creators := []func() error{
		db.createPageCountsTable,
		db.createEntityTotalsTable,
		db.createLegacyCounterTable,
		db.createSyncTables,
		db.createTokensTable,
		db.createResponseCacheTable,
		db.createPathAliasTable,
		db.createWorkQueueTable,
	}
	for _, create := range creators {
		if err := create(); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) createPageCountsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS page_counts (
		path_hash TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		pageviews INTEGER NOT NULL DEFAULT 0 CHECK (pageviews >= 0)
	);
	CREATE INDEX IF NOT EXISTS idx_page_counts_pageviews ON page_counts(pageviews);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createEntityTotalsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS entity_totals (
		entity_id INTEGER PRIMARY KEY,
		pageview_total INTEGER NOT NULL DEFAULT 0 CHECK (pageview_total >= 0)
	);
	CREATE INDEX IF NOT EXISTS idx_entity_totals_total ON entity_totals(pageview_total);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createLegacyCounterTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS legacy_counter (
		entity_id INTEGER PRIMARY KEY,
		total_count INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createSyncTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		step INTEGER NOT NULL DEFAULT 0 CHECK (step >= 0)
	);
	CREATE TABLE IF NOT EXISTS quota_window (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		started_at INTEGER NOT NULL DEFAULT 0,
		requests INTEGER NOT NULL DEFAULT 0 CHECK (requests >= 0)
	);
	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createTokensTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_tokens (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT,
		expires_at INTEGER,
		refresh_token TEXT
	);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createResponseCacheTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS response_cache (
		cache_key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createPathAliasTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS path_alias (
		entity_id INTEGER NOT NULL,
		langcode TEXT NOT NULL,
		alias TEXT NOT NULL,
		PRIMARY KEY (entity_id, langcode)
	);
	CREATE INDEX IF NOT EXISTS idx_path_alias_alias ON path_alias(alias);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

func (db *DB) createWorkQueueTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS work_queue (
		entity_id INTEGER PRIMARY KEY,
		enqueued_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_queue_enqueued ON work_queue(enqueued_at);
	`
	_, err := db.ExecContext(context.Background(), query)
	return err
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	// Checkpoint WAL before closing
	_, _ = db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return db.DB.Close()
}

// Vacuum performs database maintenance to reclaim space.
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
