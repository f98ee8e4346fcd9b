package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCacheEntry returns the cached value for key when it has not expired at
// now.
func (db *DB) GetCacheEntry(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var value []byte
	err := db.QueryRowContext(ctx,
		"SELECT value FROM response_cache WHERE cache_key = ? AND expires_at > ?",
		key, now.Unix(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return value, true, nil
}

// SetCacheEntry stores value under key, replacing any previous entry.
func (db *DB) SetCacheEntry(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO response_cache (cache_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, key, value, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes entries expired at now and returns how many.
func (db *DB) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM response_cache WHERE expires_at <= ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return res.RowsAffected()
}

// ClearCache deletes every cache entry.
func (db *DB) ClearCache(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM response_cache"); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
