package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/j-veylop/analytics-counter/internal/models"
)

// GetCursorStep returns the persisted cursor step, 0 when never set.
func (db *DB) GetCursorStep(ctx context.Context) (int, error) {
	var step int
	err := db.QueryRowContext(ctx, "SELECT step FROM sync_cursor WHERE id = 1").Scan(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor step: %w", err)
	}
	return step, nil
}

// CompareAndSetCursorStep moves the cursor from oldStep to newStep. It
// reports false without writing when the stored step is no longer oldStep.
func (db *DB) CompareAndSetCursorStep(ctx context.Context, oldStep, newStep int) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, step) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET step = excluded.step
		WHERE sync_cursor.step = ?
	`, newStep, oldStep)
	if err != nil {
		return false, fmt.Errorf("failed to set cursor step: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set cursor step: %w", err)
	}
	// A missing row is inserted regardless of oldStep; a missing row reads
	// as step 0 so only oldStep == 0 can observe it.
	return n > 0, nil
}

// ResetCursor sets the cursor step back to 0.
func (db *DB) ResetCursor(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_cursor (id, step) VALUES (1, 0)
		ON CONFLICT(id) DO UPDATE SET step = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// NormalizeQuotaWindow resets the quota window when it started a full
// window length or more before now, creating it on first use, and returns
// the resulting window. The reset is one conditional statement.
func (db *DB) NormalizeQuotaWindow(ctx context.Context, now time.Time) (models.QuotaWindow, error) {
	length := int64(models.QuotaWindowLength / time.Second)
	_, err := db.ExecContext(ctx, `
		INSERT INTO quota_window (id, started_at, requests) VALUES (1, ?, 0)
		ON CONFLICT(id) DO UPDATE SET started_at = excluded.started_at, requests = 0
		WHERE ? - quota_window.started_at >= ?
	`, now.Unix(), now.Unix(), length)
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("failed to normalize quota window: %w", err)
	}
	return db.GetQuotaWindow(ctx)
}

// GetQuotaWindow returns the stored quota window without normalizing it.
func (db *DB) GetQuotaWindow(ctx context.Context) (models.QuotaWindow, error) {
	var startedAt, requests int64
	err := db.QueryRowContext(ctx,
		"SELECT started_at, requests FROM quota_window WHERE id = 1",
	).Scan(&startedAt, &requests)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QuotaWindow{StartedAt: time.Unix(0, 0)}, nil
	}
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("failed to get quota window: %w", err)
	}
	return models.QuotaWindow{StartedAt: time.Unix(startedAt, 0), Requests: requests}, nil
}

// IncrementQuotaRequests adds one live request to the quota window in a
// single statement. A missing window is started at now.
func (db *DB) IncrementQuotaRequests(ctx context.Context, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO quota_window (id, started_at, requests) VALUES (1, ?, 1)
		ON CONFLICT(id) DO UPDATE SET requests = quota_window.requests + 1
	`, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to increment quota requests: %w", err)
	}
	return nil
}

// ResetQuotaWindow removes the quota window so the next check starts fresh.
func (db *DB) ResetQuotaWindow(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM quota_window"); err != nil {
		return fmt.Errorf("failed to reset quota window: %w", err)
	}
	return nil
}

// Keys of the diagnostic sync_state entries.
const (
	StateTotalPaths        = "total_paths"
	StateTotalPageviews    = "total_pageviews"
	StateMostRecentQuery   = "most_recent_query"
	StateDataLastRefreshed = "data_last_refreshed"
	StateChunkProcessTime  = "chunk_process_time"
	StateLastCronRun       = "last_cron_run"
)

// SetStates writes several diagnostic values in one transaction.
func (db *DB) SetStates(ctx context.Context, values map[string]string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		if err != nil {
			return fmt.Errorf("failed to set state %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// GetState returns a diagnostic value and whether it was set.
func (db *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, true, nil
}

// GetStateInt returns a diagnostic value parsed as an integer, 0 if unset.
func (db *DB) GetStateInt(ctx context.Context, key string) (int64, error) {
	value, ok, err := db.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("state %s is not an integer: %w", key, err)
	}
	return n, nil
}

// ClearStates removes every diagnostic value.
func (db *DB) ClearStates(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// LoadTokens returns the persisted OAuth tokens; absent fields are zero.
func (db *DB) LoadTokens(ctx context.Context) (models.TokenState, error) {
	var access, refresh sql.NullString
	var expires sql.NullInt64
	err := db.QueryRowContext(ctx,
		"SELECT access_token, expires_at, refresh_token FROM oauth_tokens WHERE id = 1",
	).Scan(&access, &expires, &refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TokenState{}, nil
	}
	if err != nil {
		return models.TokenState{}, fmt.Errorf("failed to load tokens: %w", err)
	}

	state := models.TokenState{
		AccessToken:  access.String,
		RefreshToken: refresh.String,
	}
	if expires.Valid {
		state.ExpiresAt = time.Unix(expires.Int64, 0)
	}
	return state, nil
}

// SaveTokens overwrites all three token fields.
func (db *DB) SaveTokens(ctx context.Context, state models.TokenState) error {
	var expires sql.NullInt64
	if !state.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: state.ExpiresAt.Unix(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, access_token, expires_at, refresh_token) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			refresh_token = excluded.refresh_token
	`, nullString(state.AccessToken), expires, nullString(state.RefreshToken))
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// SaveAccessToken replaces the access token and its expiry, keeping the
// stored refresh token.
func (db *DB) SaveAccessToken(ctx context.Context, accessToken string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (id, access_token, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at
	`, nullString(accessToken), expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// ClearTokens deletes all token fields.
func (db *DB) ClearTokens(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM oauth_tokens"); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}
