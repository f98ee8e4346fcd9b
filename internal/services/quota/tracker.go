// Package quota tracks the rolling daily budget of live report requests.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

// Store persists the quota window. Both methods must be single atomic
// statements so overlapping cycles never lose an increment.
type Store interface {
	NormalizeQuotaWindow(ctx context.Context, now time.Time) (models.QuotaWindow, error)
	IncrementQuotaRequests(ctx context.Context, now time.Time) error
}

// Config holds configuration for the quota tracker.
type Config struct {
	Now              func() time.Time
	MaxDailyRequests int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxDailyRequests: 10000,
		Now:              time.Now,
	}
}

// Tracker decides whether a live report request may be made.
type Tracker struct {
	store  Store
	config Config
}

// New creates a new quota tracker.
func New(store Store, config Config) *Tracker {
	defaults := DefaultConfig()
	if config.MaxDailyRequests <= 0 {
		config.MaxDailyRequests = defaults.MaxDailyRequests
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Tracker{store: store, config: config}
}

// CanProceed resets a stale window and reports whether the window still
// has budget. The first check opens the window with no requests counted.
// Running out of budget is not an error.
func (t *Tracker) CanProceed(ctx context.Context) (bool, error) {
	now := t.config.Now()
	window, err := t.store.NormalizeQuotaWindow(ctx, now)
	if err != nil {
		return false, fmt.Errorf("failed to check quota: %w", err)
	}

	if window.Requests <= t.config.MaxDailyRequests {
		return true, nil
	}

	logger.Warn("daily request quota exhausted",
		"requests", window.Requests,
		"max", t.config.MaxDailyRequests,
		"resets_in", window.ResetsIn(now).Round(time.Minute),
	)
	return false, nil
}

// RecordCall counts one request that reached the remote service. It must
// not be called for cache hits.
func (t *Tracker) RecordCall(ctx context.Context) error {
	if err := t.store.IncrementQuotaRequests(ctx, t.config.Now()); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// Window returns the current, normalized quota window.
func (t *Tracker) Window(ctx context.Context) (models.QuotaWindow, error) {
	window, err := t.store.NormalizeQuotaWindow(ctx, t.config.Now())
	if err != nil {
		return models.QuotaWindow{}, fmt.Errorf("failed to read quota window: %w", err)
	}
	return window, nil
}

// MaxDailyRequests returns the configured daily budget.
func (t *Tracker) MaxDailyRequests() int64 {
	return t.config.MaxDailyRequests
}
