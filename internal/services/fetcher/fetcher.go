// Package fetcher pages through the remote pageview report one chunk per
// invocation, resuming from a persisted cursor.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/j-veylop/analytics-counter/internal/config"
	"github.com/j-veylop/analytics-counter/internal/db"
	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
	"github.com/j-veylop/analytics-counter/internal/services/cache"
)

// ErrCursorMoved means another cycle advanced the cursor first. The rows
// of this cycle were still stored.
var ErrCursorMoved = errors.New("cursor moved by a concurrent cycle")

// Report query constants.
const (
	MetricPageviews   = "ga:pageviews"
	DimensionPagePath = "ga:pagePath"
	SortByPageviews   = "-ga:pageviews"
)

// Store persists the cursor and diagnostic state.
type Store interface {
	GetCursorStep(ctx context.Context) (int, error)
	CompareAndSetCursorStep(ctx context.Context, oldStep, newStep int) (bool, error)
	SetStates(ctx context.Context, values map[string]string) error
}

// QuotaGate decides whether a live request may be made.
type QuotaGate interface {
	CanProceed(ctx context.Context) (bool, error)
	RecordCall(ctx context.Context) error
}

// TokenSource supplies a valid bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Reporter fetches one report page.
type Reporter interface {
	Fetch(ctx context.Context, token string, q models.Query) (*models.RemoteResult, error)
}

// ResultCache holds report pages between live fetches.
type ResultCache interface {
	Get(ctx context.Context, key string) (*models.RemoteResult, bool, error)
	Set(ctx context.Context, key string, value *models.RemoteResult, ttl time.Duration) error
}

// RowSink receives the rows of each chunk.
type RowSink interface {
	UpsertRows(ctx context.Context, rows []models.Row) error
}

// Config holds configuration for the fetcher.
type Config struct {
	Now            func() time.Time
	ProfileID      string
	StartDate      string
	FixedStartDate string
	FixedEndDate   string
	Filters        string
	Segment        string
	ChunkSize      int
	CacheLength    time.Duration
}

// Deps groups the collaborators of a Fetcher.
type Deps struct {
	Store    Store
	Quota    QuotaGate
	Tokens   TokenSource
	Reporter Reporter
	Cache    ResultCache
	Paths    RowSink
}

// SkipReason explains why a cycle made no request.
type SkipReason string

// SkipQuota means the daily request budget is used up.
const SkipQuota SkipReason = "quota exhausted"

// Outcome describes one fetch cycle.
type Outcome struct {
	Skipped      SkipReason
	Step         int
	NextStep     int
	StartIndex   int
	Rows         int
	TotalResults int64
	Duration     time.Duration
	FromCache    bool
}

// Fetcher drives the chunked fetch.
type Fetcher struct {
	deps   Deps
	config Config
}

// New creates a fetcher.
func New(deps Deps, cfg Config) *Fetcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	return &Fetcher{deps: deps, config: cfg}
}

// Next fetches the chunk the cursor points at, stores its rows and
// advances the cursor. A cycle that fails or is skipped leaves the cursor
// where it was, so the same chunk is tried again next time.
func (f *Fetcher) Next(ctx context.Context) (*Outcome, error) {
	begin := time.Now()
	now := f.config.Now()

	step, err := f.deps.Store.GetCursorStep(ctx)
	if err != nil {
		return nil, err
	}

	cursor := models.SyncCursor{Step: step, ChunkSize: f.config.ChunkSize}
	out := &Outcome{Step: step, NextStep: step, StartIndex: cursor.StartIndex()}

	q, err := f.BuildQuery(out.StartIndex, now)
	if err != nil {
		return nil, err
	}
	key, err := cache.KeyFor(q)
	if err != nil {
		return nil, err
	}

	result, hit, err := f.deps.Cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	out.FromCache = hit

	if !hit {
		ok, err := f.deps.Quota.CanProceed(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			out.Skipped = SkipQuota
			return out, nil
		}

		result, err = f.fetchLive(ctx, key, q)
		if err != nil {
			return nil, err
		}
	}

	if err := f.deps.Paths.UpsertRows(ctx, result.Rows); err != nil {
		return nil, err
	}

	out.Rows = len(result.Rows)
	out.TotalResults = result.TotalResults
	out.NextStep = nextStep(cursor, result.TotalResults)
	out.Duration = time.Since(begin)

	if err := f.recordDiagnostics(ctx, result, out.Duration); err != nil {
		return nil, err
	}

	moved, err := f.deps.Store.CompareAndSetCursorStep(ctx, step, out.NextStep)
	if err != nil {
		return nil, err
	}
	if !moved {
		return out, ErrCursorMoved
	}

	logger.Info("chunk stored",
		"start_index", out.StartIndex,
		"rows", out.Rows,
		"total_results", out.TotalResults,
		"next_step", out.NextStep,
		"from_cache", out.FromCache,
	)
	return out, nil
}

// fetchLive makes the remote call for a cache miss, counts it against the
// quota and caches the result.
func (f *Fetcher) fetchLive(ctx context.Context, key string, q models.Query) (*models.RemoteResult, error) {
	token, err := f.deps.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	result, err := f.deps.Reporter.Fetch(ctx, token, q)
	if err != nil {
		logger.Warn("report fetch failed; cursor not advanced", "start_index", q.StartIndex, "error", err)
		return nil, err
	}

	if err := f.deps.Quota.RecordCall(ctx); err != nil {
		return nil, err
	}
	if err := f.deps.Cache.Set(ctx, key, result, f.config.CacheLength); err != nil {
		return nil, err
	}
	return result, nil
}

// nextStep advances past a chunk, or wraps to 0 once the chunk reached
// the end of the result set.
func nextStep(c models.SyncCursor, totalResults int64) int {
	if totalResults <= 0 {
		return 0
	}
	last := int64(c.StartIndex() + c.ChunkSize - 1)
	if last < totalResults {
		return c.Step + 1
	}
	return 0
}

// BuildQuery returns the report query for the chunk starting at
// startIndex. Without fixed dates the range ends tomorrow to absorb the
// time zone difference with the reporting service.
func (f *Fetcher) BuildQuery(startIndex int, now time.Time) (models.Query, error) {
	start, end, err := f.dateRange(now)
	if err != nil {
		return models.Query{}, err
	}

	profile := strings.TrimSpace(f.config.ProfileID)
	if profile == "" {
		return models.Query{}, fmt.Errorf("report profile id is not configured")
	}
	if !strings.HasPrefix(profile, "ga:") {
		profile = "ga:" + profile
	}

	return models.Query{
		ProfileID:  profile,
		Filters:    f.config.Filters,
		Segment:    f.config.Segment,
		StartDate:  start,
		EndDate:    end,
		Metrics:    []string{MetricPageviews},
		Dimensions: []string{DimensionPagePath},
		Sort:       []string{SortByPageviews},
		StartIndex: startIndex,
		MaxResults: f.config.ChunkSize,
	}, nil
}

func (f *Fetcher) dateRange(now time.Time) (string, string, error) {
	if f.config.FixedStartDate != "" && f.config.FixedEndDate != "" {
		return f.config.FixedStartDate, f.config.FixedEndDate, nil
	}

	lookback := f.config.StartDate
	if lookback == "" {
		lookback = "-1 year"
	}
	start, err := config.ResolveStartDate(lookback, now)
	if err != nil {
		return "", "", err
	}
	return start.Format(config.DateLayout), now.AddDate(0, 0, 1).Format(config.DateLayout), nil
}

func (f *Fetcher) recordDiagnostics(ctx context.Context, result *models.RemoteResult, took time.Duration) error {
	values := map[string]string{
		db.StateTotalPaths:       strconv.FormatInt(result.TotalResults, 10),
		db.StateTotalPageviews:   strconv.FormatInt(result.TotalPageviews, 10),
		db.StateMostRecentQuery:  result.SelfLink,
		db.StateChunkProcessTime: strconv.FormatInt(took.Milliseconds(), 10),
	}
	if !result.DataLastRefreshed.IsZero() {
		values[db.StateDataLastRefreshed] = strconv.FormatInt(result.DataLastRefreshed.Unix(), 10)
	}
	return f.deps.Store.SetStates(ctx, values)
}
