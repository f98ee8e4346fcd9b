package models

import "time"

// QuotaWindowLength is the length of the rolling request quota window.
const QuotaWindowLength = 24 * time.Hour

// SyncCursor tracks progress through a multi-invocation paginated fetch.
type SyncCursor struct {
	Step      int
	ChunkSize int
}

// StartIndex returns the 1-based index of the first remote row of the next
// chunk. A chunk size changed mid-cycle is applied to the old step as is.
func (c SyncCursor) StartIndex() int {
	return c.Step*c.ChunkSize + 1
}

// QuotaWindow is the rolling 24 hour accounting period for remote calls.
type QuotaWindow struct {
	StartedAt time.Time
	Requests  int64
}

// IsStale reports whether the window has run its full length at now.
func (w QuotaWindow) IsStale(now time.Time) bool {
	return now.Sub(w.StartedAt) >= QuotaWindowLength
}

// ResetsIn returns how long until the window clears.
func (w QuotaWindow) ResetsIn(now time.Time) time.Duration {
	left := w.StartedAt.Add(QuotaWindowLength).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// SyncStatus is a diagnostic snapshot of the sync engine.
type SyncStatus struct {
	LastCronRun       time.Time
	DataLastRefreshed time.Time
	Quota             QuotaWindow
	MostRecentQuery   string
	Cursor            SyncCursor
	TotalPaths        int64
	TotalPageviews    int64
	StoredPaths       int64
	StoredAggregates  int64
	NonZeroAggregates int64
	LegacyCounters    int64
	QueueLength       int64
	ChunkProcessTime  time.Duration
	MaxDailyRequests  int64
	Authenticated     bool
}
