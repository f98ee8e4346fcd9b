package status

import (
	"strings"
	"testing"
	"time"

	"github.com/j-veylop/analytics-counter/internal/models"
)

func TestRender(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := Report{
		Now:       now,
		ProfileID: "ga:123",
		Status: models.SyncStatus{
			Authenticated:     true,
			Cursor:            models.SyncCursor{Step: 2, ChunkSize: 1000},
			Quota:             models.QuotaWindow{StartedAt: now.Add(-2 * time.Hour), Requests: 40},
			MaxDailyRequests:  10000,
			LastCronRun:       now.Add(-5 * time.Minute),
			TotalPaths:        2500,
			TotalPageviews:    123456,
			StoredPaths:       2000,
			StoredAggregates:  12,
			NonZeroAggregates: 9,
			MostRecentQuery:   "https://example.com/ga?start-index=2001",
		},
		TopPaths: []models.PathRecord{
			{Path: "/", Pageviews: 900},
			{Path: "/node/1", Pageviews: 300},
		},
		TopEntities: []models.EntityAggregate{{EntityID: 1, PageviewTotal: 310}},
	}

	out := Render(r, 90)

	for _, want := range []string{
		"authorized",
		"ga:123",
		"rows 2001-3000 (step 2)",
		"40/10000",
		"22h0m0s",
		"123,456",
		"80.0%",
		"/node/1",
		"#1",
		"pageviews by rank",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report lacks %q", want)
		}
	}
	if strings.Contains(out, "not authorized") {
		t.Error("authorized engine reported as unauthorized")
	}
}

func TestRender_Empty(t *testing.T) {
	out := Render(Report{Now: time.Now()}, 0)

	for _, want := range []string{
		"not authorized",
		"never",
		"No paths stored yet",
		"No totals computed yet",
		"no quota configured",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("empty report lacks %q", want)
		}
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := formatTime(time.Time{}, now); got != "never" {
		t.Errorf("formatTime(zero) = %q", got)
	}
	if got := formatTime(now.Add(-90*time.Second), now); !strings.Contains(got, "1m30s ago") {
		t.Errorf("formatTime() = %q", got)
	}
}
