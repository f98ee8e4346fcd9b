package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/j-veylop/analytics-counter/internal/config"
	"github.com/j-veylop/analytics-counter/internal/db"
	"github.com/j-veylop/analytics-counter/internal/models"
	"github.com/j-veylop/analytics-counter/internal/services/auth"
	"github.com/j-veylop/analytics-counter/internal/services/credentials"
	"github.com/j-veylop/analytics-counter/internal/services/fetcher"
)

// reportRows is the full remote result set, sorted by pageviews.
var reportRows = [][]string{
	{"/node/1", "5"},
	{"/about", "3"},
	{"/node/1/", "2"},
}

type reportServer struct {
	*httptest.Server
	requests atomic.Int64
	mu       sync.Mutex
	auth     []string
}

func newReportServer(t *testing.T) *reportServer {
	t.Helper()
	rs := &reportServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.requests.Add(1)
		rs.mu.Lock()
		rs.auth = append(rs.auth, r.Header.Get("Authorization"))
		rs.mu.Unlock()

		start, _ := strconv.Atoi(r.URL.Query().Get("start-index"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("max-results"))

		var rows []string
		for i := start - 1; i >= 0 && i < len(reportRows) && i < start-1+limit; i++ {
			rows = append(rows, fmt.Sprintf("[%q,%q]", reportRows[i][0], reportRows[i][1]))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"selfLink": "https://example.com/ga?start-index=%d",
			"totalResults": %d,
			"totalsForAllResults": {"ga:pageviews": "10"},
			"columnHeaders": [{"name": "ga:pagePath"}, {"name": "ga:pageviews"}],
			"rows": [%s]
		}`, start, len(reportRows), strings.Join(rows, ","))
	}))
	t.Cleanup(rs.Close)
	return rs
}

type testManager struct {
	*Manager
	clock    *time.Time
	notified *atomic.Int64
}

func newTestManager(t *testing.T, reportURL string, mutate func(*config.Config)) *testManager {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DatabasePath:       filepath.Join(dir, "test.db"),
		CredentialsPath:    filepath.Join(dir, "credentials.json"),
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		ReportURL:          reportURL,
		ProfileID:          "123",
		StartDate:          "-1 year",
		ChunkSize:          2,
		DayQuota:           100,
		CacheLength:        time.Hour,
		RequestTimeout:     5 * time.Second,
		CronInterval:       30 * time.Minute,
		EntityPathPattern:  "/node/%d",
		Languages:          []config.Language{{Code: "en"}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	notified := &atomic.Int64{}
	mgr, err := newManager(cfg, options{
		now: func() time.Time { return clock },
		notify: func(string, string) error {
			notified.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("newManager() failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	return &testManager{Manager: mgr, clock: &clock, notified: notified}
}

func (tm *testManager) authorize(t *testing.T) {
	t.Helper()
	err := tm.Database().SaveTokens(context.Background(), models.TokenState{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    tm.clock.Add(6 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func drainEvents(m *Manager) []ServiceEvent {
	var events []ServiceEvent
	for {
		select {
		case ev := <-m.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestNewManager(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DatabasePath:    filepath.Join(dir, "test.db"),
		CredentialsPath: filepath.Join(dir, "credentials.json"),
		ChunkSize:       1000,
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer func() { _ = mgr.Close() }()

	if mgr.Database() == nil || mgr.Tokens() == nil || mgr.Credentials() == nil {
		t.Error("core services should be initialized")
	}
	if mgr.Paths() == nil || mgr.Aggregates() == nil || mgr.Resolver() == nil || mgr.Cache() == nil {
		t.Error("storage services should be initialized")
	}
	if mgr.notify != nil {
		t.Error("notifications are off unless configured")
	}
}

func TestManager_RunCron_EndToEnd(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)
	ctx := context.Background()

	if err := tm.Database().SetPathAlias(ctx, models.PathAlias{EntityID: 1, Langcode: "en", Alias: "/about"}); err != nil {
		t.Fatal(err)
	}

	rep, err := tm.RunCron(ctx, false)
	if err != nil {
		t.Fatalf("RunCron() failed: %v", err)
	}
	if rep.Skipped || rep.FetchError != nil {
		t.Fatalf("first cycle = %+v", rep)
	}
	if rep.Fetch.Rows != 2 || rep.Fetch.NextStep != 1 {
		t.Errorf("fetch outcome = %+v", rep.Fetch)
	}
	if rep.Enqueued != 1 || rep.Aggregated != 1 {
		t.Errorf("enqueued %d, aggregated %d; want 1, 1", rep.Enqueued, rep.Aggregated)
	}

	agg, err := tm.Aggregates().Get(ctx, 1)
	if err != nil || agg == nil || agg.PageviewTotal != 8 {
		t.Fatalf("aggregate after first chunk = %+v, %v; want 8", agg, err)
	}

	// within the cron interval
	*tm.clock = tm.clock.Add(10 * time.Minute)
	rep, err = tm.RunCron(ctx, false)
	if err != nil || !rep.Skipped {
		t.Fatalf("RunCron() inside interval = %+v, %v; want skipped", rep, err)
	}

	*tm.clock = tm.clock.Add(25 * time.Minute)
	rep, err = tm.RunCron(ctx, false)
	if err != nil || rep.Skipped {
		t.Fatalf("RunCron() after interval = %+v, %v", rep, err)
	}
	if rep.Fetch.StartIndex != 3 || rep.Fetch.NextStep != 0 {
		t.Errorf("second chunk = %+v; want start 3 and wrap to 0", rep.Fetch)
	}

	agg, _ = tm.Aggregates().Get(ctx, 1)
	if agg.PageviewTotal != 10 {
		t.Errorf("aggregate after second chunk = %d, want 10", agg.PageviewTotal)
	}

	if srv.requests.Load() != 2 {
		t.Errorf("report requests = %d, want 2", srv.requests.Load())
	}
	for _, h := range srv.auth {
		if h != "Bearer access-token" {
			t.Errorf("Authorization = %q", h)
		}
	}

	completes := 0
	for _, ev := range drainEvents(tm.Manager) {
		if _, ok := ev.(CycleCompleteEvent); ok {
			completes++
		}
	}
	if completes != 2 {
		t.Errorf("got %d cycle events, want 2", completes)
	}
}

func countRows(t *testing.T, tm *testManager, table string) int {
	t.Helper()
	var n int
	if err := tm.Database().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestManager_RunCron_PurgesExpiredCache(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)
	ctx := context.Background()

	rep, err := tm.RunCron(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Purged != 0 || countRows(t, tm, "response_cache") != 1 {
		t.Fatalf("after first cycle: purged %d, cached %d", rep.Purged, countRows(t, tm, "response_cache"))
	}

	// the first chunk's entry expires after CacheLength
	*tm.clock = tm.clock.Add(2 * time.Hour)
	tm.authorize(t)
	rep, err = tm.RunCron(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Purged != 1 {
		t.Errorf("Purged = %d, want 1", rep.Purged)
	}
	if n := countRows(t, tm, "response_cache"); n != 1 {
		t.Errorf("cache entries = %d, want only the fresh one", n)
	}
	if rep.Cache.Misses != 2 || rep.Cache.Writes != 2 {
		t.Errorf("cache stats = %+v", rep.Cache)
	}
}

func TestManager_RunCron_CountedEntityWithoutAlias(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)
	ctx := context.Background()

	for range 2 {
		rep, err := tm.RunCron(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Enqueued != 1 || rep.Aggregated != 1 {
			t.Errorf("enqueued %d, aggregated %d; want 1, 1", rep.Enqueued, rep.Aggregated)
		}
	}

	// /node/1 and /node/1/ without any alias
	agg, err := tm.Aggregates().Get(ctx, 1)
	if err != nil || agg == nil || agg.PageviewTotal != 7 {
		t.Errorf("aggregate = %+v, %v; want 7", agg, err)
	}
}

func TestManager_KnownEntityIDs(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", func(c *config.Config) { c.FrontPageEntityID = 9 })
	ctx := context.Background()

	_ = tm.Database().SetPathAlias(ctx, models.PathAlias{EntityID: 4, Langcode: "en", Alias: "/about"})
	_ = tm.Paths().Upsert(ctx, "/node/2/", 1)
	_ = tm.Paths().Upsert(ctx, "/node/4", 1)
	_ = tm.Paths().Upsert(ctx, "/contact", 1)

	ids, err := tm.KnownEntityIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []int64{2, 4, 9}) {
		t.Errorf("KnownEntityIDs() = %v, want [2 4 9]", ids)
	}
}

func TestManager_RunCron_AuthNeeded(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	ctx := context.Background()

	for range 2 {
		rep, err := tm.RunCron(ctx, true)
		if err != nil {
			t.Fatalf("auth failure should not fail the cycle: %v", err)
		}
		if !auth.NeedsReauth(rep.FetchError) || !errors.Is(rep.FetchError, auth.ErrNotAuthenticated) {
			t.Errorf("FetchError = %v", rep.FetchError)
		}
	}

	if srv.requests.Load() != 0 {
		t.Error("report requested without a token")
	}
	if tm.notified.Load() != 1 {
		t.Errorf("notifications = %d, want 1", tm.notified.Load())
	}

	step, _ := tm.Database().GetCursorStep(ctx)
	if step != 0 {
		t.Errorf("step = %d, want 0", step)
	}

	var authEvents int
	for _, ev := range drainEvents(tm.Manager) {
		if _, ok := ev.(AuthNeededEvent); ok {
			authEvents++
		}
	}
	if authEvents != 2 {
		t.Errorf("auth events = %d, want 2", authEvents)
	}

	// a successful fetch re-arms the notification
	tm.authorize(t)
	if _, err := tm.RunCron(ctx, true); err != nil {
		t.Fatal(err)
	}
	if tm.authNotified {
		t.Error("authNotified should clear after a successful fetch")
	}
}

func TestManager_RunCron_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)

	rep, err := tm.RunCron(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if rep.FetchError == nil {
		t.Fatal("expected a fetch error")
	}

	found := false
	for _, ev := range drainEvents(tm.Manager) {
		if _, ok := ev.(AuthNeededEvent); ok {
			found = true
		}
	}
	if !found {
		t.Error("a 401 from the report API should ask for authorization")
	}
}

func TestManager_RunCron_QuotaExhausted(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, func(c *config.Config) { c.DayQuota = 1 })
	tm.authorize(t)
	ctx := context.Background()

	for range 2 {
		if err := tm.Database().IncrementQuotaRequests(ctx, *tm.clock); err != nil {
			t.Fatal(err)
		}
	}

	for range 2 {
		rep, err := tm.RunCron(ctx, true)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Fetch.Skipped != fetcher.SkipQuota {
			t.Errorf("Skipped = %q, want quota", rep.Fetch.Skipped)
		}
		if rep.Enqueued != 0 {
			t.Errorf("skipped cycle enqueued %d entities", rep.Enqueued)
		}
	}

	if srv.requests.Load() != 0 {
		t.Error("report requested while over quota")
	}
	if tm.notified.Load() != 1 {
		t.Errorf("notifications = %d, want 1 per window", tm.notified.Load())
	}

	var quotaEvent *QuotaExhaustedEvent
	for _, ev := range drainEvents(tm.Manager) {
		if q, ok := ev.(QuotaExhaustedEvent); ok {
			quotaEvent = &q
		}
	}
	if quotaEvent == nil || quotaEvent.ResetsIn != 24*time.Hour {
		t.Errorf("quota event = %+v", quotaEvent)
	}
}

func TestManager_ProcessQueue(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)
	ctx := context.Background()

	if err := tm.Paths().Upsert(ctx, "/node/2", 4); err != nil {
		t.Fatal(err)
	}

	added, err := tm.Enqueue(ctx, []int64{2, 3, 2})
	if err != nil || added != 2 {
		t.Fatalf("Enqueue() = %d, %v; want 2", added, err)
	}

	n, err := tm.ProcessQueue(ctx, 0)
	if err != nil || n != 2 {
		t.Fatalf("ProcessQueue() = %d, %v; want 2", n, err)
	}

	left, _ := tm.Database().Count(ctx, db.TableWorkQueue)
	if left != 0 {
		t.Errorf("queue length = %d, want 0", left)
	}
	agg, _ := tm.Aggregates().Get(ctx, 2)
	if agg == nil || agg.PageviewTotal != 4 {
		t.Errorf("aggregate = %+v, want 4", agg)
	}
}

func TestManager_ProcessQueue_Cancelled(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = tm.Enqueue(ctx, []int64{1})
	cancel()

	if _, err := tm.ProcessQueue(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("ProcessQueue() error = %v, want context.Canceled", err)
	}
}

func TestManager_ProcessQueue_FailureKeepsEntity(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)
	ctx := context.Background()

	_, err := tm.Database().ExecContext(ctx, `
		CREATE TRIGGER reject_totals BEFORE INSERT ON entity_totals
		BEGIN SELECT RAISE(ABORT, 'rejected'); END
	`)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = tm.Enqueue(ctx, []int64{5, 6})

	n, err := tm.ProcessQueue(ctx, 0)
	if err == nil || n != 0 {
		t.Fatalf("ProcessQueue() = %d, %v; want a failure", n, err)
	}
	if left := countRows(t, tm, "work_queue"); left != 2 {
		t.Errorf("queue length = %d, want 2", left)
	}

	if _, err := tm.Database().ExecContext(ctx, "DROP TRIGGER reject_totals"); err != nil {
		t.Fatal(err)
	}
	if n, err := tm.ProcessQueue(ctx, 0); err != nil || n != 2 {
		t.Errorf("ProcessQueue() after recovery = %d, %v; want 2", n, err)
	}
}

func TestManager_Aggregate(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", func(c *config.Config) { c.FrontPageEntityID = 7 })
	ctx := context.Background()

	_ = tm.Paths().Upsert(ctx, "/", 11)
	_ = tm.Paths().Upsert(ctx, "/node/7", 50)
	_ = tm.Paths().Upsert(ctx, "/node/5/", 3)

	totals, err := tm.Aggregate(ctx, []int64{7, 5})
	if err != nil {
		t.Fatal(err)
	}
	if totals[7] != 11 || totals[5] != 3 {
		t.Errorf("totals = %v; want front page 11 and entity 5 = 3", totals)
	}
}

func TestManager_Status(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)
	ctx := context.Background()

	if _, err := tm.RunCron(ctx, false); err != nil {
		t.Fatal(err)
	}

	st, err := tm.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}

	if !st.Authenticated {
		t.Error("Authenticated = false")
	}
	if st.Cursor.Step != 1 || st.Cursor.StartIndex() != 3 {
		t.Errorf("Cursor = %+v", st.Cursor)
	}
	if st.Quota.Requests != 1 || st.MaxDailyRequests != 100 {
		t.Errorf("quota = %+v of %d", st.Quota, st.MaxDailyRequests)
	}
	if st.TotalPaths != 3 || st.TotalPageviews != 10 || st.StoredPaths != 2 {
		t.Errorf("totals = %d/%d stored %d", st.TotalPaths, st.TotalPageviews, st.StoredPaths)
	}
	if !st.LastCronRun.Equal(*tm.clock) {
		t.Errorf("LastCronRun = %v, want %v", st.LastCronRun, *tm.clock)
	}
	if st.MostRecentQuery != "https://example.com/ga?start-index=1" {
		t.Errorf("MostRecentQuery = %q", st.MostRecentQuery)
	}
}

func TestManager_Reset(t *testing.T) {
	srv := newReportServer(t)
	tm := newTestManager(t, srv.URL, nil)
	tm.authorize(t)
	ctx := context.Background()

	if _, err := tm.RunCron(ctx, false); err != nil {
		t.Fatal(err)
	}

	if err := tm.Reset(ctx, false); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	st, err := tm.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Authenticated || st.Cursor.Step != 0 || st.Quota.Requests != 0 || st.TotalPaths != 0 {
		t.Errorf("status after reset = %+v", st)
	}
	if !st.LastCronRun.IsZero() {
		t.Error("LastCronRun should be cleared")
	}
	if st.StoredPaths != 2 {
		t.Errorf("StoredPaths = %d; counts survive a plain reset", st.StoredPaths)
	}
	var cached int
	if err := tm.Database().QueryRowContext(ctx, "SELECT COUNT(*) FROM response_cache").Scan(&cached); err != nil || cached != 0 {
		t.Errorf("cache entries after reset = %d, %v", cached, err)
	}

	if _, err := tm.Enqueue(ctx, []int64{1}); err != nil {
		t.Fatal(err)
	}
	if err := tm.Reset(ctx, true); err != nil {
		t.Fatal(err)
	}
	if left := countRows(t, tm, "work_queue"); left != 0 {
		t.Errorf("queue length after wipe = %d", left)
	}
	st, _ = tm.Status(ctx)
	if st.StoredPaths != 0 || st.StoredAggregates != 0 {
		t.Errorf("wipe left %d paths, %d aggregates", st.StoredPaths, st.StoredAggregates)
	}
}

func TestManager_HandleCredentialsEvent(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)
	drainEvents(tm.Manager)

	tm.handleCredentialsEvent(credentials.Event{Type: credentials.EventChanged})
	tm.handleCredentialsEvent(credentials.Event{Type: credentials.EventError, Error: errors.New("bad file")})
	tm.handleCredentialsEvent(credentials.Event{Type: credentials.EventLoaded})

	events := drainEvents(tm.Manager)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if _, ok := events[0].(CredentialsChangedEvent); !ok {
		t.Errorf("events[0] = %T", events[0])
	}
	if e, ok := events[1].(ErrorEvent); !ok || e.Service != "credentials" {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestManager_CredentialsChangeRearmsAuthNotification(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)

	tm.mu.Lock()
	tm.authNotified = true
	tm.mu.Unlock()

	err := tm.Credentials().Save(models.Credentials{ClientID: "new-id", ClientSecret: "new-secret"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tm.mu.RLock()
		notified := tm.authNotified
		tm.mu.RUnlock()
		if !notified {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("authNotified should clear after the credentials file changed")
}

func TestManager_Subscription(t *testing.T) {
	tm := newTestManager(t, "http://127.0.0.1:0", nil)

	ch := tm.Subscribe()
	tm.broadcast(ErrorEvent{Service: "test", Error: errors.New("boom")})

	select {
	case ev := <-ch:
		if e, ok := ev.(ErrorEvent); !ok || e.Service != "test" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	tm.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestSendEvent_DropsOldest(t *testing.T) {
	ch := make(chan ServiceEvent, 2)
	sendEvent(ch, ErrorEvent{Service: "a"})
	sendEvent(ch, ErrorEvent{Service: "b"})
	sendEvent(ch, ErrorEvent{Service: "c"})

	first := (<-ch).(ErrorEvent)
	second := (<-ch).(ErrorEvent)
	if first.Service != "b" || second.Service != "c" {
		t.Errorf("events = %s, %s; want b, c", first.Service, second.Service)
	}
}

func TestServiceEvent_Interface(t *testing.T) {
	events := []ServiceEvent{
		CycleCompleteEvent{},
		AuthNeededEvent{},
		QuotaExhaustedEvent{},
		CredentialsChangedEvent{},
		ErrorEvent{},
	}
	for _, ev := range events {
		ev.isServiceEvent()
	}
}
