// Package services wires the sync engine together and runs its cycles.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/samber/lo"

	"github.com/j-veylop/analytics-counter/internal/config"
	"github.com/j-veylop/analytics-counter/internal/db"
	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
	"github.com/j-veylop/analytics-counter/internal/services/aliases"
	"github.com/j-veylop/analytics-counter/internal/services/auth"
	"github.com/j-veylop/analytics-counter/internal/services/cache"
	"github.com/j-veylop/analytics-counter/internal/services/counter"
	"github.com/j-veylop/analytics-counter/internal/services/credentials"
	"github.com/j-veylop/analytics-counter/internal/services/fetcher"
	"github.com/j-veylop/analytics-counter/internal/services/quota"
	"github.com/j-veylop/analytics-counter/internal/services/report"
)

type (
	// CycleCompleteEvent is emitted after every cron cycle that ran.
	CycleCompleteEvent struct {
		Report *CycleReport
	}

	// AuthNeededEvent is emitted when a cycle could not get a token.
	AuthNeededEvent struct {
		Error error
	}

	// QuotaExhaustedEvent is emitted when a cycle was skipped for quota.
	QuotaExhaustedEvent struct {
		Window   models.QuotaWindow
		ResetsIn time.Duration
	}

	// CredentialsChangedEvent is emitted when the client credentials file
	// was reloaded.
	CredentialsChangedEvent struct{}

	// ErrorEvent is emitted when an error occurs in any service.
	ErrorEvent struct {
		Service string
		Error   error
	}
)

// ServiceEvent is the interface implemented by all service events.
type ServiceEvent interface {
	isServiceEvent()
}

func (CycleCompleteEvent) isServiceEvent()      {}
func (AuthNeededEvent) isServiceEvent()         {}
func (QuotaExhaustedEvent) isServiceEvent()     {}
func (CredentialsChangedEvent) isServiceEvent() {}
func (ErrorEvent) isServiceEvent()              {}

// CycleReport summarizes one cron cycle.
type CycleReport struct {
	Started    time.Time
	Fetch      *fetcher.Outcome
	FetchError error
	Enqueued   int64
	Aggregated int
	Purged     int64
	Cache      cache.Stats
	Duration   time.Duration
	Skipped    bool
}

// options are the collaborators tests replace.
type options struct {
	httpClient *http.Client
	now        func() time.Time
	notify     func(title, body string) error
}

// Manager orchestrates services and event routing.
type Manager struct {
	mu          sync.RWMutex
	cfg         *config.Config
	database    *db.DB
	credentials *credentials.Service
	tokens      *auth.TokenStore
	quota       *quota.Tracker
	cache       *cache.Cache
	reporter    *report.Client
	resolver    *aliases.Resolver
	paths       *counter.PathStore
	aggregates  *counter.AggregateStore
	fetcher     *fetcher.Fetcher
	now         func() time.Time
	notify      func(title, body string) error
	eventChan   chan ServiceEvent
	stopChan    chan struct{}
	subscribers []chan<- ServiceEvent

	// notification state, so each condition is announced once
	authNotified  bool
	quotaNotified time.Time
}

// NewManager creates a new service manager.
func NewManager(cfg *config.Config) (*Manager, error) {
	return newManager(cfg, options{})
}

func newManager(cfg *config.Config, opts options) (*Manager, error) {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.notify == nil && cfg.Notifications {
		opts.notify = func(title, body string) error {
			return beeep.Notify(title, body, "")
		}
	}

	m := &Manager{
		cfg:       cfg,
		now:       opts.now,
		notify:    opts.notify,
		eventChan: make(chan ServiceEvent, 100),
		stopChan:  make(chan struct{}),
	}

	var err error
	m.database, err = db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m.credentials, err = credentials.New(cfg.CredentialsPath, models.Credentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
	})
	if err != nil {
		_ = m.database.Close()
		return nil, err
	}

	authConfig := auth.DefaultConfig()
	authConfig.Now = opts.now
	if opts.httpClient != nil {
		authConfig.HTTPClient = opts.httpClient
	}
	m.tokens = auth.NewTokenStore(m.database, m.credentials, authConfig)

	m.quota = quota.New(m.database, quota.Config{
		MaxDailyRequests: cfg.DayQuota,
		Now:              opts.now,
	})
	m.cache = cache.New(m.database, opts.now)
	m.reporter = report.New(report.Config{
		HTTPClient: opts.httpClient,
		BaseURL:    cfg.ReportURL,
		Timeout:    cfg.RequestTimeout,
	})

	languages := lo.Map(cfg.Languages, func(l config.Language, _ int) aliases.Language {
		return aliases.Language{Code: l.Code, Prefix: l.Prefix}
	})
	m.resolver = aliases.NewResolver(m.database, cfg.EntityPathPattern, languages)
	m.paths = counter.NewPathStore(m.database)
	m.aggregates = counter.NewAggregateStore(m.paths, m.database, m.resolver, counter.AggregateConfig{
		Now:                  opts.now,
		FrontPageEntityID:    cfg.FrontPageEntityID,
		LegacyCounterEnabled: cfg.LegacyCounterEnabled,
	})

	m.fetcher = fetcher.New(fetcher.Deps{
		Store:    m.database,
		Quota:    m.quota,
		Tokens:   m.tokens,
		Reporter: m.reporter,
		Cache:    m.cache,
		Paths:    m.paths,
	}, fetcher.Config{
		Now:            opts.now,
		ProfileID:      cfg.ProfileID,
		StartDate:      cfg.StartDate,
		FixedStartDate: cfg.FixedStartDate,
		FixedEndDate:   cfg.FixedEndDate,
		Filters:        cfg.Filters,
		Segment:        cfg.Segment,
		ChunkSize:      cfg.ChunkSize,
		CacheLength:    cfg.CacheLength,
	})

	m.credentials.SetOnChange(m.handleCredentialsChanged)

	go m.routeEvents()

	return m, nil
}

// routeEvents routes events from individual services to subscribers.
func (m *Manager) routeEvents() {
	for {
		select {
		case event := <-m.credentials.Events():
			m.handleCredentialsEvent(event)

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) handleCredentialsEvent(event credentials.Event) {
	switch event.Type {
	case credentials.EventChanged:
		m.broadcast(CredentialsChangedEvent{})
	case credentials.EventError:
		m.broadcast(ErrorEvent{Service: "credentials", Error: event.Error})
	}
}

// handleCredentialsChanged re-arms the authorization notification, since
// new client credentials may need a fresh authorization.
func (m *Manager) handleCredentialsChanged() {
	m.mu.Lock()
	m.authNotified = false
	m.mu.Unlock()
}

// RunCron runs one trigger cycle: fetch the next chunk, queue the known
// entities for aggregation and drain the queue within the time budget.
// Unless force is set, a cycle started within the cron interval of the
// previous one is skipped.
func (m *Manager) RunCron(ctx context.Context, force bool) (*CycleReport, error) {
	now := m.now()
	rep := &CycleReport{Started: now}

	if !force {
		last, err := m.database.GetStateInt(ctx, db.StateLastCronRun)
		if err != nil {
			return nil, err
		}
		if last > 0 && now.Sub(time.Unix(last, 0)) < m.cfg.CronInterval {
			logger.Debug("cron interval not reached", "last_run", time.Unix(last, 0).Format(time.RFC3339))
			rep.Skipped = true
			return rep, nil
		}
	}

	if err := m.database.SetStates(ctx, map[string]string{
		db.StateLastCronRun: strconv.FormatInt(now.Unix(), 10),
	}); err != nil {
		return nil, err
	}

	begin := time.Now()

	outcome, err := m.Fetch(ctx)
	rep.Fetch = outcome
	rep.FetchError = err
	if err != nil && !isCycleError(err) {
		return nil, err
	}

	if rep.Purged, err = m.cache.Purge(ctx); err != nil {
		logger.Warn("failed to purge expired cache entries", "error", err)
	}

	if outcome != nil && outcome.Skipped == "" {
		ids, err := m.KnownEntityIDs(ctx)
		if err != nil {
			return nil, err
		}
		rep.Enqueued, err = m.database.EnqueueEntities(ctx, ids, now)
		if err != nil {
			return nil, err
		}
	}

	rep.Aggregated, err = m.ProcessQueue(ctx, m.cfg.QueueTimeBudget)
	if err != nil {
		return nil, err
	}

	rep.Duration = time.Since(begin)
	rep.Cache = m.cache.GetStats()
	logger.Info("cron cycle complete",
		"aggregated", rep.Aggregated,
		"enqueued", rep.Enqueued,
		"cache_purged", rep.Purged,
		"cache_hits", rep.Cache.Hits,
		"cache_misses", rep.Cache.Misses,
		"duration", rep.Duration.Round(time.Millisecond),
	)
	m.broadcast(CycleCompleteEvent{Report: rep})
	return rep, nil
}

// isCycleError reports whether err only aborts the fetch of this cycle
// and is retried on the next one.
func isCycleError(err error) bool {
	var transportErr *report.TransportError
	return auth.NeedsReauth(err) ||
		errors.As(err, &transportErr) ||
		errors.Is(err, fetcher.ErrCursorMoved)
}

// Fetch runs the chunked fetcher once and reports its outcome as events.
func (m *Manager) Fetch(ctx context.Context) (*fetcher.Outcome, error) {
	outcome, err := m.fetcher.Next(ctx)

	var transportErr *report.TransportError
	switch {
	case err == nil && outcome.Skipped == fetcher.SkipQuota:
		m.handleQuotaExhausted(ctx)

	case err == nil:
		m.mu.Lock()
		m.authNotified = false
		m.mu.Unlock()

	case errors.Is(err, fetcher.ErrCursorMoved):
		logger.Warn("cursor advanced by an overlapping cycle", "step", outcome.Step)

	case auth.NeedsReauth(err),
		errors.As(err, &transportErr) && transportErr.IsUnauthorized():
		logger.Warn("authorization required; run the auth command", "error", err)
		m.handleAuthNeeded(err)

	case errors.As(err, &transportErr):
		m.broadcast(ErrorEvent{Service: "report", Error: err})

	default:
		logger.Error("fetch failed", "error", err)
		m.broadcast(ErrorEvent{Service: "fetcher", Error: err})
	}
	return outcome, err
}

func (m *Manager) handleAuthNeeded(err error) {
	m.broadcast(AuthNeededEvent{Error: err})

	m.mu.Lock()
	already := m.authNotified
	m.authNotified = true
	m.mu.Unlock()

	if !already {
		m.sendNotification("Analytics sync needs authorization", err.Error())
	}
}

func (m *Manager) handleQuotaExhausted(ctx context.Context) {
	window, err := m.quota.Window(ctx)
	if err != nil {
		logger.Error("failed to read quota window", "error", err)
		return
	}
	resetsIn := window.ResetsIn(m.now())
	m.broadcast(QuotaExhaustedEvent{Window: window, ResetsIn: resetsIn})

	m.mu.Lock()
	already := m.quotaNotified.Equal(window.StartedAt)
	m.quotaNotified = window.StartedAt
	m.mu.Unlock()

	if !already {
		body := fmt.Sprintf("%d requests used; the quota resets in %s", window.Requests, resetsIn.Round(time.Minute))
		m.sendNotification("Analytics quota exhausted", body)
	}
}

func (m *Manager) sendNotification(title, body string) {
	if m.notify == nil {
		return
	}
	if err := m.notify(title, body); err != nil {
		logger.Warn("failed to send notification", "error", err)
	}
}

// KnownEntityIDs returns every entity that can have a total: entities with
// an alias, entities whose canonical path was counted, and the front page.
func (m *Manager) KnownEntityIDs(ctx context.Context) ([]int64, error) {
	aliased, err := m.database.AliasedEntityIDs(ctx)
	if err != nil {
		return nil, err
	}
	counted, err := m.resolver.CountedEntityIDs(ctx)
	if err != nil {
		return nil, err
	}
	ids := append(aliased, counted...)
	if m.cfg.FrontPageEntityID > 0 {
		ids = append(ids, m.cfg.FrontPageEntityID)
	}
	return lo.Uniq(ids), nil
}

// Enqueue adds entities to the aggregation queue.
func (m *Manager) Enqueue(ctx context.Context, ids []int64) (int64, error) {
	return m.database.EnqueueEntities(ctx, lo.Uniq(ids), m.now())
}

// ProcessQueue recomputes queued entities until the queue is empty or the
// budget is spent. A non-positive budget processes the whole queue. An
// entity leaves the queue only after its total was stored; on failure it
// stays queued and processing stops.
func (m *Manager) ProcessQueue(ctx context.Context, budget time.Duration) (int, error) {
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}

	processed := 0
	for deadline.IsZero() || time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		id, ok, err := m.database.NextQueuedEntity(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}

		if _, err := m.aggregates.UpdateEntity(ctx, id); err != nil {
			logger.Error("aggregation failed; entity left queued", "entity_id", id, "error", err)
			return processed, err
		}
		if err := m.database.DequeueEntity(ctx, id); err != nil {
			return processed, err
		}
		processed++
	}

	logger.Info("queue time budget spent", "processed", processed)
	return processed, nil
}

// Aggregate recomputes the given entities immediately.
func (m *Manager) Aggregate(ctx context.Context, ids []int64) (map[int64]int64, error) {
	totals := make(map[int64]int64, len(ids))
	for _, id := range lo.Uniq(ids) {
		total, err := m.aggregates.UpdateEntity(ctx, id)
		if err != nil {
			return totals, err
		}
		totals[id] = total
	}
	return totals, nil
}

// Status returns a diagnostic snapshot of the engine.
func (m *Manager) Status(ctx context.Context) (models.SyncStatus, error) {
	var st models.SyncStatus

	step, err := m.database.GetCursorStep(ctx)
	if err != nil {
		return st, err
	}
	st.Cursor = models.SyncCursor{Step: step, ChunkSize: m.cfg.ChunkSize}

	if st.Quota, err = m.quota.Window(ctx); err != nil {
		return st, err
	}
	st.MaxDailyRequests = m.quota.MaxDailyRequests()

	if st.Authenticated, err = m.tokens.IsAuthenticated(ctx); err != nil {
		return st, err
	}

	ints := []struct {
		key  string
		dest *int64
	}{
		{db.StateTotalPaths, &st.TotalPaths},
		{db.StateTotalPageviews, &st.TotalPageviews},
	}
	for _, f := range ints {
		if *f.dest, err = m.database.GetStateInt(ctx, f.key); err != nil {
			return st, err
		}
	}

	times := []struct {
		key  string
		dest *time.Time
	}{
		{db.StateLastCronRun, &st.LastCronRun},
		{db.StateDataLastRefreshed, &st.DataLastRefreshed},
	}
	for _, f := range times {
		n, err := m.database.GetStateInt(ctx, f.key)
		if err != nil {
			return st, err
		}
		if n > 0 {
			*f.dest = time.Unix(n, 0)
		}
	}

	ms, err := m.database.GetStateInt(ctx, db.StateChunkProcessTime)
	if err != nil {
		return st, err
	}
	st.ChunkProcessTime = time.Duration(ms) * time.Millisecond

	if st.MostRecentQuery, _, err = m.database.GetState(ctx, db.StateMostRecentQuery); err != nil {
		return st, err
	}

	counts := []struct {
		table string
		dest  *int64
	}{
		{db.TablePageCounts, &st.StoredPaths},
		{db.TableEntityTotals, &st.StoredAggregates},
		{db.TableEntityTotalsNonZero, &st.NonZeroAggregates},
		{db.TableLegacyCounter, &st.LegacyCounters},
		{db.TableWorkQueue, &st.QueueLength},
	}
	for _, c := range counts {
		if *c.dest, err = m.database.Count(ctx, c.table); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Reset forgets the tokens and all sync progress: cursor, quota window,
// diagnostic state and cached responses. With wipe set it also deletes the
// stored counts.
func (m *Manager) Reset(ctx context.Context, wipe bool) error {
	steps := []func(context.Context) error{
		m.database.ClearTokens,
		m.database.ResetCursor,
		m.database.ResetQuotaWindow,
		m.database.ClearStates,
		m.cache.Clear,
	}
	if wipe {
		steps = append(steps, m.database.WipeCounts, m.database.Vacuum)
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.authNotified = false
	m.quotaNotified = time.Time{}
	m.mu.Unlock()

	logger.Info("sync state reset", "wipe", wipe)
	return nil
}

// Revoke drops the stored tokens and revokes them at the provider.
func (m *Manager) Revoke(ctx context.Context) error {
	return m.tokens.Revoke(ctx)
}

// broadcast sends an event to all subscribers.
func (m *Manager) broadcast(event ServiceEvent) {
	sendEvent(m.eventChan, event)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber channel full, skip
		}
	}
}

// sendEvent sends without blocking, dropping the oldest event when full.
func sendEvent(ch chan ServiceEvent, event ServiceEvent) {
	select {
	case ch <- event:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// Events returns the manager's own event channel.
func (m *Manager) Events() <-chan ServiceEvent {
	return m.eventChan
}

// Subscribe creates a channel for receiving service events.
func (m *Manager) Subscribe() chan ServiceEvent {
	ch := make(chan ServiceEvent, 50)

	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan ServiceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Tokens returns the token store.
func (m *Manager) Tokens() *auth.TokenStore {
	return m.tokens
}

// Credentials returns the credentials service.
func (m *Manager) Credentials() *credentials.Service {
	return m.credentials
}

// Paths returns the path store.
func (m *Manager) Paths() *counter.PathStore {
	return m.paths
}

// Aggregates returns the aggregate store.
func (m *Manager) Aggregates() *counter.AggregateStore {
	return m.aggregates
}

// Resolver returns the alias resolver.
func (m *Manager) Resolver() *aliases.Resolver {
	return m.resolver
}

// Cache returns the response cache.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Database returns the database instance for direct access.
func (m *Manager) Database() *db.DB {
	return m.database
}

// Close closes the manager and all its services.
func (m *Manager) Close() error {
	close(m.stopChan)

	m.mu.Lock()
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
	m.mu.Unlock()

	var errs []error

	if err := m.credentials.Close(); err != nil {
		errs = append(errs, err)
	}

	if m.database != nil {
		if err := m.database.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
