package counter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

// FrontPagePath is the only path the front page is counted under.
const FrontPagePath = "/"

// AliasResolver maps entities to the paths that refer to them.
type AliasResolver interface {
	// VariantsFor returns the canonical path, every language alias and
	// the language-prefixed forms of both.
	VariantsFor(ctx context.Context, entityID int64) ([]string, error)
	// EntityForPath returns the entity a canonical or alias path names.
	EntityForPath(ctx context.Context, path string) (int64, bool, error)
}

// AggregateRepository persists entity totals and the legacy counter.
type AggregateRepository interface {
	UpsertEntityTotal(ctx context.Context, agg models.EntityAggregate) error
	GetEntityTotal(ctx context.Context, entityID int64) (*models.EntityAggregate, error)
	TopEntityTotals(ctx context.Context, limit int) ([]models.EntityAggregate, error)
	UpsertLegacyCounter(ctx context.Context, c models.LegacyCounter) error
}

// AggregateConfig holds configuration for the aggregate store.
type AggregateConfig struct {
	Now                  func() time.Time
	FrontPageEntityID    int64
	LegacyCounterEnabled bool
}

// AggregateStore recomputes entity totals from the path store.
type AggregateStore struct {
	paths    *PathStore
	repo     AggregateRepository
	resolver AliasResolver
	config   AggregateConfig
}

// NewAggregateStore creates an aggregate store.
func NewAggregateStore(paths *PathStore, repo AggregateRepository, resolver AliasResolver, config AggregateConfig) *AggregateStore {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &AggregateStore{paths: paths, repo: repo, resolver: resolver, config: config}
}

// Variants returns the de-duplicated path set counted for an entity: the
// resolver's variants plus a trailing-slash copy of each. The front page
// entity is counted under "/" alone.
func (s *AggregateStore) Variants(ctx context.Context, entityID int64) ([]string, error) {
	if s.isFrontPage(entityID) {
		return []string{FrontPagePath}, nil
	}

	base, err := s.resolver.VariantsFor(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths of entity %d: %w", entityID, err)
	}
	return WithTrailingSlashes(base), nil
}

// UpdateEntity sums the pageviews of the entity's current variants and
// stores the result as its total, replacing the previous one. The sum is
// mirrored into the legacy counter when that is enabled.
func (s *AggregateStore) UpdateEntity(ctx context.Context, entityID int64) (int64, error) {
	variants, err := s.Variants(ctx, entityID)
	if err != nil {
		return 0, err
	}

	total, err := s.paths.SumByPaths(ctx, variants)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pageviews of entity %d: %w", entityID, err)
	}

	if err := s.repo.UpsertEntityTotal(ctx, models.EntityAggregate{EntityID: entityID, PageviewTotal: total}); err != nil {
		return 0, err
	}

	if s.config.LegacyCounterEnabled {
		err := s.repo.UpsertLegacyCounter(ctx, models.LegacyCounter{
			EntityID:   entityID,
			TotalCount: total,
			Timestamp:  s.config.Now(),
		})
		if err != nil {
			return 0, err
		}
	}

	logger.Debug("entity aggregated", "entity_id", entityID, "variants", len(variants), "total", total)
	return total, nil
}

// Get returns the stored total of an entity, or nil.
func (s *AggregateStore) Get(ctx context.Context, entityID int64) (*models.EntityAggregate, error) {
	return s.repo.GetEntityTotal(ctx, entityID)
}

// Top returns the n entities with the highest totals.
func (s *AggregateStore) Top(ctx context.Context, n int) ([]models.EntityAggregate, error) {
	return s.repo.TopEntityTotals(ctx, n)
}

// CountForPath returns the live pageview count shown for a site path.
// A path naming an entity counts all of that entity's variants; any other
// path counts itself with and without a trailing slash.
func (s *AggregateStore) CountForPath(ctx context.Context, path string) (int64, error) {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	if path == FrontPagePath {
		return s.paths.SumByPaths(ctx, []string{FrontPagePath})
	}

	entityID, ok, err := s.resolver.EntityForPath(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if ok {
		variants, err := s.Variants(ctx, entityID)
		if err != nil {
			return 0, err
		}
		return s.paths.SumByPaths(ctx, variants)
	}
	return s.paths.SumByPaths(ctx, WithTrailingSlashes([]string{path}))
}

func (s *AggregateStore) isFrontPage(entityID int64) bool {
	return s.config.FrontPageEntityID > 0 && entityID == s.config.FrontPageEntityID
}

// WithTrailingSlashes returns paths followed by a trailing-slash copy of
// each, without duplicates and in first-seen order.
func WithTrailingSlashes(paths []string) []string {
	paths = lo.Compact(paths)
	slashed := lo.Map(paths, func(p string, _ int) string { return p + "/" })
	return lo.Uniq(append(append([]string{}, paths...), slashed...))
}
