// Package counter stores per-path pageview counts and derives per-entity
// totals from them.
package counter

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/samber/lo"

	"github.com/j-veylop/analytics-counter/internal/models"
)

// PathRepository persists path counts keyed by path hash.
type PathRepository interface {
	UpsertPathCount(ctx context.Context, rec models.PathRecord) error
	UpsertPathCounts(ctx context.Context, recs []models.PathRecord) error
	GetPathCount(ctx context.Context, hash string) (*models.PathRecord, error)
	SumPageviewsByHashes(ctx context.Context, hashes []string) (int64, error)
	TopPathCounts(ctx context.Context, limit int) ([]models.PathRecord, error)
}

// Digest returns the lowercase hex MD5 of path, the key of its record.
func Digest(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// NewPathRecord builds the record for path. Negative counts are stored
// as zero.
func NewPathRecord(path string, pageviews int64) models.PathRecord {
	return models.PathRecord{
		PathHash:  Digest(path),
		Path:      path,
		Pageviews: max(pageviews, 0),
	}
}

// PathStore merges remote (path, pageviews) pairs into local storage.
type PathStore struct {
	repo PathRepository
}

// NewPathStore creates a path store.
func NewPathStore(repo PathRepository) *PathStore {
	return &PathStore{repo: repo}
}

// Upsert creates or overwrites the record of path. Repeating it with the
// same arguments leaves the same state.
func (s *PathStore) Upsert(ctx context.Context, path string, pageviews int64) error {
	return s.repo.UpsertPathCount(ctx, NewPathRecord(path, pageviews))
}

// UpsertRows merges a whole chunk in one transaction. A path repeated in
// rows keeps its last count.
func (s *PathStore) UpsertRows(ctx context.Context, rows []models.Row) error {
	recs := lo.Map(rows, func(r models.Row, _ int) models.PathRecord {
		return NewPathRecord(r.Path, r.Pageviews)
	})
	if err := s.repo.UpsertPathCounts(ctx, recs); err != nil {
		return fmt.Errorf("failed to store %d rows: %w", len(rows), err)
	}
	return nil
}

// Get returns the record of path, or nil if it was never observed.
func (s *PathStore) Get(ctx context.Context, path string) (*models.PathRecord, error) {
	return s.repo.GetPathCount(ctx, Digest(path))
}

// SumByPaths sums the pageviews of every distinct path in paths. Paths
// never observed count as zero.
func (s *PathStore) SumByPaths(ctx context.Context, paths []string) (int64, error) {
	hashes := lo.Uniq(lo.Map(paths, func(p string, _ int) string { return Digest(p) }))
	return s.repo.SumPageviewsByHashes(ctx, hashes)
}

// Top returns the n paths with the most pageviews.
func (s *PathStore) Top(ctx context.Context, n int) ([]models.PathRecord, error) {
	return s.repo.TopPathCounts(ctx, n)
}
