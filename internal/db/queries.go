package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/j-veylop/analytics-counter/internal/models"
)

// UpsertPathCount creates or overwrites the count stored for a path hash.
func (db *DB) UpsertPathCount(ctx context.Context, rec models.PathRecord) error {
	return upsertPathCount(ctx, db.DB, rec)
}

// UpsertPathCounts writes all records in one transaction.
func (db *DB) UpsertPathCounts(ctx context.Context, recs []models.PathRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if err := upsertPathCount(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit path counts: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPathCount(ctx context.Context, ex execer, rec models.PathRecord) error {
	query := `
		INSERT INTO page_counts (path_hash, path, pageviews)
		VALUES (?, ?, ?)
		ON CONFLICT(path_hash) DO UPDATE SET
			path = excluded.path,
			pageviews = excluded.pageviews
	`
	if _, err := ex.ExecContext(ctx, query, rec.PathHash, rec.Path, rec.Pageviews); err != nil {
		return fmt.Errorf("failed to upsert path count: %w", err)
	}
	return nil
}

// GetPathCount returns the record stored under a path hash.
func (db *DB) GetPathCount(ctx context.Context, hash string) (*models.PathRecord, error) {
	var rec models.PathRecord
	err := db.QueryRowContext(ctx,
		"SELECT path_hash, path, pageviews FROM page_counts WHERE path_hash = ?", hash,
	).Scan(&rec.PathHash, &rec.Path, &rec.Pageviews)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get path count: %w", err)
	}
	return &rec, nil
}

// SumPageviewsByHashes sums the pageviews of every record whose hash is in
// hashes. Unknown hashes contribute nothing.
func (db *DB) SumPageviewsByHashes(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(hashes)), ",")
	query := "SELECT COALESCE(SUM(pageviews), 0) FROM page_counts WHERE path_hash IN (" + placeholders + ")"

	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	var sum int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum pageviews: %w", err)
	}
	return sum, nil
}

// TopPathCounts returns the paths with the most pageviews.
func (db *DB) TopPathCounts(ctx context.Context, limit int) ([]models.PathRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT path_hash, path, pageviews
		FROM page_counts
		ORDER BY pageviews DESC, path ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []models.PathRecord
	for rows.Next() {
		var rec models.PathRecord
		if err := rows.Scan(&rec.PathHash, &rec.Path, &rec.Pageviews); err != nil {
			return nil, fmt.Errorf("failed to scan path count: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PathsWithPrefix returns every stored path starting with prefix.
func (db *DB) PathsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	rows, err := db.QueryContext(ctx,
		`SELECT path FROM page_counts WHERE path LIKE ? ESCAPE '\' ORDER BY path`, escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// UpsertEntityTotal stores the recomputed total for an entity.
func (db *DB) UpsertEntityTotal(ctx context.Context, agg models.EntityAggregate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entity_totals (entity_id, pageview_total)
		VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET pageview_total = excluded.pageview_total
	`, agg.EntityID, agg.PageviewTotal)
	if err != nil {
		return fmt.Errorf("failed to upsert entity total: %w", err)
	}
	return nil
}

// GetEntityTotal returns the stored total for an entity, or nil.
func (db *DB) GetEntityTotal(ctx context.Context, entityID int64) (*models.EntityAggregate, error) {
	agg := models.EntityAggregate{EntityID: entityID}
	err := db.QueryRowContext(ctx,
		"SELECT pageview_total FROM entity_totals WHERE entity_id = ?", entityID,
	).Scan(&agg.PageviewTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity total: %w", err)
	}
	return &agg, nil
}

// TopEntityTotals returns the entities with the highest totals.
func (db *DB) TopEntityTotals(ctx context.Context, limit int) ([]models.EntityAggregate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT entity_id, pageview_total
		FROM entity_totals
		ORDER BY pageview_total DESC, entity_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aggs []models.EntityAggregate
	for rows.Next() {
		var agg models.EntityAggregate
		if err := rows.Scan(&agg.EntityID, &agg.PageviewTotal); err != nil {
			return nil, fmt.Errorf("failed to scan entity total: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// UpsertLegacyCounter mirrors a total into the legacy counter table.
func (db *DB) UpsertLegacyCounter(ctx context.Context, c models.LegacyCounter) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO legacy_counter (entity_id, total_count, timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			total_count = excluded.total_count,
			timestamp = excluded.timestamp
	`, c.EntityID, c.TotalCount, c.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert legacy counter: %w", err)
	}
	return nil
}

// GetLegacyCounter returns the legacy counter for an entity, or nil.
func (db *DB) GetLegacyCounter(ctx context.Context, entityID int64) (*models.LegacyCounter, error) {
	c := models.LegacyCounter{EntityID: entityID}
	var ts int64
	err := db.QueryRowContext(ctx,
		"SELECT total_count, timestamp FROM legacy_counter WHERE entity_id = ?", entityID,
	).Scan(&c.TotalCount, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy counter: %w", err)
	}
	c.Timestamp = time.Unix(ts, 0)
	return &c, nil
}

// Table names accepted by Count.
const (
	TablePageCounts          = "page_counts"
	TableEntityTotals        = "entity_totals"
	TableEntityTotalsNonZero = "entity_totals_nonzero"
	TableLegacyCounter       = "legacy_counter"
	TableWorkQueue           = "work_queue"
	TablePathAlias           = "path_alias"
)

// Count returns the row count of a table. TableEntityTotalsNonZero counts
// only entities with a positive total.
func (db *DB) Count(ctx context.Context, table string) (int64, error) {
	var query string
	switch table {
	case TablePageCounts, TableEntityTotals, TableLegacyCounter, TableWorkQueue, TablePathAlias:
		query = "SELECT COUNT(*) FROM " + table
	case TableEntityTotalsNonZero:
		query = "SELECT COUNT(*) FROM entity_totals WHERE pageview_total > 0"
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// WipeCounts removes every stored path count, aggregate and legacy counter.
func (db *DB) WipeCounts(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{TablePageCounts, TableEntityTotals, TableLegacyCounter, TableWorkQueue} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// nullString returns a sql.NullString from a string.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
