package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/j-veylop/analytics-counter/internal/models"
)

// LangcodeNone marks an alias that applies to every language.
const LangcodeNone = "und"

// SetPathAlias creates or replaces the alias of an entity for a language.
func (db *DB) SetPathAlias(ctx context.Context, a models.PathAlias) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO path_alias (entity_id, langcode, alias) VALUES (?, ?, ?)
		ON CONFLICT(entity_id, langcode) DO UPDATE SET alias = excluded.alias
	`, a.EntityID, a.Langcode, a.Alias)
	if err != nil {
		return fmt.Errorf("failed to set path alias: %w", err)
	}
	return nil
}

// DeletePathAlias removes the alias of an entity for a language.
func (db *DB) DeletePathAlias(ctx context.Context, entityID int64, langcode string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM path_alias WHERE entity_id = ? AND langcode = ?", entityID, langcode)
	if err != nil {
		return fmt.Errorf("failed to delete path alias: %w", err)
	}
	return nil
}

// GetPathAlias returns the alias of an entity for a language, falling back
// to the language-neutral alias. It returns "" when neither exists.
func (db *DB) GetPathAlias(ctx context.Context, entityID int64, langcode string) (string, error) {
	var alias string
	err := db.QueryRowContext(ctx, `
		SELECT alias FROM path_alias
		WHERE entity_id = ? AND langcode IN (?, ?)
		ORDER BY CASE langcode WHEN ? THEN 0 ELSE 1 END
		LIMIT 1
	`, entityID, langcode, LangcodeNone, langcode).Scan(&alias)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get path alias: %w", err)
	}
	return alias, nil
}

// ListPathAliases returns every alias, optionally limited to one entity
// when entityID is positive.
func (db *DB) ListPathAliases(ctx context.Context, entityID int64) ([]models.PathAlias, error) {
	query := "SELECT entity_id, langcode, alias FROM path_alias"
	var args []any
	if entityID > 0 {
		query += " WHERE entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY entity_id, langcode"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list path aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aliases []models.PathAlias
	for rows.Next() {
		var a models.PathAlias
		if err := rows.Scan(&a.EntityID, &a.Langcode, &a.Alias); err != nil {
			return nil, fmt.Errorf("failed to scan path alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// AliasedEntityIDs returns every entity that has at least one alias.
func (db *DB) AliasedEntityIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT DISTINCT entity_id FROM path_alias ORDER BY entity_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list aliased entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EntityIDByAlias returns the entity an alias points to, preferring the
// lowest entity id when several share it.
func (db *DB) EntityIDByAlias(ctx context.Context, alias string) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		"SELECT entity_id FROM path_alias WHERE alias = ? ORDER BY entity_id LIMIT 1", alias,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up alias: %w", err)
	}
	return id, true, nil
}
