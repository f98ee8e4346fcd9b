// Package aliases resolves content entities to the site paths that name
// them, from a local alias table and the configured languages.
package aliases

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/j-veylop/analytics-counter/internal/models"
)

// DefaultPattern formats the canonical path of an entity.
const DefaultPattern = "/node/%d"

// Store reads the alias table.
type Store interface {
	GetPathAlias(ctx context.Context, entityID int64, langcode string) (string, error)
	EntityIDByAlias(ctx context.Context, alias string) (int64, bool, error)
	PathsWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Language is a site language and its optional URL path prefix.
type Language struct {
	Code   string
	Prefix string
}

// Resolver implements the alias lookups the aggregate store needs.
type Resolver struct {
	store     Store
	pattern   string
	languages []Language
}

// NewResolver creates a resolver. An empty pattern uses DefaultPattern.
func NewResolver(store Store, pattern string, languages []Language) *Resolver {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Resolver{store: store, pattern: pattern, languages: languages}
}

// CanonicalPath returns the system path of an entity.
func (r *Resolver) CanonicalPath(entityID int64) string {
	return fmt.Sprintf(r.pattern, entityID)
}

// VariantsFor returns the canonical path, the alias of every language
// (the canonical path when a language has none) and, for languages with a
// prefix, the prefixed canonical path and alias.
func (r *Resolver) VariantsFor(ctx context.Context, entityID int64) ([]string, error) {
	canonical := r.CanonicalPath(entityID)
	variants := []string{canonical}

	for _, lang := range r.languages {
		alias, err := r.store.GetPathAlias(ctx, entityID, lang.Code)
		if err != nil {
			return nil, err
		}
		if alias == "" {
			alias = canonical
		}
		variants = append(variants, alias)

		if lang.Prefix != "" {
			variants = append(variants,
				"/"+lang.Prefix+canonical,
				"/"+lang.Prefix+alias,
			)
		}
	}
	return lo.Uniq(variants), nil
}

// EntityForPath returns the entity named by path, either through an alias
// or by matching the canonical path pattern.
func (r *Resolver) EntityForPath(ctx context.Context, path string) (int64, bool, error) {
	id, ok, err := r.store.EntityIDByAlias(ctx, path)
	if err != nil || ok {
		return id, ok, err
	}
	id, ok = r.parseCanonical(path)
	return id, ok, nil
}

// CountedEntityIDs returns the entities whose canonical path has a stored
// count, with or without a language prefix or trailing slash.
func (r *Resolver) CountedEntityIDs(ctx context.Context) ([]int64, error) {
	base, _, found := strings.Cut(r.pattern, "%d")
	if !found {
		return nil, nil
	}

	langPrefixes := []string{""}
	for _, lang := range r.languages {
		if lang.Prefix != "" {
			langPrefixes = append(langPrefixes, "/"+lang.Prefix)
		}
	}

	var ids []int64
	for _, lp := range lo.Uniq(langPrefixes) {
		paths, err := r.store.PathsWithPrefix(ctx, lp+base)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			path = strings.TrimPrefix(path, lp)
			id, ok := r.parseCanonical(path)
			if !ok {
				id, ok = r.parseCanonical(strings.TrimSuffix(path, "/"))
			}
			if ok {
				ids = append(ids, id)
			}
		}
	}
	return lo.Uniq(ids), nil
}

// parseCanonical inverts the canonical pattern for a path like /node/42.
func (r *Resolver) parseCanonical(path string) (int64, bool) {
	prefix, suffix, found := strings.Cut(r.pattern, "%d")
	if !found || !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Aliases returns the stored aliases of an entity per configured language.
func (r *Resolver) Aliases(ctx context.Context, entityID int64) ([]models.PathAlias, error) {
	var out []models.PathAlias
	for _, lang := range r.languages {
		alias, err := r.store.GetPathAlias(ctx, entityID, lang.Code)
		if err != nil {
			return nil, err
		}
		if alias != "" {
			out = append(out, models.PathAlias{EntityID: entityID, Langcode: lang.Code, Alias: alias})
		}
	}
	return out, nil
}
