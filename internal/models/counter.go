// Package models defines data structures and domain types.
package models

import "time"

// PathRecord is the stored pageview count for one remote page path.
// PathHash is always the digest of Path; lookups go through the hash.
type PathRecord struct {
	PathHash  string
	Path      string
	Pageviews int64
}

// EntityAggregate is the pageview total attributed to one content entity
// across all of its path variants at the time it was last aggregated.
type EntityAggregate struct {
	EntityID      int64
	PageviewTotal int64
}

// LegacyCounter mirrors an aggregate into the legacy per-entity counter.
type LegacyCounter struct {
	Timestamp  time.Time
	EntityID   int64
	TotalCount int64
}

// PathAlias maps an entity to a language-specific alias path.
type PathAlias struct {
	Langcode string `json:"langcode"`
	Alias    string `json:"alias"`
	EntityID int64  `json:"entityId"`
}
