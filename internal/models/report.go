package models

import "time"

// Query is a request for one page of report data. It carries no response
// state and is safe to hash for cache keys.
type Query struct {
	ProfileID  string   `json:"ids"`
	Filters    string   `json:"filters,omitempty"`
	Segment    string   `json:"segment,omitempty"`
	StartDate  string   `json:"start-date"`
	EndDate    string   `json:"end-date"`
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions"`
	Sort       []string `json:"sort,omitempty"`
	StartIndex int      `json:"start-index"`
	MaxResults int      `json:"max-results"`
}

// Row is a single sanitized (path, pageviews) pair from a report.
type Row struct {
	Path      string `json:"path"`
	Pageviews int64  `json:"pageviews"`
}

// RemoteResult is the parsed response for one Query.
type RemoteResult struct {
	DataLastRefreshed time.Time `json:"dataLastRefreshed"`
	SelfLink          string    `json:"selfLink"`
	Rows              []Row     `json:"rows"`
	TotalResults      int64     `json:"totalResults"`
	TotalPageviews    int64     `json:"totalPageviews"`
}
