// Package report fetches pageview reports from the Google Analytics
// Core Reporting API.
package report

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/j-veylop/analytics-counter/internal/logger"
	"github.com/j-veylop/analytics-counter/internal/models"
)

const (
	// DefaultBaseURL is the Core Reporting API data endpoint.
	DefaultBaseURL = "https://www.googleapis.com/analytics/v3/data/ga"

	// MaxPathLength is the longest path stored, in characters, after escaping.
	MaxPathLength = 2048

	// Bare column names after the "ga:" prefix is stripped.
	ColumnPagePath  = "pagePath"
	ColumnPageviews = "pageviews"

	columnPrefix    = "ga:"
	maxErrorExcerpt = 512
	maxResponseBody = 64 << 20
)

// Config holds configuration for the report client.
type Config struct {
	HTTPClient *http.Client
	BaseURL    string
	Timeout    time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// Client issues authenticated report queries.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a report client. The HTTP client always carries a bounded
// timeout so no fetch blocks indefinitely.
func New(config Config) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	httpClient := &http.Client{Timeout: config.Timeout}
	if config.HTTPClient != nil {
		copied := *config.HTTPClient
		if copied.Timeout <= 0 {
			copied.Timeout = config.Timeout
		}
		httpClient = &copied
	}

	return &Client{httpClient: httpClient, baseURL: config.BaseURL}
}

// Fetch runs one report query with the given bearer token. Every failure
// is returned as a *TransportError.
func (c *Client) Fetch(ctx context.Context, token string, q models.Query) (*models.RemoteResult, error) {
	if token == "" {
		return nil, &TransportError{Err: fmt.Errorf("access token is empty")}
	}

	reqURL, err := c.buildURL(q)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to create report request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, networkError(fmt.Errorf("failed to read report response: %w", err))
	}

	result, err := Parse(body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	logger.Debug("report fetched",
		"start_index", q.StartIndex,
		"rows", len(result.Rows),
		"total_results", result.TotalResults,
		"duration", time.Since(start),
	)
	return result, nil
}

// buildURL encodes a query as the API's URL parameters.
func (c *Client) buildURL(q models.Query) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid report URL %q: %w", c.baseURL, err)
	}

	params := url.Values{}
	params.Set("ids", q.ProfileID)
	params.Set("metrics", strings.Join(q.Metrics, ","))
	if len(q.Dimensions) > 0 {
		params.Set("dimensions", strings.Join(q.Dimensions, ","))
	}
	if len(q.Sort) > 0 {
		params.Set("sort", strings.Join(q.Sort, ","))
	}
	params.Set("start-date", q.StartDate)
	params.Set("end-date", q.EndDate)
	params.Set("start-index", strconv.Itoa(q.StartIndex))
	params.Set("max-results", strconv.Itoa(q.MaxResults))
	if q.Filters != "" {
		params.Set("filters", q.Filters)
	}
	if q.Segment != "" {
		params.Set("segment", q.Segment)
	}

	base.RawQuery = params.Encode()
	return base.String(), nil
}

// flexInt decodes integers the API sends either as numbers or as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

type columnHeader struct {
	Name       string `json:"name"`
	ColumnType string `json:"columnType"`
	DataType   string `json:"dataType"`
}

type reportResponse struct {
	TotalsForAllResults map[string]string `json:"totalsForAllResults"`
	SelfLink            string            `json:"selfLink"`
	ColumnHeaders       []columnHeader    `json:"columnHeaders"`
	Rows                [][]string        `json:"rows"`
	TotalResults        flexInt           `json:"totalResults"`
	DataLastRefreshed   flexInt           `json:"dataLastRefreshed"`
}

// Parse decodes a report response body into a RemoteResult. Column and
// total names lose their "ga:" prefix, and every row is sanitized rather
// than rejected.
func Parse(body []byte) (*models.RemoteResult, error) {
	var raw reportResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse report response: %w", err)
	}

	columns := make(map[string]int, len(raw.ColumnHeaders))
	for i, h := range raw.ColumnHeaders {
		columns[StripPrefix(h.Name)] = i
	}

	pathIdx, hasPath := columns[ColumnPagePath]
	viewsIdx, hasViews := columns[ColumnPageviews]
	if len(raw.Rows) > 0 && (!hasPath || !hasViews) {
		return nil, fmt.Errorf("report response lacks %s or %s column", ColumnPagePath, ColumnPageviews)
	}

	totals := make(map[string]string, len(raw.TotalsForAllResults))
	for k, v := range raw.TotalsForAllResults {
		totals[StripPrefix(k)] = v
	}

	result := &models.RemoteResult{
		SelfLink:       raw.SelfLink,
		TotalResults:   int64(raw.TotalResults),
		TotalPageviews: parseCount(totals[ColumnPageviews]),
		Rows:           make([]models.Row, 0, len(raw.Rows)),
	}
	if raw.DataLastRefreshed > 0 {
		result.DataLastRefreshed = time.Unix(int64(raw.DataLastRefreshed), 0)
	}

	for _, row := range raw.Rows {
		result.Rows = append(result.Rows, models.Row{
			Path:      SanitizePath(cell(row, pathIdx)),
			Pageviews: parseCount(cell(row, viewsIdx)),
		})
	}
	return result, nil
}

// StripPrefix removes the "ga:" prefix from a column or total name.
func StripPrefix(name string) string {
	return strings.TrimPrefix(name, columnPrefix)
}

// SanitizePath HTML-escapes a remote path and truncates it to
// MaxPathLength characters.
func SanitizePath(path string) string {
	escaped := html.EscapeString(path)
	if utf8.RuneCountInString(escaped) <= MaxPathLength {
		return escaped
	}
	runes := []rune(escaped)
	return string(runes[:MaxPathLength])
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// parseCount reads a pageview count; malformed or negative values count
// as zero.
func parseCount(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
