// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Language is a site language and its optional URL path prefix.
type Language struct {
	Code   string
	Prefix string
}

// Config holds the application configuration.
type Config struct {
	DatabasePath       string
	CredentialsPath    string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	ReportURL          string
	LogLevel           string
	LogFormat          string

	// Report query
	ProfileID      string
	StartDate      string
	FixedStartDate string
	FixedEndDate   string
	Filters        string
	Segment        string
	ChunkSize      int
	DayQuota       int64
	CacheLength    time.Duration
	RequestTimeout time.Duration

	// Scheduling
	CronInterval    time.Duration
	QueueTimeBudget time.Duration

	// Aggregation
	EntityPathPattern    string
	Languages            []Language
	FrontPageEntityID    int64
	LegacyCounterEnabled bool
	Notifications        bool
}

// Default values
const (
	defaultChunkSize       = 1000
	maxChunkSize           = 10000
	defaultDayQuota        = 10000
	defaultCacheLength     = 24 * time.Hour
	defaultStartDate       = "-1 year"
	defaultRequestTimeout  = 30 * time.Second
	defaultCronInterval    = 30 * time.Minute
	defaultQueueTimeBudget = 60 * time.Second
	defaultEntityPattern   = "/node/%d"
	defaultLanguages       = "en:"
	defaultReportURL       = "https://www.googleapis.com/analytics/v3/data/ga"

	// DateLayout is the date format of the report API.
	DateLayout = "2006-01-02"
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	for _, path := range getEnvPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	languages, err := ParseLanguages(getEnvString("LANGUAGES", defaultLanguages))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabasePath:       getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		CredentialsPath:    getEnvString("CREDENTIALS_PATH", getDefaultCredentialsPath()),
		GoogleClientID:     getEnvString("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnvString("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnvString("GOOGLE_REDIRECT_URI", ""),
		ReportURL:          getEnvString("GA_REPORT_URL", defaultReportURL),
		LogLevel:           getEnvString("LOG_LEVEL", "info"),
		LogFormat:          getEnvString("LOG_FORMAT", "text"),

		ProfileID:      getEnvString("GA_PROFILE_ID", ""),
		StartDate:      getEnvString("GA_START_DATE", defaultStartDate),
		FixedStartDate: getEnvString("GA_FIXED_START_DATE", ""),
		FixedEndDate:   getEnvString("GA_FIXED_END_DATE", ""),
		Filters:        getEnvString("GA_FILTERS", ""),
		Segment:        getEnvString("GA_SEGMENT", ""),
		ChunkSize:      getEnvInt("GA_CHUNK_SIZE", defaultChunkSize),
		DayQuota:       int64(getEnvInt("GA_API_DAY_QUOTA", defaultDayQuota)),
		CacheLength:    getEnvDuration("GA_CACHE_LENGTH", defaultCacheLength),
		RequestTimeout: getEnvDuration("GA_REQUEST_TIMEOUT", defaultRequestTimeout),

		CronInterval:    getEnvDuration("CRON_INTERVAL", defaultCronInterval),
		QueueTimeBudget: getEnvDuration("QUEUE_TIME_BUDGET", defaultQueueTimeBudget),

		EntityPathPattern:    getEnvString("ENTITY_PATH_PATTERN", defaultEntityPattern),
		Languages:            languages,
		FrontPageEntityID:    int64(getEnvInt("FRONT_PAGE_ENTITY_ID", 0)),
		LegacyCounterEnabled: getEnvBool("LEGACY_COUNTER_ENABLED", false),
		Notifications:        getEnvBool("NOTIFICATIONS", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and the consistency of the date settings.
func (c *Config) Validate() error {
	if c.ChunkSize < 1 || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("GA_CHUNK_SIZE must be between 1 and %d, got %d", maxChunkSize, c.ChunkSize)
	}
	if c.DayQuota < 1 {
		return fmt.Errorf("GA_API_DAY_QUOTA must be positive, got %d", c.DayQuota)
	}
	if c.CacheLength < 0 {
		return fmt.Errorf("GA_CACHE_LENGTH must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("GA_REQUEST_TIMEOUT must be positive")
	}
	if (c.FixedStartDate == "") != (c.FixedEndDate == "") {
		return fmt.Errorf("GA_FIXED_START_DATE and GA_FIXED_END_DATE must be set together")
	}
	if c.UseFixedDates() {
		start, err := time.Parse(DateLayout, c.FixedStartDate)
		if err != nil {
			return fmt.Errorf("invalid GA_FIXED_START_DATE: %w", err)
		}
		end, err := time.Parse(DateLayout, c.FixedEndDate)
		if err != nil {
			return fmt.Errorf("invalid GA_FIXED_END_DATE: %w", err)
		}
		if end.Before(start) {
			return fmt.Errorf("GA_FIXED_END_DATE is before GA_FIXED_START_DATE")
		}
	} else if _, err := ResolveStartDate(c.StartDate, time.Now()); err != nil {
		return err
	}
	if !strings.Contains(c.EntityPathPattern, "%d") {
		return fmt.Errorf("ENTITY_PATH_PATTERN must contain %%d, got %q", c.EntityPathPattern)
	}
	return nil
}

// UseFixedDates reports whether queries use the fixed date range.
func (c *Config) UseFixedDates() bool {
	return c.FixedStartDate != "" && c.FixedEndDate != ""
}

// LanguagePrefixes returns the configured prefixes keyed by language code.
func (c *Config) LanguagePrefixes() map[string]string {
	prefixes := make(map[string]string, len(c.Languages))
	for _, lang := range c.Languages {
		prefixes[lang.Code] = lang.Prefix
	}
	return prefixes
}

// ParseLanguages parses "code:prefix" pairs separated by commas, for
// example "en:,fr:fr". An empty prefix means the language has none.
func ParseLanguages(value string) ([]Language, error) {
	var langs []Language
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, prefix, _ := strings.Cut(part, ":")
		code = strings.TrimSpace(code)
		if code == "" {
			return nil, fmt.Errorf("invalid LANGUAGES entry %q", part)
		}
		langs = append(langs, Language{
			Code:   code,
			Prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		})
	}
	if len(langs) == 0 {
		return nil, fmt.Errorf("LANGUAGES must name at least one language")
	}
	return langs, nil
}

// ResolveStartDate turns a relative lookback such as "-1 week" or
// "-3 months", or an absolute YYYY-MM-DD date, into a date relative to now.
func ResolveStartDate(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(DateLayout, value); err == nil {
		return t, nil
	}

	fields := strings.Fields(value)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("invalid GA_START_DATE %q", value)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n > 0 {
		return time.Time{}, fmt.Errorf("invalid GA_START_DATE %q: want a negative offset", value)
	}

	switch strings.TrimSuffix(fields[1], "s") {
	case "day":
		return now.AddDate(0, 0, n), nil
	case "week":
		return now.AddDate(0, 0, 7*n), nil
	case "month":
		return now.AddDate(0, n, 0), nil
	case "year":
		return now.AddDate(n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid GA_START_DATE unit in %q", value)
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "analytics-counter", ".env"),
			filepath.Join(home, ".analytics-counter", ".env"),
		)
	}

	// Parent directory (useful for development)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(cwd), ".env"))
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "counter.db"
	}
	return filepath.Join(home, ".config", "analytics-counter", "counter.db")
}

// getDefaultCredentialsPath returns the default path for the OAuth client file.
func getDefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(home, ".config", "analytics-counter", "credentials.json")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "24h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
