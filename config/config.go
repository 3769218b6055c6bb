// Package config loads the scraper configuration shared by the fetch and extract phases.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultThreadURL = "https://www.city-data.com/forum/health-wellness/3245374-have-you-had-covid-vaccine-side.html"
	DefaultPageCount = 53
)

// Config holds every setting for a run. Fetcher and Extractor read the same
// PageCount and PagesDir, so the two phases always agree on the page set.
type Config struct {
	ThreadURL       string        // URL of page 1; later pages derive from it
	PageCount       int           // Number of pages to fetch and parse
	PagesDir        string        // Directory holding page-{i}.html files
	DumpPath        string        // Local dump file (used when Bucket is empty)
	Bucket          string        // Cloud Storage bucket for the dump (optional)
	DumpObject      string        // Object name inside Bucket
	CredentialsJSON string        // Explicit Google credentials (optional)
	SQLitePath      string        // SQLite export database (optional)
	FetchAttempts   uint          // HTTP attempts per page
	HTTPTimeout     time.Duration // Zero disables the client timeout
	LogLevel        slog.Level
	LogFormat       string // "json" or "text"
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		ThreadURL:     DefaultThreadURL,
		PageCount:     DefaultPageCount,
		PagesDir:      "pages",
		DumpPath:      "dump.json",
		DumpObject:    "dump.json",
		FetchAttempts: 1,
		HTTPTimeout:   30 * time.Second,
		LogLevel:      slog.LevelInfo,
		LogFormat:     "json",
	}
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, starting from Default.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := Default()

	if v := getenv("THREAD_URL"); v != "" {
		cfg.ThreadURL = v
	}
	if v := getenv("PAGE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse PAGE_COUNT: %w", err)
		}
		cfg.PageCount = n
	}
	if v := getenv("PAGES_DIR"); v != "" {
		cfg.PagesDir = v
	}
	if v := getenv("DUMP_PATH"); v != "" {
		cfg.DumpPath = v
	}
	cfg.Bucket = getenv("STORAGE_BUCKET")
	if v := getenv("DUMP_OBJECT"); v != "" {
		cfg.DumpObject = v
	}
	cfg.CredentialsJSON = getenv("GOOGLE_CREDENTIALS_JSON")
	cfg.SQLitePath = getenv("SQLITE_PATH")
	if v := getenv("FETCH_ATTEMPTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse FETCH_ATTEMPTS: %w", err)
		}
		cfg.FetchAttempts = uint(n)
	}
	if v := getenv("HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = d
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ThreadURL)
	if err != nil {
		return fmt.Errorf("invalid THREAD_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid THREAD_URL %q: scheme must be http or https", c.ThreadURL)
	}
	if c.PageCount < 1 {
		return fmt.Errorf("invalid PAGE_COUNT %d: must be at least 1", c.PageCount)
	}
	if c.PagesDir == "" {
		return errors.New("PAGES_DIR must not be empty")
	}
	if c.Bucket == "" && c.DumpPath == "" {
		return errors.New("DUMP_PATH must not be empty when STORAGE_BUCKET is unset")
	}
	if c.FetchAttempts < 1 {
		return errors.New("FETCH_ATTEMPTS must be at least 1")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("invalid HTTP_TIMEOUT %s: must not be negative", c.HTTPTimeout)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid LOG_FORMAT %q: want json or text", c.LogFormat)
	}
	return nil
}
