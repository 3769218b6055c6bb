// Package fetcher downloads thread pages and writes them to disk.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"citydata-scraper/pkg/forum"

	"github.com/codeGROOVE-dev/retry"
)

// StatusError indicates a non-2xx response for a page.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatusError checks if an error is an HTTP status error.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// PageURLs returns the URLs of pages 1..count. Page 1 is baseURL itself; page i
// inserts "-i" before the path extension.
func PageURLs(baseURL string, count int) ([]string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	urls := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		urls = append(urls, buildPageURL(u, i))
	}
	return urls, nil
}

func buildPageURL(base *url.URL, pageNum int) string {
	if pageNum <= 1 {
		return base.String()
	}
	u := *base
	ext := path.Ext(u.Path)
	stem := strings.TrimSuffix(u.Path, ext)
	u.Path = fmt.Sprintf("%s-%d%s", stem, pageNum, ext)
	u.RawPath = ""
	return u.String()
}

// Fetcher downloads a fixed sequence of thread pages.
type Fetcher struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	count    int
	dir      string
	attempts uint
}

// New creates a new fetcher. attempts below 1 are treated as 1.
func New(client *http.Client, logger *slog.Logger, baseURL string, count int, dir string, attempts uint) *Fetcher {
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{
		client:   client,
		logger:   logger,
		baseURL:  baseURL,
		count:    count,
		dir:      dir,
		attempts: attempts,
	}
}

// Run fetches every page in order and writes each body to forum.PageFile(dir, i).
// The first failure aborts the run; pages already written stay on disk.
func (f *Fetcher) Run(ctx context.Context) error {
	urls, err := PageURLs(f.baseURL, f.count)
	if err != nil {
		return err
	}

	if err := ensureDir(f.dir); err != nil {
		return err
	}

	f.logger.Info("Starting page fetch", "base_url", f.baseURL, "pages", len(urls), "dir", f.dir)
	start := time.Now()

	for i, pageURL := range urls {
		page := i + 1
		body, err := f.fetchPage(ctx, pageURL)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", page, err)
		}

		file := forum.PageFile(f.dir, page)
		if err := os.WriteFile(file, body, 0o644); err != nil {
			return fmt.Errorf("write page %d: %w", page, err)
		}
		f.logger.Debug("Page written", "page", page, "path", file, "bytes", len(body))
	}

	f.logger.Info("Page fetch completed", "pages", len(urls), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// ensureDir creates dir. Only an existing directory is tolerated; any other
// failure (permissions, a file in the way) is returned.
func ensureDir(dir string) error {
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("create pages directory: %w", err)
	}
	info, statErr := os.Stat(dir)
	if statErr != nil {
		return fmt.Errorf("stat pages directory: %w", statErr)
	}
	if !info.IsDir() {
		return fmt.Errorf("create pages directory: %s exists and is not a directory", dir)
	}
	return nil
}

func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	var body []byte
	var lastErr error

	err := retry.Do(
		func() error {
			f.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_thread_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; the forum serves a reduced page to unknown agents
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				f.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				lastErr = err
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			f.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", resp.ContentLength)

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				statusErr := &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
				lastErr = statusErr
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(statusErr)
				}
				return statusErr
			}

			body, err = io.ReadAll(resp.Body)
			if err != nil {
				lastErr = fmt.Errorf("read body: %w", err)
				return lastErr
			}
			return nil
		},
		retry.Attempts(f.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
	)
	if err != nil {
		// Report the attempt's own error rather than the retry summary
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	return body, nil
}
