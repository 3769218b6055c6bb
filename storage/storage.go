// Package storage handles persistence of extracted post records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"citydata-scraper/pkg/forum"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ErrNotFound is returned by Load when no dump has been saved yet.
var ErrNotFound = errors.New("storage: dump doesn't exist")

// Store persists the dump either to a local file or to a Cloud Storage object.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a new storage handler. When client is nil the dump is kept at
// localPath; otherwise it is written to bucket/object.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

// Location describes where the dump is stored, for logs.
func (s *Store) Location() string {
	if s.client == nil {
		return s.localPath
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Save writes the dump, replacing any previous one.
func (s *Store) Save(ctx context.Context, dump *forum.Dump) error {
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dump: %w", err)
	}

	// Local filesystem storage
	if s.client == nil {
		if dir := filepath.Dir(s.localPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create dump directory: %w", err)
			}
		}
		// Write then rename so a failed run never leaves a truncated dump
		tmp := s.localPath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, s.localPath); err != nil {
			return fmt.Errorf("rename local dump: %w", err)
		}

		s.logger.Info("Dump saved to local storage", "path", s.localPath, "records", len(dump.Records), "bytes", len(data))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Dump saved", "bucket", s.bucket, "object", s.object, "records", len(dump.Records), "bytes", len(data))
	return nil
}

// Load reads and validates the saved dump.
func (s *Store) Load(ctx context.Context) (*forum.Dump, error) {
	var data []byte

	// Local filesystem storage
	if s.client == nil {
		var err error
		data, err = os.ReadFile(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var notFound bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.object, "error", retryErr)
			}),
		)
		if notFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var dump forum.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal dump: %w", err)
	}
	if err := dump.Validate(); err != nil {
		return nil, fmt.Errorf("validate dump: %w", err)
	}

	return &dump, nil
}

// IsNotFound checks if an error indicates no dump was saved.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, storage.ErrObjectNotExist)
}
