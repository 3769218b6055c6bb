// Package pipeline runs the fetch and extract phases in order.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"citydata-scraper/pkg/forum"
)

// Fetcher downloads every thread page to disk.
type Fetcher interface {
	Run(ctx context.Context) error
}

// Extractor parses saved pages into records.
type Extractor interface {
	Run(ctx context.Context) ([]*forum.PostRecord, error)
}

// Store persists the dump.
type Store interface {
	Save(ctx context.Context, dump *forum.Dump) error
}

// Exporter mirrors records into a queryable database.
type Exporter interface {
	ReplaceAll(ctx context.Context, records []*forum.PostRecord) error
}

// Runner wires the phases together.
type Runner struct {
	fetcher   Fetcher
	extractor Extractor
	store     Store
	exporter  Exporter
	source    string
	out       io.Writer
	logger    *slog.Logger
}

// New creates a new runner. exporter may be nil.
func New(fetcher Fetcher, extractor Extractor, store Store, exporter Exporter, source string, out io.Writer, logger *slog.Logger) *Runner {
	return &Runner{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		exporter:  exporter,
		source:    source,
		out:       out,
		logger:    logger,
	}
}

// Run fetches every page, then extracts them.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	if err := r.Fetch(ctx); err != nil {
		return err
	}
	if err := r.Extract(ctx); err != nil {
		return err
	}
	r.logger.Info("Run completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Fetch runs the fetch phase only.
func (r *Runner) Fetch(ctx context.Context) error {
	if err := r.fetcher.Run(ctx); err != nil {
		return fmt.Errorf("fetch pages: %w", err)
	}
	return nil
}

// Extract parses the saved pages, stores the dump and prints the records.
// Nothing is stored or printed when extraction fails.
func (r *Runner) Extract(ctx context.Context) error {
	records, err := r.extractor.Run(ctx)
	if err != nil {
		return fmt.Errorf("extract records: %w", err)
	}

	dump := forum.NewDump(r.source, records)
	if err := r.store.Save(ctx, dump); err != nil {
		return fmt.Errorf("save dump: %w", err)
	}

	if r.exporter != nil {
		if err := r.exporter.ReplaceAll(ctx, dump.Records); err != nil {
			return fmt.Errorf("export records: %w", err)
		}
		r.logger.Info("Records exported", "records", len(dump.Records))
	}

	return WriteRecords(r.out, dump.Records)
}

// WriteRecords prints records to w as an indented JSON list.
func WriteRecords(w io.Writer, records []*forum.PostRecord) error {
	if records == nil {
		records = []*forum.PostRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}
