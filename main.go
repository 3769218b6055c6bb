// Package main implements a command that downloads a City-Data forum thread
// and extracts every post into a versioned JSON dump.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"citydata-scraper/config"
	"citydata-scraper/extractor"
	"citydata-scraper/fetcher"
	"citydata-scraper/pipeline"
	"citydata-scraper/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Replaced once the configuration is loaded
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs after configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "citydata-scraper",
		Short:         "citydata-scraper downloads a City-Data thread and extracts its posts.",
		Long:          "Without a subcommand, fetches every page of the thread and then extracts the posts (same as \"run\").",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRunner(cmd, (*pipeline.Runner).Run)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Fetch every page, then extract the posts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withRunner(cmd, (*pipeline.Runner).Run)
			},
		},
		&cobra.Command{
			Use:   "fetch",
			Short: "Download every page of the thread to the pages directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withRunner(cmd, (*pipeline.Runner).Fetch)
			},
		},
		&cobra.Command{
			Use:   "extract",
			Short: "Extract posts from previously downloaded pages",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withRunner(cmd, (*pipeline.Runner).Extract)
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the records of the saved dump",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.show(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "quoted-by USERNAME",
			Short: "List the users who quoted USERNAME (requires SQLITE_PATH)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.quotedBy(cmd.Context(), cmd.OutOrStdout(), args[0])
			},
		},
	)

	return root
}

// setup loads the configuration and installs the logger.
func (a *app) setup(logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg, logOut)
	slog.SetDefault(a.logger)
	return nil
}

// newLogger builds the structured logger. Logs never go to standard output,
// which carries the record listing.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// withRunner builds the pipeline, runs phase and releases every client.
func (a *app) withRunner(cmd *cobra.Command, phase func(*pipeline.Runner, context.Context) error) error {
	ctx := cmd.Context()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var exporter pipeline.Exporter
	if a.cfg.SQLitePath != "" {
		db, err := storage.Open(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite export: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				a.logger.Warn("Failed to close database", "error", closeErr)
			}
		}()
		exporter = db
	}

	client := &http.Client{Timeout: a.cfg.HTTPTimeout}
	f := fetcher.New(client, a.logger, a.cfg.ThreadURL, a.cfg.PageCount, a.cfg.PagesDir, a.cfg.FetchAttempts)
	e := extractor.New(a.logger, extractor.CityData, a.cfg.PagesDir, a.cfg.PageCount)
	r := pipeline.New(f, e, store, exporter, a.cfg.ThreadURL, cmd.OutOrStdout(), a.logger)

	a.logger.Info("Starting",
		"command", cmd.Name(),
		"thread_url", a.cfg.ThreadURL,
		"pages", a.cfg.PageCount,
		"pages_dir", a.cfg.PagesDir,
		"dump", store.Location())

	return phase(r, ctx)
}

// openStore returns the dump store, backed by Cloud Storage when a bucket is
// configured and by the local filesystem otherwise.
func (a *app) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.cfg.Bucket == "" {
		return storage.New(nil, "", "", a.cfg.DumpPath, a.logger), func() {}, nil
	}

	var opts []option.ClientOption
	if a.cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(a.cfg.CredentialsJSON)))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, a.cfg.Bucket, a.cfg.DumpObject, "", a.logger), closeClient, nil
}

// show prints the records of the saved dump.
func (a *app) show(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	dump, err := store.Load(ctx)
	if err != nil {
		if storage.IsNotFound(err) {
			return fmt.Errorf("no dump at %s, run extract first", store.Location())
		}
		return fmt.Errorf("load dump: %w", err)
	}

	a.logger.Info("Dump loaded",
		"source", dump.Source,
		"generated_at", dump.GeneratedAt,
		"records", len(dump.Records))

	return pipeline.WriteRecords(out, dump.Records)
}

// quotedBy prints, one per line, the users who quoted username.
func (a *app) quotedBy(ctx context.Context, out io.Writer, username string) error {
	if a.cfg.SQLitePath == "" {
		return errors.New("SQLITE_PATH is not set")
	}

	db, err := storage.Open(a.cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite export: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			a.logger.Warn("Failed to close database", "error", closeErr)
		}
	}()

	count, err := db.Count(ctx)
	if err != nil {
		return fmt.Errorf("count posts: %w", err)
	}
	if count == 0 {
		a.logger.Warn("Export database is empty", "path", a.cfg.SQLitePath)
	}

	names, err := db.QuotedBy(ctx, username)
	if err != nil {
		return fmt.Errorf("query quotes: %w", err)
	}
	for _, name := range names {
		if _, err := fmt.Fprintln(out, name); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	a.logger.Info("Quote lookup completed", "username", username, "quoted_by", len(names), "posts", count)
	return nil
}
