package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/parleyhq/dispatch-api/internal/data"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

type statsOptions struct {
	Kind    string
	Timeout time.Duration
}

func parseStatsFlags(args []string) (statsOptions, error) {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := statsOptions{
		Timeout: defaultCommandTimeout,
	}

	fs.StringVar(&opts.Kind, "kind", "", "Limit output to one job kind (default: all kinds)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration to wait for the query")

	if err := fs.Parse(args); err != nil {
		return statsOptions{}, err
	}

	if opts.Kind != "" && !model.JobKind(opts.Kind).Valid() {
		return statsOptions{}, fmt.Errorf("unknown job kind %q", opts.Kind)
	}
	if opts.Timeout <= 0 {
		return statsOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseStatsFlags(args)
	if err != nil {
		return err
	}

	kinds := model.AllJobKinds()
	if opts.Kind != "" {
		kinds = []model.JobKind{model.JobKind(opts.Kind)}
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger})

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writef(w, "KIND\tPENDING\tRUNNING\tCOMPLETED\tFAILED\n"); err != nil {
			return fmt.Errorf("print stats header: %w", err)
		}
		for _, kind := range kinds {
			stats, statsErr := repo.Stats(ctx, kind)
			if statsErr != nil {
				return fmt.Errorf("get stats for kind %s: %w", kind, statsErr)
			}
			if err := writef(w, "%s\t%d\t%d\t%d\t%d\n",
				kind, stats.Pending, stats.Running, stats.Completed, stats.Failed,
			); err != nil {
				return fmt.Errorf("print stats row: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush stats table: %w", err)
		}
		return nil
	})
}

type statusOptions struct {
	Key     string
	Timeout time.Duration
}

func parseStatusFlags(args []string) (statusOptions, error) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := statusOptions{
		Timeout: defaultCommandTimeout,
	}

	fs.StringVar(&opts.Key, "key", "", "Logical key to inspect (required)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration to wait for the query")

	if err := fs.Parse(args); err != nil {
		return statusOptions{}, err
	}

	if opts.Key == "" {
		return statusOptions{}, errors.New("--key is required")
	}
	if opts.Timeout <= 0 {
		return statusOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseStatusFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewCompletionRepo(db, data.CompletionRepoConfig{Logger: cmdCtx.Logger})

		rec, getErr := repo.Get(ctx, opts.Key)
		if getErr != nil {
			return fmt.Errorf("get completion record: %w", getErr)
		}
		if rec == nil {
			return writef(os.Stdout, "No completion record for key %q\n", opts.Key)
		}

		return printCompletionRecord(rec)
	})
}

func printCompletionRecord(rec *model.CompletionRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"Logical key", rec.LogicalKey},
		{"Notified", fmt.Sprintf("%t", rec.Notified)},
		{"Result ref", derefOr(rec.ResultRef, "-")},
		{"Last error", derefOr(rec.LastError, "-")},
		{"Created", rec.CreatedAt.Format(time.RFC3339)},
		{"Updated", rec.UpdatedAt.Format(time.RFC3339)},
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print status row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush status table: %w", err)
	}
	return nil
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

type cleanupOptions struct {
	Key     string
	Yes     bool
	Timeout time.Duration
}

func parseCleanupFlags(args []string) (cleanupOptions, error) {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := cleanupOptions{
		Timeout: defaultCommandTimeout,
	}

	fs.StringVar(&opts.Key, "key", "", "Logical key to release (required)")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration to wait for the delete")

	if err := fs.Parse(args); err != nil {
		return cleanupOptions{}, err
	}

	if opts.Key == "" {
		return cleanupOptions{}, errors.New("--key is required")
	}
	if opts.Timeout <= 0 {
		return cleanupOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runCleanup(cmdCtx *commandContext, args []string) error {
	opts, err := parseCleanupFlags(args)
	if err != nil {
		return err
	}

	if confirmErr := confirmAction(opts.Yes, "delete the completion record", fmt.Sprintf("key %q", opts.Key)); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewCompletionRepo(db, data.CompletionRepoConfig{Logger: cmdCtx.Logger})

		deleted, delErr := repo.DeleteNotified(ctx, opts.Key)
		if errors.Is(delErr, data.ErrCompletionInFlight) {
			return fmt.Errorf("key %q is still in flight; wait for the terminal event or fail the job first", opts.Key)
		}
		if delErr != nil {
			return fmt.Errorf("delete completion record: %w", delErr)
		}
		if !deleted {
			return writef(os.Stdout, "No completion record for key %q\n", opts.Key)
		}

		return writef(os.Stdout, "Completion record for key %q deleted\n", opts.Key)
	})
}
