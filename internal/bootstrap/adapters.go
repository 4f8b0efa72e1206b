package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/dispatch-api/config"
	"github.com/parleyhq/dispatch-api/internal/adapters/jobrunner"
	"github.com/parleyhq/dispatch-api/internal/adapters/reaper"
	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	"github.com/parleyhq/dispatch-api/internal/observability/notify/pagerduty"
	"github.com/parleyhq/dispatch-api/internal/observability/notify/slack"
	"github.com/parleyhq/dispatch-api/internal/observability/statsd"
	"github.com/parleyhq/dispatch-api/internal/service/failurenotifier"
	"github.com/parleyhq/dispatch-api/internal/work"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

// WorkersRuntimeConfig contains configuration for the worker service.
type WorkersRuntimeConfig struct {
	DB        *sql.DB
	Logger    *slog.Logger
	Workers   config.WorkersConfig
	OpenAI    config.OpenAIConfig
	Artifacts config.ArtifactsConfig
	Channel   core.NotificationChannel
	Metrics   statsd.Sink

	// Notify configures operator sinks for terminal job failures.
	Notify config.ObservabilityNotifyConfig
	// StatusBaseURL is the public base of the jobs API, used to build
	// status links in notifications.
	StatusBaseURL string
}

// RunWorkers starts one job runner per enabled kind and blocks until the
// context is cancelled or a runner fails.
func RunWorkers(ctx context.Context, cfg WorkersRuntimeConfig) error {
	if cfg.DB == nil {
		return errors.New("database connection is required")
	}
	if cfg.Channel == nil {
		return errors.New("notification channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kinds, explicit, err := parseWorkerKinds(cfg.Workers.Kinds)
	if err != nil {
		return err
	}

	units, err := buildWorkUnits(buildWorkUnitsOptions{
		Kinds:     kinds,
		Explicit:  explicit,
		OpenAI:    cfg.OpenAI,
		Artifacts: cfg.Artifacts,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return errors.New("no work units available for the configured kinds")
	}

	notifier, err := buildFailureNotifier(cfg, logger)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, unit := range units {
		runner, runnerErr := jobrunner.NewRunner(jobrunner.RunnerOptions{
			DB:              cfg.DB,
			Logger:          logger,
			Lease:           cfg.Workers.JobLease,
			Concurrency:     cfg.Workers.Concurrency,
			Kind:            unit.Kind(),
			Unit:            unit,
			Channel:         cfg.Channel,
			Metrics:         cfg.Metrics,
			FailureNotifier: notifier,
		})
		if runnerErr != nil {
			return fmt.Errorf("create %s runner: %w", unit.Kind(), runnerErr)
		}
		kind := unit.Kind()
		g.Go(func() error {
			if runErr := runner.Run(gCtx); runErr != nil {
				return fmt.Errorf("run %s runner: %w", kind, runErr)
			}
			return nil
		})
	}

	return g.Wait()
}

// parseWorkerKinds resolves the configured kind list. An empty list means all
// kinds; explicit reports whether the operator named kinds themselves.
func parseWorkerKinds(raw string) ([]model.JobKind, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return model.AllJobKinds(), false, nil
	}

	var kinds []model.JobKind
	seen := make(map[model.JobKind]bool)
	for _, part := range strings.Split(trimmed, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		kind := model.JobKind(name)
		if !kind.Valid() {
			return nil, true, fmt.Errorf("invalid worker kind: %q", name)
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}

	if len(kinds) == 0 {
		return nil, true, errors.New("worker kinds list is empty")
	}
	return kinds, true, nil
}

type buildWorkUnitsOptions struct {
	Kinds     []model.JobKind
	Explicit  bool
	OpenAI    config.OpenAIConfig
	Artifacts config.ArtifactsConfig
	Logger    *slog.Logger
}

// buildWorkUnits constructs the units backing the requested kinds. Kinds that
// need an OpenAI credential are skipped with a warning when the kind list was
// defaulted, and fail startup when the operator asked for them explicitly.
func buildWorkUnits(opts buildWorkUnitsOptions) ([]core.WorkUnit, error) {
	store, err := work.NewFSStore(opts.Artifacts.Dir)
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}

	var client *openai.Client
	if strings.TrimSpace(opts.OpenAI.APIKey) != "" {
		client = newOpenAIClient(opts.OpenAI)
	}

	units := make([]core.WorkUnit, 0, len(opts.Kinds))
	for _, kind := range opts.Kinds {
		switch kind {
		case model.JobKindExport:
			unit, unitErr := work.NewExportUnit(work.ExportUnitOptions{
				Store:  store,
				Logger: opts.Logger,
			})
			if unitErr != nil {
				return nil, fmt.Errorf("create export unit: %w", unitErr)
			}
			units = append(units, unit)

		case model.JobKindEmbedding:
			if client == nil {
				if opts.Explicit {
					return nil, fmt.Errorf("kind %s requires OPENAI_API_KEY", kind)
				}
				opts.Logger.Warn("skipping worker kind without OpenAI credentials", "kind", kind)
				continue
			}
			unit, unitErr := work.NewEmbeddingUnit(work.EmbeddingUnitOptions{
				Client: client,
				Store:  store,
				Logger: opts.Logger,
			})
			if unitErr != nil {
				return nil, fmt.Errorf("create embedding unit: %w", unitErr)
			}
			units = append(units, unit)

		case model.JobKindEvaluation:
			if client == nil {
				if opts.Explicit {
					return nil, fmt.Errorf("kind %s requires OPENAI_API_KEY", kind)
				}
				opts.Logger.Warn("skipping worker kind without OpenAI credentials", "kind", kind)
				continue
			}
			unit, unitErr := work.NewEvaluationUnit(work.EvaluationUnitOptions{
				Streamer: &work.OpenAIStreamer{Client: client},
				Store:    store,
				Logger:   opts.Logger,
			})
			if unitErr != nil {
				return nil, fmt.Errorf("create evaluation unit: %w", unitErr)
			}
			units = append(units, unit)

		default:
			return nil, fmt.Errorf("no work unit for kind: %s", kind)
		}
	}

	return units, nil
}

// buildFailureNotifier assembles the operator sinks the config enables.
// Returns nil when no sink is configured so callers can skip the wiring.
func buildFailureNotifier(cfg WorkersRuntimeConfig, logger *slog.Logger) (jobrunner.FailureNotifier, error) {
	var sinks []failurenotifier.SinkRegistration

	if cfg.Notify.SlackEnabled() {
		statusPrefix := ""
		if base := strings.TrimSpace(cfg.StatusBaseURL); base != "" {
			statusPrefix = strings.TrimRight(base, "/") + "/api/jobs"
		}
		client, err := slack.NewClient(slack.Config{
			WebhookURL:      cfg.Notify.SlackWebhookURL,
			Channel:         cfg.Notify.SlackChannel,
			Username:        cfg.Notify.SlackUsername,
			Timeout:         cfg.Notify.Timeout,
			RetryLimit:      cfg.Notify.RetryLimit,
			StatusURLPrefix: statusPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create slack sink: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
	}

	if cfg.Notify.PagerDutyEnabled() {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.Notify.PagerDutyRoutingKey,
			Timeout:    cfg.Notify.Timeout,
			RetryLimit: cfg.Notify.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("create pagerduty sink: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
	}

	if len(sinks) == 0 {
		return nil, nil
	}

	logger.Info("failure notifications enabled", "sinks", len(sinks))
	return failurenotifier.NewService(failurenotifier.Options{
		Logger: logger,
		Sinks:  sinks,
	}), nil
}

func newOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return openai.NewClient(cfg.APIKey)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return openai.NewClientWithConfig(clientCfg)
}

// ReaperRuntimeConfig contains configuration for the reaper service.
type ReaperRuntimeConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the queue hygiene loop.
func RunReaper(ctx context.Context, cfg ReaperRuntimeConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
