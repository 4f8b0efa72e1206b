package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the job workers.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for queue hygiene.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// DispatchConfig contains submission handling configuration.
type DispatchConfig struct {
	// MaxPayloadBytes bounds the size of a submitted payload.
	MaxPayloadBytes int `env:"DISPATCH_MAX_PAYLOAD_BYTES" envDefault:"262144"`

	// DedupWindow is the advisory duplicate-collapse window in Redis.
	DedupWindow time.Duration `env:"DISPATCH_DEDUP_WINDOW" envDefault:"5s"`

	// MaxRetries is the per-job delivery attempt bound.
	MaxRetries int `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to dispatch configuration values.
func (d *DispatchConfig) Sanitize() {
	if d.MaxPayloadBytes < 1024 {
		d.MaxPayloadBytes = 1024
	}
	if d.DedupWindow < time.Second {
		d.DedupWindow = time.Second
	}
	if d.MaxRetries < 1 {
		d.MaxRetries = 1
	}
}

// WorkersConfig contains worker service configuration. One runner is started
// per enabled job kind.
type WorkersConfig struct {
	// Concurrency is the number of worker goroutines per job kind.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration to lease a job while it is being processed.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"30s"`

	// Kinds is a comma-delimited list of job kinds to process.
	// Empty means all kinds.
	Kinds string `env:"WORKER_KINDS" envDefault:""`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkersConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
}

// ReaperConfig contains job reaper service configuration. The reaper touches
// queue rows only; completion records leave through explicit cleanup.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.FailedMaxAge < 1*time.Hour {
		r.FailedMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

// OpenAIConfig contains credentials for the embedding and evaluation units.
type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"  envDefault:""`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:""`
}

// ArtifactsConfig controls where work units store job results.
type ArtifactsConfig struct {
	// Dir is the root directory of the local artifact store.
	Dir string `env:"ARTIFACTS_DIR" envDefault:"./artifacts"`
}

// Sanitize applies guardrails to artifact configuration values.
func (a *ArtifactsConfig) Sanitize() {
	a.Dir = strings.TrimSpace(a.Dir)
	if a.Dir == "" {
		a.Dir = "./artifacts"
	}
}
