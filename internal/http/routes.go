package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Dispatch *service.DispatchService
	Jobs     *service.JobService
	// Channel enables the WebSocket subscribe endpoint. When nil the endpoint
	// is not registered and clients fall back to the status poll.
	Channel          core.NotificationChannel
	SubscribeTimeout time.Duration
	Logger           *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Dispatch: services.Dispatch, Jobs: services.Jobs}
	mux.HandleFunc("POST /api/jobs", jobHandlers.Submit)
	mux.HandleFunc("GET /api/jobs/{key}/status", jobHandlers.Status)
	mux.HandleFunc("DELETE /api/jobs/{key}", jobHandlers.Cleanup)
	mux.HandleFunc("GET /api/jobs/{kind}/stats", jobHandlers.Stats)

	if services.Channel != nil {
		subHandlers := &SubscribeHandlers{
			Channel: services.Channel,
			Timeout: services.SubscribeTimeout,
			Logger:  logger,
		}
		mux.Handle("GET /api/subscribe", subHandlers.Handler())
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	return Logging(logger)(Recover(logger)(mux))
}
