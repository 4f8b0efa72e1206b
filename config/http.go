package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the application (e.g., "https://dispatch.example.com").
	// Used for generating absolute URLs in external contexts.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// SubscribeTimeout bounds how long a WebSocket subscription stays open
	// waiting for a terminal event.
	SubscribeTimeout time.Duration `env:"HTTP_SUBSCRIBE_TIMEOUT" envDefault:"10m"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.SubscribeTimeout < time.Minute {
		h.SubscribeTimeout = time.Minute
	}
}
