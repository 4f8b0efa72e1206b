package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[ServiceMode]bool
		wantErr bool
	}{
		{
			name:  "single service",
			input: "http",
			want:  map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:  "all services",
			input: "http,worker,reaper",
			want: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:  "whitespace tolerated",
			input: " http , worker ",
			want: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
			},
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unknown service",
			input:   "http,scheduler",
			wantErr: true,
		},
		{
			name:    "only separators",
			input:   ",,",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppConfigServiceHelpers(t *testing.T) {
	cfg := AppConfig{Services: "http,reaper"}

	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.False(t, cfg.IsWorkerEnabled())
	assert.True(t, cfg.IsReaperEnabled())

	bad := AppConfig{Services: "nope"}
	assert.False(t, bad.IsHTTPServerEnabled())
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := AppConfig{
		Dispatch: DispatchConfig{MaxPayloadBytes: 10, DedupWindow: time.Millisecond, MaxRetries: 0},
		Workers:  WorkersConfig{Concurrency: 0, JobLease: time.Second},
		Reaper:   ReaperConfig{Interval: time.Second, PendingMaxAge: time.Second, BatchSize: 0},
		HTTP:     HTTPConfig{SubscribeTimeout: time.Second},
	}
	cfg.Sanitize()

	assert.Equal(t, 1024, cfg.Dispatch.MaxPayloadBytes)
	assert.Equal(t, time.Second, cfg.Dispatch.DedupWindow)
	assert.Equal(t, 1, cfg.Dispatch.MaxRetries)

	assert.Equal(t, 1, cfg.Workers.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Workers.JobLease)

	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Reaper.PendingMaxAge)
	assert.Equal(t, 1, cfg.Reaper.BatchSize)

	assert.Equal(t, time.Minute, cfg.HTTP.SubscribeTimeout)

	assert.Equal(t, "./artifacts", cfg.Artifacts.Dir)
}

func TestReaperBatchSizeUpperBound(t *testing.T) {
	r := ReaperConfig{BatchSize: 50000, Interval: time.Hour, PendingMaxAge: time.Hour,
		CompletedMaxAge: 2 * time.Hour, FailedMaxAge: 2 * time.Hour}
	r.Sanitize()
	assert.Equal(t, 10000, r.BatchSize)
}

func TestMetricsSanitize(t *testing.T) {
	m := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "   "}
	m.Sanitize()
	assert.False(t, m.IsEnabled())

	m = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "127.0.0.1:8125"}
	m.Sanitize()
	assert.True(t, m.IsEnabled())
}

func TestNotifySanitize(t *testing.T) {
	n := ObservabilityNotifyConfig{
		SlackWebhookURL: "  https://hooks.slack.com/services/x  ",
		Timeout:         -time.Second,
		RetryLimit:      -3,
	}
	n.Sanitize()
	assert.True(t, n.SlackEnabled())
	assert.False(t, n.PagerDutyEnabled())
	assert.Equal(t, 5*time.Second, n.Timeout)
	assert.Equal(t, 0, n.RetryLimit)

	n = ObservabilityNotifyConfig{PagerDutyRoutingKey: "rk-123"}
	n.Sanitize()
	assert.False(t, n.SlackEnabled())
	assert.True(t, n.PagerDutyEnabled())
}
