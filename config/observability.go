package config

import (
	"strings"
	"time"
)

// ObservabilityConfig groups configuration that controls metrics emission
// and operator notifications.
type ObservabilityConfig struct {
	Metrics ObservabilityMetricsConfig
	Notify  ObservabilityNotifyConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Notify.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to external sinks such as StatsD.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// ObservabilityNotifyConfig controls delivery of terminal job failure
// notifications to operator sinks. A sink is active when its credential
// is set; with no credentials configured the notifier is a no-op.
type ObservabilityNotifyConfig struct {
	SlackWebhookURL     string        `env:"NOTIFY_SLACK_WEBHOOK_URL"`
	SlackChannel        string        `env:"NOTIFY_SLACK_CHANNEL"`
	SlackUsername       string        `env:"NOTIFY_SLACK_USERNAME"`
	PagerDutyRoutingKey string        `env:"NOTIFY_PAGERDUTY_ROUTING_KEY"`
	Timeout             time.Duration `env:"NOTIFY_TIMEOUT"     envDefault:"5s"`
	RetryLimit          int           `env:"NOTIFY_RETRY_LIMIT" envDefault:"2"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityNotifyConfig) Sanitize() {
	c.SlackWebhookURL = strings.TrimSpace(c.SlackWebhookURL)
	c.SlackChannel = strings.TrimSpace(c.SlackChannel)
	c.SlackUsername = strings.TrimSpace(c.SlackUsername)
	c.PagerDutyRoutingKey = strings.TrimSpace(c.PagerDutyRoutingKey)
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
}

// SlackEnabled reports whether the Slack sink should be constructed.
func (c *ObservabilityNotifyConfig) SlackEnabled() bool {
	return c.SlackWebhookURL != ""
}

// PagerDutyEnabled reports whether the PagerDuty sink should be constructed.
func (c *ObservabilityNotifyConfig) PagerDutyEnabled() bool {
	return c.PagerDutyRoutingKey != ""
}
