package slack

import (
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/dispatch-api/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:      "123",
		JobKind:    "export",
		LogicalKey: "report-42",
		Error:      "boom",
		ErrorClass: "test_error",
		RetryCount: 3,
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Job failure alert", "123", "export", "report-42", "boom", "test_error", "Retries: 3"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageStatusLink(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:      "https://hooks.slack.com/services/test",
		StatusURLPrefix: "https://dispatch.local/api/jobs",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		LogicalKey: "report-42",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	expected := "<https://dispatch.local/api/jobs/report-42/status|report-42>"
	if !strings.Contains(text, expected) {
		t.Fatalf("expected status link %q in text: %s", expected, text)
	}
}

func TestFormatMessageEscapesLogicalKey(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		LogicalKey: "report & <42>",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "report &amp; &lt;42&gt;") {
		t.Fatalf("expected escaped logical key, got: %s", text)
	}
}

func TestFormatKeyValuePermutations(t *testing.T) {
	tcs := []struct {
		name   string
		key    string
		prefix string
		want   string
	}{
		{
			name:   "key with link",
			key:    "report-1",
			prefix: "https://app.example/api/jobs",
			want:   "<https://app.example/api/jobs/report-1/status|report-1>",
		},
		{
			name: "key without prefix",
			key:  "report-2",
			want: "report-2",
		},
		{
			name:   "key with invalid prefix",
			key:    "report-3",
			prefix: "not a url",
			want:   "report-3",
		},
		{
			name:   "empty key",
			key:    "",
			prefix: "https://app.example/api/jobs",
			want:   "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:      "https://hooks.slack.com/services/test",
				StatusURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := client.formatKeyValue(tc.key)
			if got != tc.want {
				t.Fatalf("formatKeyValue(%q) = %q, want %q", tc.key, got, tc.want)
			}
		})
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
