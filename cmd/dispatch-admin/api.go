package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleyhq/dispatch-api/internal/client"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

type submitOptions struct {
	Key     string
	Kind    string
	Payload string
	BaseURL string
	Timeout time.Duration
}

func parseSubmitFlags(cmdCtx *commandContext, args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := submitOptions{
		Payload: "{}",
		BaseURL: cmdCtx.Config.HTTP.BaseURL,
		Timeout: 30 * time.Second,
	}

	fs.StringVar(&opts.Key, "key", "", "Logical key for the submission (required)")
	fs.StringVar(&opts.Kind, "kind", "", "Job kind (required)")
	fs.StringVar(&opts.Payload, "payload", "{}", "Inline JSON payload")
	fs.StringVar(&opts.BaseURL, "base-url", opts.BaseURL, "Base URL of the dispatch API")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Maximum duration to wait for the API call")

	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}

	if opts.Key == "" {
		return submitOptions{}, errors.New("--key is required")
	}
	if !model.JobKind(opts.Kind).Valid() {
		return submitOptions{}, fmt.Errorf("unknown job kind %q", opts.Kind)
	}
	if !json.Valid([]byte(opts.Payload)) {
		return submitOptions{}, errors.New("--payload must be valid JSON")
	}
	if opts.Timeout <= 0 {
		return submitOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(cmdCtx, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	body, err := json.Marshal(model.SubmitRequest{
		LogicalKey: opts.Key,
		Kind:       model.JobKind(opts.Kind),
		Payload:    json.RawMessage(opts.Payload),
	})
	if err != nil {
		return fmt.Errorf("encode submit request: %w", err)
	}

	endpoint := strings.TrimRight(opts.BaseURL, "/") + "/api/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close response body failed", "error", cerr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read submit response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		var result model.SubmitResult
		if decodeErr := json.Unmarshal(respBody, &result); decodeErr != nil {
			return fmt.Errorf("decode submit response: %w", decodeErr)
		}
		if result.JobID != "" {
			return writef(os.Stdout, "%s (job %s)\n", result.Outcome, result.JobID)
		}
		return writef(os.Stdout, "%s\n", result.Outcome)
	default:
		return fmt.Errorf("submit rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

type watchOptions struct {
	Key     string
	BaseURL string
	Timeout time.Duration
	Retries uint
}

func parseWatchFlags(cmdCtx *commandContext, args []string) (watchOptions, error) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := watchOptions{
		BaseURL: cmdCtx.Config.HTTP.BaseURL,
		Timeout: 5 * time.Minute,
	}

	fs.StringVar(&opts.Key, "key", "", "Logical key to watch (required)")
	fs.StringVar(&opts.BaseURL, "base-url", opts.BaseURL, "Base URL of the dispatch API")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Maximum duration to wait for the terminal event")
	fs.UintVar(&opts.Retries, "retries", 0, "Reconnect attempts before giving up (0 uses the session default)")

	if err := fs.Parse(args); err != nil {
		return watchOptions{}, err
	}

	if opts.Key == "" {
		return watchOptions{}, errors.New("--key is required")
	}
	if opts.Timeout <= 0 {
		return watchOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func runWatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseWatchFlags(cmdCtx, args)
	if err != nil {
		return err
	}

	wsURL, err := subscribeURL(opts.BaseURL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := client.NewSession(client.SessionOptions{
		CorrelationID: opts.Key,
		Dial:          client.WebSocketDialer(wsURL),
		Timeout:       opts.Timeout,
		MaxRetries:    opts.Retries,
		OnPartial: func(chunk string) {
			// Partial chunks stream to stdout as they arrive; a write failure
			// here must not abort the session.
			if werr := write(os.Stdout, chunk); werr != nil {
				cmdCtx.Logger.Warn("write partial chunk failed", "error", werr)
			}
		},
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	go func() {
		<-ctx.Done()
		session.Cancel()
	}()

	result, err := session.Run(ctx)
	if err != nil {
		return fmt.Errorf("watch key %q: %w", opts.Key, err)
	}

	if len(result.Partials) > 0 {
		if werr := writeln(os.Stdout); werr != nil {
			return fmt.Errorf("print output separator: %w", werr)
		}
	}

	if result.Failed() {
		return fmt.Errorf("job for key %q failed: %s", opts.Key, result.Err)
	}

	if result.ResultRef != "" {
		return writef(os.Stdout, "Result ref: %s\n", result.ResultRef)
	}
	return writef(os.Stdout, "Job for key %q completed\n", opts.Key)
}

// subscribeURL converts the configured HTTP base URL into the WebSocket
// subscribe endpoint.
func subscribeURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/subscribe"

	return u.String(), nil
}
