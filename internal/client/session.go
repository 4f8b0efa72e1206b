// Package client implements the streaming session a consumer drives against
// the dispatch API: subscribe by correlation id, accumulate partial output,
// and finish on the terminal event.
//
// A session is client-local. Cancelling or timing out a session never cancels
// the server-side job; the result stays retrievable through the status poll.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	"github.com/parleyhq/dispatch-api/internal/domain/model"
	httpx "github.com/parleyhq/dispatch-api/internal/http"
)

// Sentinel errors for session outcomes.
var (
	// ErrSessionTimeout means the wall-clock ceiling elapsed before a terminal
	// event arrived. The job may still finish; poll the status endpoint.
	ErrSessionTimeout = errors.New("session timed out before terminal event")
	// ErrSessionCancelled means Cancel was called before a terminal event.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrSessionConsumed means Run was called twice on the same session.
	ErrSessionConsumed = errors.New("session already run")
)

// State is the observable lifecycle phase of a session.
type State string

// Session states. Terminal, Cancelled, and TimedOut are final.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateReceiving  State = "receiving"
	StateTerminal   State = "terminal"
	StateCancelled  State = "cancelled"
	StateTimedOut   State = "timed_out"
)

func (s State) Final() bool {
	return s == StateTerminal || s == StateCancelled || s == StateTimedOut
}

// Conn is the minimal framed connection a session drives.
type Conn interface {
	Send(v any) error
	Receive(v any) error
	Close() error
}

// DialFunc opens a fresh connection for each attempt.
type DialFunc func(ctx context.Context) (Conn, error)

// WebSocketDialer returns a DialFunc for the server's subscribe endpoint,
// e.g. "ws://host:port/api/subscribe".
func WebSocketDialer(rawURL string) DialFunc {
	origin := strings.Replace(rawURL, "ws", "http", 1)
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ws, err := websocket.Dial(rawURL, "", origin)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", rawURL, err)
		}
		return wsConn{ws}, nil
	}
}

type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) Send(v any) error    { return websocket.JSON.Send(c.ws, v) }
func (c wsConn) Receive(v any) error { return websocket.JSON.Receive(c.ws, v) }
func (c wsConn) Close() error        { return c.ws.Close() }

// Result is the outcome delivered by the terminal event.
type Result struct {
	ResultRef string
	Err       string   // failure message when the job exhausted its retries
	Partials  []string // partial chunks in arrival order
}

// Failed reports whether the job finished in failure.
func (r *Result) Failed() bool { return r.Err != "" }

// Output returns the accumulated partial output as one string.
func (r *Result) Output() string { return strings.Join(r.Partials, "") }

// SessionOptions configures a streaming session.
type SessionOptions struct {
	CorrelationID string   // Required: logical key of the submitted job
	Dial          DialFunc // Required: connection factory (see WebSocketDialer)

	Timeout    time.Duration   // wall-clock ceiling; defaults to 5m
	MaxRetries uint            // reconnect attempts; defaults to 5
	Backoff    backoff.BackOff // reconnect schedule; defaults to exponential
	OnPartial  func(chunk string)
	Logger     *slog.Logger
}

const (
	defaultSessionTimeout = 5 * time.Minute
	defaultMaxRetries     = 5
)

// Session drives one subscription to completion. It reconnects and
// resubscribes on connection errors with the same correlation id; the
// accumulated partial buffer survives reconnects.
type Session struct {
	correlationID string
	dial          DialFunc
	timeout       time.Duration
	maxRetries    uint
	bo            backoff.BackOff
	onPartial     func(string)
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	chunks    []string
	conn      Conn
	cancel    context.CancelFunc
	cancelled bool
	consumed  bool
}

// NewSession constructs a session in the Idle state.
func NewSession(opts SessionOptions) (*Session, error) {
	if strings.TrimSpace(opts.CorrelationID) == "" {
		return nil, errors.New("correlation id is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("dial function is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	return &Session{
		correlationID: opts.CorrelationID,
		dial:          opts.Dial,
		timeout:       timeout,
		maxRetries:    maxRetries,
		bo:            opts.Backoff,
		onPartial:     opts.OnPartial,
		logger:        opts.Logger,
		state:         StateIdle,
	}, nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel abandons the session. The buffer is discarded and Run returns
// ErrSessionCancelled. The server-side job is untouched.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Final() {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Run connects, subscribes, and blocks until a terminal event, cancellation,
// or the wall-clock ceiling. A session can only be run once.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.consumed {
		s.mu.Unlock()
		return nil, ErrSessionConsumed
	}
	s.consumed = true
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	// Unblock a pending Receive when the deadline fires or Cancel runs.
	go func() {
		<-runCtx.Done()
		s.closeConn()
	}()

	bo := s.bo
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}

	result, err := backoff.Retry(runCtx, func() (*Result, error) {
		return s.attempt(runCtx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.maxRetries))

	if err == nil {
		s.setState(StateTerminal)
		return result, nil
	}

	switch {
	case s.wasCancelled():
		s.setState(StateCancelled)
		s.discardBuffer()
		return nil, ErrSessionCancelled
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		s.setState(StateTimedOut)
		return nil, ErrSessionTimeout
	default:
		return nil, fmt.Errorf("session failed: %w", err)
	}
}

// attempt performs one connect-subscribe-receive cycle. Any returned error is
// retriable; the backoff schedule decides whether another cycle happens.
func (s *Session) attempt(ctx context.Context) (*Result, error) {
	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.logRetry(ctx, "dial failed", err)
		return nil, err
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		_ = conn.Close()
	}()

	if err := conn.Send(httpx.SubscribeFrame{CorrelationID: s.correlationID}); err != nil {
		s.logRetry(ctx, "subscribe send failed", err)
		return nil, err
	}

	var ack httpx.ServerFrame
	if err := conn.Receive(&ack); err != nil {
		s.logRetry(ctx, "subscribe ack failed", err)
		return nil, err
	}
	if ack.Type != "subscribed" {
		err := fmt.Errorf("subscribe rejected: %s", ack.Error)
		s.logRetry(ctx, "subscribe rejected", err)
		return nil, err
	}
	s.setState(StateSubscribed)

	for {
		var frame httpx.ServerFrame
		if err := conn.Receive(&frame); err != nil {
			s.logRetry(ctx, "receive failed", err)
			return nil, err
		}

		switch frame.Type {
		case "event":
			if frame.Event == nil {
				continue
			}
			if done, result := s.handleEvent(frame.Event); done {
				return result, nil
			}
		case "error":
			err := fmt.Errorf("server error: %s", frame.Error)
			s.logRetry(ctx, "server error frame", err)
			return nil, err
		}
	}
}

// handleEvent folds one notification event into the session. It returns
// done=true with the result when the event is terminal.
func (s *Session) handleEvent(event *model.NotificationEvent) (bool, *Result) {
	if !event.Terminal() {
		s.mu.Lock()
		s.state = StateReceiving
		s.chunks = append(s.chunks, event.Message)
		chunk := event.Message
		s.mu.Unlock()
		if s.onPartial != nil {
			s.onPartial(chunk)
		}
		return false, nil
	}

	s.mu.Lock()
	partials := append([]string(nil), s.chunks...)
	s.mu.Unlock()

	return true, &Result{
		ResultRef: event.ResultRef,
		Err:       event.Error,
		Partials:  partials,
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if !s.state.Final() {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) discardBuffer() {
	s.mu.Lock()
	s.chunks = nil
	s.mu.Unlock()
}

func (s *Session) logRetry(ctx context.Context, msg string, err error) {
	if s.logger != nil {
		s.logger.DebugContext(ctx, msg,
			"correlation_id", s.correlationID,
			"error", err,
		)
	}
}
