package httpx

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

// defaultSubscribeTimeout bounds how long the server keeps a subscription
// socket open without a terminal event.
const defaultSubscribeTimeout = 10 * time.Minute

// SubscribeFrame is the first frame a client sends after connecting.
type SubscribeFrame struct {
	CorrelationID string `json:"correlation_id"`
}

// ServerFrame is every frame the server sends. Type is one of "subscribed",
// "event", or "error". After a frame carrying a terminal event the server
// closes the connection.
type ServerFrame struct {
	Type          string                   `json:"type"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
	Event         *model.NotificationEvent `json:"event,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// SubscribeHandlers bridges the notification channel onto WebSocket clients.
// The bridge is read-only with respect to server state: closing the socket
// never cancels the job that produced the subscription.
type SubscribeHandlers struct {
	Channel core.NotificationChannel
	Timeout time.Duration // zero means defaultSubscribeTimeout
	Logger  *slog.Logger
}

// Handler returns the WebSocket endpoint. The handshake accepts any origin;
// subscriptions expose no mutations so cross-origin reads carry no risk.
func (h *SubscribeHandlers) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   h.serve,
	}
}

func (h *SubscribeHandlers) serve(ws *websocket.Conn) {
	defer ws.Close()

	ctx := ws.Request().Context()

	var frame SubscribeFrame
	if err := websocket.JSON.Receive(ws, &frame); err != nil {
		h.sendError(ws, "", "invalid subscribe frame")
		return
	}
	correlationID := strings.TrimSpace(frame.CorrelationID)
	if correlationID == "" {
		h.sendError(ws, "", "correlation_id is required")
		return
	}

	sub, err := h.Channel.Subscribe(ctx, correlationID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.ErrorContext(ctx, "subscribe failed", "correlation_id", correlationID, "error", err)
		}
		h.sendError(ws, correlationID, "subscription unavailable")
		return
	}
	defer sub.Close()

	if err := websocket.JSON.Send(ws, ServerFrame{Type: "subscribed", CorrelationID: correlationID}); err != nil {
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			h.sendError(ws, correlationID, "session timed out")
			return
		case event, ok := <-sub.Events():
			if !ok {
				h.sendError(ws, correlationID, "subscription closed")
				return
			}
			if err := websocket.JSON.Send(ws, ServerFrame{Type: "event", Event: &event}); err != nil {
				// Client is gone; the job keeps running regardless.
				return
			}
			if event.Terminal() {
				return
			}
		}
	}
}

func (h *SubscribeHandlers) sendError(ws *websocket.Conn, correlationID, msg string) {
	_ = websocket.JSON.Send(ws, ServerFrame{Type: "error", CorrelationID: correlationID, Error: msg})
}
