package httpx

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

// memChannel is an in-process NotificationChannel for handler tests.
type memChannel struct {
	mu   sync.Mutex
	subs map[string][]chan model.NotificationEvent
}

func newMemChannel() *memChannel {
	return &memChannel{subs: make(map[string][]chan model.NotificationEvent)}
}

func (c *memChannel) Publish(_ context.Context, event model.NotificationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[event.CorrelationID] {
		ch <- event
	}
	return nil
}

func (c *memChannel) Subscribe(_ context.Context, correlationID string) (core.NotificationSubscription, error) {
	ch := make(chan model.NotificationEvent, 16)
	c.mu.Lock()
	c.subs[correlationID] = append(c.subs[correlationID], ch)
	c.mu.Unlock()
	return &memSubscription{events: ch}, nil
}

type memSubscription struct {
	events    chan model.NotificationEvent
	closeOnce sync.Once
}

func (s *memSubscription) Events() <-chan model.NotificationEvent { return s.events }

func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func dialSubscribe(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/subscribe"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	var frame ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func newSubscribeServer(t *testing.T, channel core.NotificationChannel) *httptest.Server {
	t.Helper()
	handlers := &SubscribeHandlers{Channel: channel}
	srv := httptest.NewServer(handlers.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	channel := newMemChannel()
	srv := httptest.NewServer(NewRouter(RouterServices{Channel: channel}))
	t.Cleanup(srv.Close)

	conn := dialSubscribe(t, srv)
	require.NoError(t, websocket.JSON.Send(conn, SubscribeFrame{CorrelationID: "corr-1"}))

	ack := recvFrame(t, conn)
	require.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "corr-1", ack.CorrelationID)

	ctx := context.Background()
	require.NoError(t, channel.Publish(ctx, model.NotificationEvent{
		CorrelationID: "corr-1",
		Kind:          model.EventPartial,
		Message:       "halfway there",
	}))
	require.NoError(t, channel.Publish(ctx, model.NotificationEvent{
		CorrelationID: "corr-1",
		Kind:          model.EventTerminal,
		ResultRef:     "exports/done.ndjson",
	}))

	partial := recvFrame(t, conn)
	require.Equal(t, "event", partial.Type)
	require.NotNil(t, partial.Event)
	assert.Equal(t, model.EventPartial, partial.Event.Kind)
	assert.Equal(t, "halfway there", partial.Event.Message)

	terminal := recvFrame(t, conn)
	require.Equal(t, "event", terminal.Type)
	require.NotNil(t, terminal.Event)
	assert.Equal(t, model.EventTerminal, terminal.Event.Kind)
	assert.Equal(t, "exports/done.ndjson", terminal.Event.ResultRef)

	// Server closes after the terminal frame.
	var extra ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	err := websocket.JSON.Receive(conn, &extra)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribeRequiresCorrelationID(t *testing.T) {
	srv := newSubscribeServer(t, newMemChannel())

	conn := dialSubscribe(t, srv)
	require.NoError(t, websocket.JSON.Send(conn, SubscribeFrame{CorrelationID: "   "}))

	frame := recvFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "correlation_id")
}

func TestSubscribeTimesOut(t *testing.T) {
	channel := newMemChannel()
	handlers := &SubscribeHandlers{Channel: channel, Timeout: 50 * time.Millisecond}
	srv := httptest.NewServer(handlers.Handler())
	t.Cleanup(srv.Close)

	conn := dialSubscribe(t, srv)
	require.NoError(t, websocket.JSON.Send(conn, SubscribeFrame{CorrelationID: "corr-slow"}))

	ack := recvFrame(t, conn)
	require.Equal(t, "subscribed", ack.Type)

	frame := recvFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "timed out")
}

func TestSubscribeFailureEventCarriesError(t *testing.T) {
	channel := newMemChannel()
	srv := newSubscribeServer(t, channel)

	conn := dialSubscribe(t, srv)
	require.NoError(t, websocket.JSON.Send(conn, SubscribeFrame{CorrelationID: "corr-fail"}))
	_ = recvFrame(t, conn) // ack

	require.NoError(t, channel.Publish(context.Background(), model.NotificationEvent{
		CorrelationID: "corr-fail",
		Kind:          model.EventTerminal,
		Error:         "retries exhausted: upstream rejected batch",
	}))

	frame := recvFrame(t, conn)
	require.Equal(t, "event", frame.Type)
	require.NotNil(t, frame.Event)
	assert.True(t, frame.Event.Terminal())
	assert.True(t, frame.Event.Failed())
	assert.Contains(t, frame.Event.Error, "retries exhausted")
}
