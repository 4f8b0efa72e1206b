// Package channel implements the notification channel on Redis Pub/Sub.
//
// Events are ephemeral: delivery is fire-and-forget per subscriber and there
// is no replay, so a late subscriber misses earlier frames. The completion
// store poll is the durable fallback for anyone who missed the terminal event.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "dispatch:notify:"

// RedisChannel publishes and subscribes notification events keyed by
// correlation id.
type RedisChannel struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// Options configure a RedisChannel.
type Options struct {
	Client redis.UniversalClient
	Logger *slog.Logger
}

// New constructs a RedisChannel.
func New(opts Options) (*RedisChannel, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisChannel{
		client: opts.Client,
		logger: opts.Logger,
	}, nil
}

// ChannelName returns the Redis channel for a correlation id.
func ChannelName(correlationID string) string {
	return channelPrefix + correlationID
}

// Publish encodes and publishes one event on the correlation id's channel.
func (c *RedisChannel) Publish(ctx context.Context, event model.NotificationEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	receivers, err := c.client.Publish(ctx, ChannelName(event.CorrelationID), payload).Result()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	if c.logger != nil {
		c.logger.DebugContext(ctx, "event published",
			"correlation_id", event.CorrelationID,
			"kind", event.Kind,
			"receivers", receivers,
		)
	}
	return nil
}

// Subscribe opens a live subscription for one correlation id. The returned
// subscription delivers events until Close or context cancellation; frames
// that fail to decode are dropped with a log line rather than tearing the
// stream down.
func (c *RedisChannel) Subscribe(ctx context.Context, correlationID string) (core.NotificationSubscription, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, errors.New("correlation id is required")
	}

	pubsub := c.client.Subscribe(ctx, ChannelName(correlationID))

	// Force the SUBSCRIBE round trip so a broken connection fails here, not
	// on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", correlationID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan model.NotificationEvent, 16),
	}
	go sub.pump(ctx, c.logger, correlationID)

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan model.NotificationEvent
}

func (s *redisSubscription) Events() <-chan model.NotificationEvent {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func (s *redisSubscription) pump(ctx context.Context, logger *slog.Logger, correlationID string) {
	defer close(s.events)

	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var event model.NotificationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if logger != nil {
					logger.WarnContext(ctx, "dropping undecodable event",
						"correlation_id", correlationID,
						"error", err,
					)
				}
				continue
			}

			select {
			case s.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ core.NotificationChannel = (*RedisChannel)(nil)
