package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel shared by all instances.
const DefaultChannel = "pharmaquote:events"

// RedisBridge publishes local events to redis and relays events published by
// other instances to a local handler.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBridge constructs a bridge. An empty channel uses DefaultChannel.
func NewRedisBridge(client *redis.Client, channel string, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Emit implements Emitter. Publish errors are logged and dropped.
func (b *RedisBridge) Emit(ctx context.Context, name string, payload any) {
	if b == nil || b.client == nil {
		return
	}
	raw, err := json.Marshal(Event{Name: name, Payload: payload, At: time.Now().UTC(), Origin: b.origin})
	if err != nil {
		b.logger.Warn("notify marshal", slog.String("event", name), slog.Any("error", err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("notify publish", slog.String("event", name), slog.Any("error", err))
	}
}

// Listen subscribes to the channel and invokes handle for every event that
// originated on another instance. It returns once the subscription is
// confirmed; relaying stops when ctx is cancelled.
func (b *RedisBridge) Listen(ctx context.Context, handle func(context.Context, Event)) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("notify decode", slog.Any("error", err))
					continue
				}
				if evt.Origin == b.origin {
					continue
				}
				handle(ctx, evt)
			}
		}
	}()
	return nil
}
