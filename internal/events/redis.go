package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events over Redis pub/sub, so a stream can be served by
// a different instance than the one running the session.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to addr and fails fast if Redis does not answer.
func NewRedisBus(ctx context.Context, addr string, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("events: connecting to redis: %w", err)
	}

	return &RedisBus{
		client: rdb,
		prefix: "arepl:session:",
		logger: logger,
	}, nil
}

// Channel returns the pub/sub channel of a session.
func (b *RedisBus) Channel(sessionID string) string {
	return b.prefix + sessionID
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshaling event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(ev.SessionID), data).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	pubsub := b.client.Subscribe(ctx, b.Channel(sessionID))

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("events: subscribing to %s: %w", sessionID, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Error("failed to unmarshal event", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
