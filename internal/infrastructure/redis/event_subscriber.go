package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/go-redis/redis/v8"
)

type RedisEventSubscriber struct {
	client *redis.Client
	log    logger.Logger
}

func NewRedisEventSubscriber(client *redis.Client, log logger.Logger) *RedisEventSubscriber {
	return &RedisEventSubscriber{
		client: client,
		log:    log,
	}
}

// SubscribeToRoomEvents blocks until ctx is done.
func (r *RedisEventSubscriber) SubscribeToRoomEvents(ctx context.Context, handler domain.RoomEventHandler) error {
	pubsub := r.client.Subscribe(ctx, roomEventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	r.log.Info("Subscribed to room events", "channel", roomEventsChannel)

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := parseEventData(msg.Payload)
			if err != nil {
				r.log.Error("Failed to parse event", "payload", msg.Payload, "error", err)
				continue
			}

			if err := handler(event); err != nil {
				r.log.Error("Failed to handle event", "room", event.Room, "event", event.Event.Name, "error", err)
			}

		case <-ctx.Done():
			r.log.Info("Event subscriber stopped")
			return ctx.Err()
		}
	}
}

func parseEventData(payload string) (*domain.RoomEvent, error) {
	var event domain.RoomEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("invalid event format: %w", err)
	}
	if event.Event.Name == "" {
		return nil, fmt.Errorf("invalid event format: missing event name")
	}
	return &event, nil
}
