package redis

import (
	"context"
	"encoding/json"

	"portal-realtime/internal/domain"

	"github.com/go-redis/redis/v8"
)

const roomEventsChannel = "realtime_events"

type EventPublisherImpl struct {
	client *redis.Client
}

func NewEventPublisher(client *redis.Client) *EventPublisherImpl {
	return &EventPublisherImpl{client: client}
}

func (r *EventPublisherImpl) PublishRoomEvent(ctx context.Context, event *domain.RoomEvent) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, roomEventsChannel, eventData).Err()
}
