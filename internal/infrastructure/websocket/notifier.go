package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"portal-realtime/internal/domain"
)

// Notifier publishes feature payloads into rooms.
type Notifier struct {
	broadcaster domain.RoomBroadcaster
}

func NewNotifier(broadcaster domain.RoomBroadcaster) *Notifier {
	return &Notifier{broadcaster: broadcaster}
}

// NotifyRoom forwards an already encoded payload.
func (n *Notifier) NotifyRoom(ctx context.Context, room domain.Room, event string, data json.RawMessage) error {
	if len(data) > 0 && !json.Valid(data) {
		return fmt.Errorf("payload for %s is not valid JSON", event)
	}
	return n.broadcaster.BroadcastToRoom(ctx, room.String(), domain.Event{Name: event, Data: data})
}
