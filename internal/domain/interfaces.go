package domain

import (
	"context"
	"time"
)

// Client transport interfaces
type Dialer interface {
	// Dial opens one physical duplex connection. A rejected token yields ErrUnauthorized.
	Dial(ctx context.Context, token string) (Transport, error)
}

type Transport interface {
	Emit(ctx context.Context, event string, payload interface{}) error
	// ReadEvent blocks until the next server event. The error ends the connection.
	ReadEvent() (Event, error)
	Close() error
}

type TokenSource interface {
	Token() string
}

// Fallback channel interfaces
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, token string) error
}

type PushSyncClient interface {
	SyncSubscription(ctx context.Context, token string, req PushSyncRequest) (*PushSyncResponse, error)
}

// Device interfaces
type PushRegistrar interface {
	Permission() Permission
	// Current returns the existing device registration or nil.
	Current(ctx context.Context) (*PushSubscription, error)
	Subscribe(ctx context.Context) (*PushSubscription, error)
}

type PushStateStore interface {
	LoadState(ctx context.Context) (PushState, error)
	SaveState(ctx context.Context, state PushState) error
}

// Server-side interfaces
type RosterStore interface {
	// AddConnection counts a connection for the user and returns the count after the change.
	AddConnection(ctx context.Context, entry RosterEntry) (int, error)
	// RemoveConnection uncounts a connection. When none remain and the last
	// heartbeat is older than staleBefore, the user leaves the roster.
	RemoveConnection(ctx context.Context, userID string, staleBefore time.Time) (removed bool, err error)
	Touch(ctx context.Context, userID string, at time.Time) error
	Snapshot(ctx context.Context) (RosterSnapshot, error)
	// Sweep drops users without connections whose last heartbeat is older than before.
	Sweep(ctx context.Context, before time.Time) ([]string, error)
}

type PushSubscriptionRepository interface {
	Upsert(ctx context.Context, sub *PushSubscription) error
	// LinkAnonymous moves every subscription owned by anonymousID to userID.
	LinkAnonymous(ctx context.Context, anonymousID, userID string) (int64, error)
	GetByEndpoint(ctx context.Context, endpoint string) (*PushSubscription, error)
}

// RoomEvent is an event addressed to every connection in a room. An empty
// Room addresses every connection.
type RoomEvent struct {
	Room  string `json:"room,omitempty"`
	Event Event  `json:"event"`
	// Origin is the instance that published the event.
	Origin string `json:"origin"`
}

type EventPublisher interface {
	PublishRoomEvent(ctx context.Context, event *RoomEvent) error
}

type EventSubscriber interface {
	SubscribeToRoomEvents(ctx context.Context, handler RoomEventHandler) error
}

type RoomEventHandler func(event *RoomEvent) error

type RoomBroadcaster interface {
	BroadcastToRoom(ctx context.Context, room string, event Event) error
	BroadcastAll(ctx context.Context, event Event) error
}

type TokenVerifier interface {
	// Verify returns the user id carried by the token.
	Verify(token string) (string, error)
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
