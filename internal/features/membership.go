package features

import (
	"context"
	"errors"
	"sync"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"
)

// Connector hands out leases on the shared connection.
type Connector interface {
	Acquire(token string) (*services.Lease, error)
	Release(lease *services.Lease) error
}

// Membership is one feature's hold on a room: a lease that keeps the shared
// connection open plus the room subscription with its handlers.
type Membership struct {
	conn  Connector
	lease *services.Lease
	sub   *services.RoomSubscription

	once sync.Once
	err  error
}

// Open joins room with handlers on the shared connection.
func Open(conn Connector, mux *services.Multiplexer, token string, room domain.Room, handlers map[string]domain.EventHandler) (*Membership, error) {
	lease, err := conn.Acquire(token)
	if err != nil {
		return nil, err
	}
	return &Membership{
		conn:  conn,
		lease: lease,
		sub:   mux.JoinRoom(room, handlers),
	}, nil
}

func (m *Membership) Room() domain.Room {
	return m.sub.Room()
}

func (m *Membership) Joined() bool {
	return m.sub.Joined()
}

// Close leaves the room and releases the lease. Later calls return the first result.
func (m *Membership) Close(ctx context.Context) error {
	m.once.Do(func() {
		leaveErr := m.sub.Leave(ctx)
		releaseErr := m.conn.Release(m.lease)
		if errors.Is(releaseErr, domain.ErrLeaseReleased) {
			releaseErr = nil
		}
		m.err = errors.Join(leaveErr, releaseErr)
	})
	return m.err
}

// Decode adapts a typed callback to an event handler. Payloads that do not
// decode are logged and dropped.
func Decode[T any](log logger.Logger, fn func(T)) domain.EventHandler {
	return func(event domain.Event) {
		var payload T
		if err := event.Decode(&payload); err != nil {
			log.Warn("Dropping malformed event", "event", event.Name, "error", err)
			return
		}
		fn(payload)
	}
}

// For narrows fn to payloads whose key is id. Rooms of one kind share event
// names, so every membership of that kind sees every room's events.
func For[T any](id string, key func(T) string, fn func(T)) func(T) {
	return func(payload T) {
		if key(payload) == id {
			fn(payload)
		}
	}
}
