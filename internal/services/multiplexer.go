package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
)

const controlTimeout = 5 * time.Second

// Link is the part of the connection manager the multiplexer builds on.
type Link interface {
	Emit(ctx context.Context, event string, payload interface{}) error
	Status() domain.Status
	OnStatus(fn func(domain.Status)) func()
	SetEventSink(sink domain.EventHandler)
}

type handlerEntry struct {
	id      uint64
	handler domain.EventHandler
}

// Multiplexer fans inbound events out to independently registered handlers.
// Handlers for one event run in registration order on the connection's read
// goroutine. Features never coordinate with each other through it.
type Multiplexer struct {
	link Link
	log  logger.Logger

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

func NewMultiplexer(link Link, log logger.Logger) *Multiplexer {
	m := &Multiplexer{
		link:     link,
		log:      log,
		handlers: make(map[string][]handlerEntry),
	}
	link.SetEventSink(m.dispatch)
	return m
}

// Subscribe registers handler for event. The returned func removes it and is
// safe to call any number of times, before or after the connection closes.
func (m *Multiplexer) Subscribe(event string, handler domain.EventHandler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, handler: handler})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.remove(event, id)
		})
	}
}

func (m *Multiplexer) Emit(ctx context.Context, event string, payload interface{}) error {
	return m.link.Emit(ctx, event, payload)
}

func (m *Multiplexer) HandlerCount(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

func (m *Multiplexer) remove(event string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.handlers[event]
	// copy so a dispatch in flight keeps its own snapshot
	kept := make([]handlerEntry, 0, len(current))
	for _, entry := range current {
		if entry.id != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(m.handlers, event)
		return
	}
	m.handlers[event] = kept
}

func (m *Multiplexer) dispatch(event domain.Event) {
	m.mu.RLock()
	entries := m.handlers[event.Name]
	m.mu.RUnlock()

	if len(entries) == 0 {
		m.log.Debug("No handler for event", "event", event.Name)
		return
	}
	for _, entry := range entries {
		entry.handler(event)
	}
}

// JoinRoom subscribes handlers and asserts membership of room on the current
// connection and on every connection after it.
func (m *Multiplexer) JoinRoom(room domain.Room, handlers map[string]domain.EventHandler) *RoomSubscription {
	rs := &RoomSubscription{
		room: room,
		mux:  m,
		log:  m.log,
	}
	for event, handler := range handlers {
		rs.unsubscribes = append(rs.unsubscribes, m.Subscribe(event, handler))
	}
	rs.stopStatus = m.link.OnStatus(rs.onStatus)
	rs.onStatus(m.link.Status())
	return rs
}

// RoomSubscription is owned by one feature. The server forgets room
// membership with every new physical connection, so the subscription
// re-emits join:<kind> each time a new connection comes up.
type RoomSubscription struct {
	room domain.Room
	mux  *Multiplexer
	log  logger.Logger

	mu           sync.Mutex
	unsubscribes []func()
	stopStatus   func()
	joinedConn   string
	left         bool
}

func (rs *RoomSubscription) Room() domain.Room {
	return rs.room
}

// Joined reports whether membership was asserted on the current connection.
func (rs *RoomSubscription) Joined() bool {
	status := rs.mux.link.Status()
	if status.State != domain.StateConnected {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return !rs.left && rs.joinedConn == status.ConnectionID
}

func (rs *RoomSubscription) onStatus(status domain.Status) {
	if status.State != domain.StateConnected {
		return
	}

	rs.mu.Lock()
	if rs.left || rs.joinedConn == status.ConnectionID {
		rs.mu.Unlock()
		return
	}
	rs.joinedConn = status.ConnectionID
	rs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	err := rs.mux.Emit(ctx, rs.room.JoinEvent(), domain.RoomControl{RoomID: rs.room.ID})
	if err != nil {
		rs.log.Warn("Failed to join room", "room", rs.room.String(), "error", err)
		rs.mu.Lock()
		if rs.joinedConn == status.ConnectionID {
			rs.joinedConn = ""
		}
		rs.mu.Unlock()
		return
	}
	rs.log.Info("Joined room", "room", rs.room.String(), "connection_id", status.ConnectionID)
}

// Leave removes the handlers and tells the server. It is idempotent and does
// nothing on the wire when the connection is already gone.
func (rs *RoomSubscription) Leave(ctx context.Context) error {
	rs.mu.Lock()
	if rs.left {
		rs.mu.Unlock()
		return nil
	}
	rs.left = true
	unsubscribes := rs.unsubscribes
	rs.unsubscribes = nil
	joined := rs.joinedConn
	rs.joinedConn = ""
	rs.mu.Unlock()

	rs.stopStatus()
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}

	if joined == "" {
		return nil
	}
	err := rs.mux.Emit(ctx, rs.room.LeaveEvent(), domain.RoomControl{RoomID: rs.room.ID})
	if errors.Is(err, domain.ErrNotConnected) {
		return nil
	}
	return err
}
