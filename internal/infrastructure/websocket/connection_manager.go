package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
)

// Hub is the server-side registry of connected clients and their rooms.
// Presence is deduplicated by user id: a user with two tabs holds two
// connections but appears once in the roster.
type Hub struct {
	connections map[string]map[string]*ServerClient // room -> clientID -> client
	clients     map[string]*ServerClient            // clientID -> client
	mutex       sync.RWMutex
	roster      domain.RosterStore
	publisher   domain.EventPublisher
	instanceID  string
	staleAfter  time.Duration
	log         logger.Logger
}

type HubOptions struct {
	InstanceID string
	// StaleAfter is how long a heartbeat keeps a disconnected user in the roster.
	StaleAfter time.Duration
	// Publisher fans events out to other instances. Nil keeps delivery local.
	Publisher domain.EventPublisher
}

func NewHub(roster domain.RosterStore, opts HubOptions, log logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string]map[string]*ServerClient),
		clients:     make(map[string]*ServerClient),
		roster:      roster,
		publisher:   opts.Publisher,
		instanceID:  opts.InstanceID,
		staleAfter:  opts.StaleAfter,
		log:         log,
	}
}

func (h *Hub) Register(client *ServerClient) {
	h.mutex.Lock()
	h.clients[client.id] = client
	h.mutex.Unlock()

	h.log.Info("Connection registered", "client_id", client.id, "user_id", client.userID)
}

// Unregister removes the client from every room and, if it had announced
// presence, uncounts its connection.
func (h *Hub) Unregister(ctx context.Context, client *ServerClient) {
	h.mutex.Lock()
	delete(h.clients, client.id)
	for room, members := range h.connections {
		delete(members, client.id)
		if len(members) == 0 {
			delete(h.connections, room)
		}
	}
	h.mutex.Unlock()

	h.log.Info("Connection unregistered", "client_id", client.id, "user_id", client.userID)

	if client.markPresenceGone() {
		h.removePresence(ctx, client, time.Now().Add(-h.staleAfter))
	}
}

func (h *Hub) JoinRoom(client *ServerClient, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.connections[room] == nil {
		h.connections[room] = make(map[string]*ServerClient)
	}
	h.connections[room][client.id] = client
	h.log.Info("Joined room", "client_id", client.id, "room", room)
}

func (h *Hub) LeaveRoom(client *ServerClient, room string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if members, exists := h.connections[room]; exists {
		delete(members, client.id)
		if len(members) == 0 {
			delete(h.connections, room)
		}
	}
	h.log.Info("Left room", "client_id", client.id, "room", room)
}

func (h *Hub) RoomSize(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections[room])
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// AnnouncePresence counts the client's connection for its user and
// broadcasts the new roster.
func (h *Hub) AnnouncePresence(ctx context.Context, client *ServerClient, join domain.PresenceJoin) error {
	if !client.markPresenceJoined() {
		return nil
	}

	entry := domain.RosterEntry{
		UserID:      client.userID,
		DisplayName: join.UserName,
		AvatarRef:   join.AvatarRef,
		JoinedAt:    time.Now().UTC(),
	}
	count, err := h.roster.AddConnection(ctx, entry)
	if err != nil {
		return err
	}
	h.log.Info("Presence joined", "user_id", client.userID, "connections", count)
	return h.BroadcastPresence(ctx, domain.ChangeJoin, entry)
}

// WithdrawPresence handles an explicit presence:leave.
func (h *Hub) WithdrawPresence(ctx context.Context, client *ServerClient) error {
	if !client.markPresenceGone() {
		return nil
	}
	return h.removePresence(ctx, client, time.Now())
}

func (h *Hub) removePresence(ctx context.Context, client *ServerClient, staleBefore time.Time) error {
	removed, err := h.roster.RemoveConnection(ctx, client.userID, staleBefore)
	if err != nil {
		h.log.Error("Failed to remove presence", "user_id", client.userID, "error", err)
		return err
	}
	if !removed {
		return nil
	}
	return h.BroadcastPresence(ctx, domain.ChangeLeave, domain.RosterEntry{UserID: client.userID})
}

// BroadcastPresence sends the full roster to every connection.
func (h *Hub) BroadcastPresence(ctx context.Context, change domain.ChangeType, subject domain.RosterEntry) error {
	snapshot, err := h.roster.Snapshot(ctx)
	if err != nil {
		return err
	}

	update := domain.PresenceUpdate{
		ChangeType:  change,
		UserID:      subject.UserID,
		UserName:    subject.DisplayName,
		AvatarRef:   subject.AvatarRef,
		OnlineUsers: snapshot,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return h.BroadcastAll(ctx, domain.Event{Name: domain.EventPresenceUpdate, Data: data})
}

func (h *Hub) BroadcastToRoom(ctx context.Context, room string, event domain.Event) error {
	h.deliver(room, event)
	return h.publish(ctx, room, event)
}

func (h *Hub) BroadcastAll(ctx context.Context, event domain.Event) error {
	h.deliver("", event)
	return h.publish(ctx, "", event)
}

// HandleRemoteEvent delivers an event published by another instance.
func (h *Hub) HandleRemoteEvent(event *domain.RoomEvent) error {
	if event.Origin == h.instanceID {
		return nil
	}
	h.deliver(event.Room, event.Event)
	return nil
}

// CloseAll disconnects every client, used on shutdown.
func (h *Hub) CloseAll() {
	h.mutex.RLock()
	clients := make([]*ServerClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if err := client.Close(); err != nil {
			h.log.Error("Failed to close connection", "client_id", client.id, "error", err)
		}
	}
}

func (h *Hub) publish(ctx context.Context, room string, event domain.Event) error {
	if h.publisher == nil {
		return nil
	}
	return h.publisher.PublishRoomEvent(ctx, &domain.RoomEvent{
		Room:   room,
		Event:  event,
		Origin: h.instanceID,
	})
}

func (h *Hub) deliver(room string, event domain.Event) {
	messageBytes, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to encode event", "event", event.Name, "error", err)
		return
	}

	h.mutex.RLock()
	var targets []*ServerClient
	if room == "" {
		targets = make([]*ServerClient, 0, len(h.clients))
		for _, client := range h.clients {
			targets = append(targets, client)
		}
	} else {
		for _, client := range h.connections[room] {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range targets {
		if err := client.Send(messageBytes); err != nil {
			h.log.Warn("Failed to send message", "client_id", client.id, "event", event.Name, "error", err)
			// Continue to other connections
		}
	}
}
