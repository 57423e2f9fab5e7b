package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
	"portal-realtime/pkg/utils"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type WebSocketHandler struct {
	hub      *Hub
	verifier domain.TokenVerifier
	log      logger.Logger
}

func NewWebSocketHandler(hub *Hub, verifier domain.TokenVerifier, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		verifier: verifier,
		log:      log,
	}
}

// HandleConnection authenticates the handshake before upgrading. Browsers
// cannot set headers on a websocket handshake, so a token query parameter
// is accepted as well.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		h.log.Info("Rejected connection", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := NewServerClient(conn, userID, h.log)
	h.hub.Register(client)

	go client.writePump()
	go h.handleMessages(client)
}

func (h *WebSocketHandler) handleMessages(client *ServerClient) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.hub.Unregister(ctx, client)
		client.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var event domain.Event
		if err := client.conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("Unexpected close", "client_id", client.id, "error", err)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := h.dispatch(client, event); err != nil {
			h.log.Warn("Failed to handle event", "client_id", client.id, "event", event.Name, "error", err)
			client.SendEvent(domain.EventError, map[string]string{"event": event.Name, "message": err.Error()})
		}
	}
}

func (h *WebSocketHandler) dispatch(client *ServerClient, event domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case event.Name == domain.EventPresenceJoin:
		var join domain.PresenceJoin
		if err := event.Decode(&join); err != nil {
			return err
		}
		return h.hub.AnnouncePresence(ctx, client, join)

	case event.Name == domain.EventPresenceLeave:
		return h.hub.WithdrawPresence(ctx, client)

	case strings.HasPrefix(event.Name, "join:"):
		room, err := controlRoom(event, "join:")
		if err != nil {
			return err
		}
		h.hub.JoinRoom(client, room.String())
		return nil

	case strings.HasPrefix(event.Name, "leave:"):
		room, err := controlRoom(event, "leave:")
		if err != nil {
			return err
		}
		h.hub.LeaveRoom(client, room.String())
		return nil
	}

	h.log.Debug("Ignoring client event", "client_id", client.id, "event", event.Name)
	return nil
}

func controlRoom(event domain.Event, prefix string) (domain.Room, error) {
	var control domain.RoomControl
	if err := event.Decode(&control); err != nil {
		return domain.Room{}, err
	}
	return domain.Room{Kind: strings.TrimPrefix(event.Name, prefix), ID: control.RoomID}, nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// ServerClient is one accepted connection. All writes go through the send
// channel and the write pump.
type ServerClient struct {
	id     string
	conn   *websocket.Conn
	userID string
	send   chan []byte
	log    logger.Logger

	mu        sync.Mutex
	present   bool
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func NewServerClient(conn *websocket.Conn, userID string, log logger.Logger) *ServerClient {
	return &ServerClient{
		id:     utils.GenerateID("conn"),
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		log:    log,
		done:   make(chan struct{}),
	}
}

func (c *ServerClient) ID() string {
	return c.id
}

func (c *ServerClient) UserID() string {
	return c.userID
}

// Send queues a frame. A client that cannot keep up is dropped.
func (c *ServerClient) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrNotConnected
	}

	select {
	case c.send <- message:
		return nil
	default:
		c.closed = true
		c.closeOnce.Do(func() { close(c.done) })
		return domain.ErrConnectionLost
	}
}

func (c *ServerClient) SendEvent(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message, err := json.Marshal(domain.Event{Name: name, Data: data})
	if err != nil {
		return err
	}
	return c.Send(message)
}

func (c *ServerClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *ServerClient) markPresenceJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.present {
		return false
	}
	c.present = true
	return true
}

func (c *ServerClient) markPresenceGone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present {
		return false
	}
	c.present = false
	return true
}

func (c *ServerClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *ServerClient) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
