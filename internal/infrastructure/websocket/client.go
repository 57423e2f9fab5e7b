package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Dialer opens authenticated client connections to the realtime endpoint.
type Dialer struct {
	url         string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	log         logger.Logger
}

func NewDialer(url string, log logger.Logger) *Dialer {
	return &Dialer{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		readTimeout: pongWait,
		log:         log,
	}
}

// Dial carries the bearer token in the handshake. A 401 or 403 answer maps to
// domain.ErrUnauthorized so the caller does not retry the same token.
func (d *Dialer) Dial(ctx context.Context, token string) (domain.Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", d.url, domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}

	return newTransport(conn, d.readTimeout, d.log), nil
}

// Transport is one client-side websocket. Writes are serialized; reads happen
// on the connection manager's single read goroutine.
type Transport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	log         logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newTransport(conn *websocket.Conn, readTimeout time.Duration, log logger.Logger) *Transport {
	t := &Transport{
		conn:        conn,
		readTimeout: readTimeout,
		log:         log,
	}

	conn.SetReadLimit(maxMessageSize)
	t.extendReadDeadline()
	// The server pings on a fixed period; a socket frozen in the background
	// stops seeing pings and the read deadline ends it.
	conn.SetPingHandler(func(data string) error {
		t.extendReadDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return t
}

func (t *Transport) Emit(ctx context.Context, event string, payload interface{}) error {
	frame := domain.Event{Name: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		frame.Data = data
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(frame)
}

func (t *Transport) ReadEvent() (domain.Event, error) {
	var event domain.Event
	if err := t.conn.ReadJSON(&event); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return domain.Event{}, &domain.DisconnectError{Reason: "io server disconnect", Err: err}
		}
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return domain.Event{}, &domain.DisconnectError{Reason: "unauthorized", Err: domain.ErrUnauthorized}
		}
		return domain.Event{}, &domain.DisconnectError{Reason: "transport close", Err: err}
	}
	t.extendReadDeadline()

	if event.Name == domain.EventDisconnect {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = event.Decode(&body)
		if body.Reason == "unauthorized" {
			return domain.Event{}, &domain.DisconnectError{Reason: body.Reason, Err: domain.ErrUnauthorized}
		}
		return domain.Event{}, &domain.DisconnectError{Reason: body.Reason}
	}
	return event, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *Transport) extendReadDeadline() {
	if t.readTimeout <= 0 {
		return
	}
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
}
