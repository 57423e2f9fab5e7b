// Package featuretest provides an in-process server stand-in for feature tests.
package featuretest

import (
	"context"
	"encoding/json"
	"sync"

	"portal-realtime/internal/domain"
)

// Dialer hands out in-memory transports and remembers them.
type Dialer struct {
	mu         sync.Mutex
	transports []*Transport
}

func (d *Dialer) Dial(ctx context.Context, token string) (domain.Transport, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	t := &Transport{
		events: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// Frame is one client-to-server emission.
type Frame struct {
	Event   string
	Payload json.RawMessage
}

type Transport struct {
	events chan domain.Event
	done   chan struct{}

	mu     sync.Mutex
	frames []Frame
	closed bool
	once   sync.Once
}

func (t *Transport) Emit(ctx context.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrNotConnected
	}
	t.frames = append(t.frames, Frame{Event: event, Payload: data})
	return nil
}

func (t *Transport) ReadEvent() (domain.Event, error) {
	select {
	case event := <-t.events:
		return event, nil
	case <-t.done:
		return domain.Event{}, &domain.DisconnectError{Reason: "transport close"}
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// Push delivers a server event.
func (t *Transport) Push(event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	t.events <- domain.Event{Name: event, Data: data}
}

func (t *Transport) Frames(event string) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Frame
	for _, f := range t.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
