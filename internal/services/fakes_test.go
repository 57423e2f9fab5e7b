package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"portal-realtime/internal/domain"
)

var errDropped = errors.New("transport dropped")

type emitted struct {
	Event   string
	Payload json.RawMessage
}

type fakeTransport struct {
	events chan domain.Event
	done   chan struct{}

	mu        sync.Mutex
	emits     []emitted
	closed    bool
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan domain.Event, 32),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Emit(ctx context.Context, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errDropped
	}
	t.emits = append(t.emits, emitted{Event: event, Payload: data})
	return nil
}

func (t *fakeTransport) ReadEvent() (domain.Event, error) {
	select {
	case event := <-t.events:
		return event, nil
	case <-t.done:
		return domain.Event{}, &domain.DisconnectError{Reason: "transport close", Err: errDropped}
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// push delivers a server event to the read loop.
func (t *fakeTransport) push(name string, payload interface{}) {
	data, _ := json.Marshal(payload)
	t.events <- domain.Event{Name: name, Data: data}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) emitted(event string) []emitted {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emitted
	for _, e := range t.emits {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	tokens     []string
	transports []*fakeTransport
	// fail decides the outcome of dial n (1-based). Nil means success.
	fail func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (domain.Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	fail := d.fail
	d.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// fakeClock is a settable time source for guards and windows.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticToken string

func (s staticToken) Token() string {
	return string(s)
}
