package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedMultiplexer(t *testing.T) (*Multiplexer, *ConnectionManager, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	m := newTestManager(dialer, ManagerOptions{})
	t.Cleanup(func() { m.Close() })

	mux := NewMultiplexer(m, logger.NewNop())
	_, err := m.Acquire("tok")
	require.NoError(t, err)
	waitConnected(t, m)
	return mux, m, dialer
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handler(tag string) domain.EventHandler {
	return func(event domain.Event) {
		r.mu.Lock()
		r.events = append(r.events, tag+":"+event.Name)
		r.mu.Unlock()
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestMultiplexer_FansOutInRegistrationOrder(t *testing.T) {
	mux, _, dialer := connectedMultiplexer(t)

	rec := &recorder{}
	mux.Subscribe("study:xp", rec.handler("a"))
	mux.Subscribe("study:xp", rec.handler("b"))
	mux.Subscribe("study:streak", rec.handler("c"))

	dialer.last().push("study:xp", map[string]int{"amount": 10})
	dialer.last().push("study:streak", map[string]int{"days": 3})

	require.Eventually(t, func() bool { return len(rec.list()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"a:study:xp", "b:study:xp", "c:study:streak"}, rec.list())
}

func TestMultiplexer_UnsubscribeIsIdempotent(t *testing.T) {
	mux, m, dialer := connectedMultiplexer(t)

	rec := &recorder{}
	unsubscribe := mux.Subscribe("study:xp", rec.handler("a"))
	keep := mux.Subscribe("study:xp", rec.handler("b"))
	defer keep()

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, mux.HandlerCount("study:xp"))

	dialer.last().push("study:xp", nil)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"b:study:xp"}, rec.list())

	require.NoError(t, m.Close())
	assert.NotPanics(t, func() {
		unsubscribe()
		keep()
		keep()
	})
	assert.Equal(t, 0, mux.HandlerCount("study:xp"))
}

func TestMultiplexer_RoomJoinReassertedAfterReconnect(t *testing.T) {
	mux, m, dialer := connectedMultiplexer(t)

	room := domain.Room{Kind: "election", ID: "42"}
	sub := mux.JoinRoom(room, map[string]domain.EventHandler{
		"election:vote": func(domain.Event) {},
	})

	joins := dialer.transport(0).emitted("join:election")
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"roomId":"42"}`, string(joins[0].Payload))
	assert.True(t, sub.Joined())

	dialer.transport(0).Close()
	require.Eventually(t, func() bool {
		next := dialer.transport(1)
		return next != nil && len(next.emitted("join:election")) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, domain.StateConnected, m.State())
	assert.True(t, sub.Joined())
}

func TestMultiplexer_RoomJoinDeferredUntilConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(dialer, ManagerOptions{})
	defer m.Close()
	mux := NewMultiplexer(m, logger.NewNop())

	sub := mux.JoinRoom(domain.Room{Kind: "study", ID: "user-1"}, nil)
	assert.False(t, sub.Joined())

	_, err := m.Acquire("tok")
	require.NoError(t, err)
	waitConnected(t, m)

	require.Eventually(t, func() bool {
		return len(dialer.last().emitted("join:study")) == 1
	}, waitFor, time.Millisecond)
}

func TestRoomSubscription_LeaveIsIdempotent(t *testing.T) {
	mux, m, dialer := connectedMultiplexer(t)

	sub := mux.JoinRoom(domain.Room{Kind: "election", ID: "7"}, map[string]domain.EventHandler{
		"election:result": func(domain.Event) {},
	})
	require.Equal(t, 1, mux.HandlerCount("election:result"))

	require.NoError(t, sub.Leave(context.Background()))
	require.NoError(t, sub.Leave(context.Background()))

	leaves := dialer.last().emitted("leave:election")
	require.Len(t, leaves, 1)
	var control domain.RoomControl
	require.NoError(t, json.Unmarshal(leaves[0].Payload, &control))
	assert.Equal(t, "7", control.RoomID)
	assert.Equal(t, 0, mux.HandlerCount("election:result"))
	assert.False(t, sub.Joined())

	// A left subscription stays quiet across reconnects.
	require.NoError(t, m.ForceReconnect())
	waitConnected(t, m)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, dialer.last().emitted("join:election"))
}

func TestRoomSubscription_LeaveAfterClose(t *testing.T) {
	mux, m, _ := connectedMultiplexer(t)

	sub := mux.JoinRoom(domain.Room{Kind: "election", ID: "9"}, nil)
	require.NoError(t, m.Close())

	assert.NoError(t, sub.Leave(context.Background()))
}
