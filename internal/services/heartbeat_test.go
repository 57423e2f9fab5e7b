package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSender struct {
	calls int32
	err   error
	delay time.Duration
}

func (s *countingSender) SendHeartbeat(ctx context.Context, token string) error {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

func (s *countingSender) count() int {
	return int(atomic.LoadInt32(&s.calls))
}

func newTestHeartbeat(sender *countingSender, token string, clock *fakeClock) *Heartbeat {
	h := NewHeartbeat(sender, staticToken(token), 30*time.Second, logger.NewNop())
	h.now = clock.Now
	return h
}

func TestHeartbeat_ConcurrentTriggersSendOnce(t *testing.T) {
	sender := &countingSender{delay: 5 * time.Millisecond}
	h := newTestHeartbeat(sender, "tok", newFakeClock())

	var wg sync.WaitGroup
	var sent int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := h.Send(context.Background())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&sent, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, int32(1), sent)
}

func TestHeartbeat_IntervalGate(t *testing.T) {
	clock := newFakeClock()
	sender := &countingSender{}
	h := newTestHeartbeat(sender, "tok", clock)

	sent, err := h.Send(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, clock.Now(), h.LastSentAt())

	clock.Advance(29 * time.Second)
	sent, _ = h.Send(context.Background())
	assert.False(t, sent)

	clock.Advance(time.Second)
	sent, _ = h.Send(context.Background())
	assert.True(t, sent)
	assert.Equal(t, 2, sender.count())
}

func TestHeartbeat_FailureWaitsForNextInterval(t *testing.T) {
	clock := newFakeClock()
	sender := &countingSender{err: errors.New("offline")}
	h := newTestHeartbeat(sender, "tok", clock)

	sent, err := h.Send(context.Background())
	assert.True(t, sent)
	assert.Error(t, err)

	sent, err = h.Send(context.Background())
	assert.False(t, sent)
	assert.NoError(t, err)
	assert.Equal(t, 1, sender.count())
}

func TestHeartbeat_NoTokenIsNoop(t *testing.T) {
	sender := &countingSender{}
	h := newTestHeartbeat(sender, "", newFakeClock())

	sent, err := h.Send(context.Background())
	assert.False(t, sent)
	assert.NoError(t, err)
	assert.Equal(t, 0, sender.count())
	assert.True(t, h.LastSentAt().IsZero())
}

func TestHeartbeat_StartStop(t *testing.T) {
	sender := &countingSender{}
	h := NewHeartbeat(sender, staticToken("tok"), 2*time.Second, logger.NewNop())

	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, func() bool { return sender.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop())
}

func TestHeartbeat_StartsOnce(t *testing.T) {
	h := NewHeartbeat(&countingSender{}, staticToken("tok"), time.Minute, logger.NewNop())
	defer h.Stop()

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), domain.ErrAlreadyStarted)
	assert.Len(t, h.cron.Entries(), 1)
}

func TestHeartbeat_StopsWithContext(t *testing.T) {
	sender := &countingSender{}
	h := NewHeartbeat(sender, staticToken("tok"), time.Second, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	require.Eventually(t, func() bool { return sender.count() >= 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-h.stopped:
	case <-time.After(waitFor):
		t.Fatal("heartbeat kept polling after its context ended")
	}

	sent := sender.count()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, sent, sender.count())
	require.NoError(t, h.Stop())
}
