package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Heartbeat asserts liveness over the HTTP fallback channel, independent of
// the realtime connection. Mobile browsers can freeze the socket without a
// close event, so this is the signal the server trusts for presence.
type Heartbeat struct {
	sender   domain.HeartbeatSender
	tokens   domain.TokenSource
	interval time.Duration
	cron     *cron.Cron
	log      logger.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastSentAt time.Time
	started    bool

	stopOnce sync.Once
	// stopped closes once the cron is stopped, by Stop or by Start's ctx ending.
	stopped chan struct{}
}

func NewHeartbeat(sender domain.HeartbeatSender, tokens domain.TokenSource, interval time.Duration, log logger.Logger) *Heartbeat {
	return &Heartbeat{
		sender:   sender,
		tokens:   tokens,
		interval: interval,
		cron:     cron.New(cron.WithSeconds()),
		log:      log,
		now:      time.Now,
		stopped:  make(chan struct{}),
	}
}

// Send posts one heartbeat unless one already went out within the interval.
// lastSentAt is claimed before the request, so concurrent triggers collapse
// into a single request. A failed send is not retried; the next interval is.
func (h *Heartbeat) Send(ctx context.Context) (bool, error) {
	token := h.tokens.Token()
	if token == "" {
		return false, nil
	}

	h.mu.Lock()
	now := h.now()
	if !h.lastSentAt.IsZero() && now.Sub(h.lastSentAt) < h.interval {
		h.mu.Unlock()
		return false, nil
	}
	h.lastSentAt = now
	h.mu.Unlock()

	if err := h.sender.SendHeartbeat(ctx, token); err != nil {
		h.log.Warn("Heartbeat failed", "error", err)
		return true, err
	}
	h.log.Debug("Heartbeat sent")
	return true, nil
}

func (h *Heartbeat) LastSentAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSentAt
}

// Start polls several times per interval; Send's guard decides when a request
// actually goes out, which keeps the cadence close to the interval. Polling
// ends when ctx does or on Stop. A heartbeat starts at most once.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("heartbeat: %w", domain.ErrAlreadyStarted)
	}
	h.started = true
	h.mu.Unlock()

	h.log.Info("Starting heartbeat", "interval", h.interval)

	poll := h.interval / 6
	if poll < time.Second {
		poll = time.Second
	}
	_, err := h.cron.AddFunc(fmt.Sprintf("@every %s", poll), func() {
		reqCtx, cancel := context.WithTimeout(ctx, h.interval)
		defer cancel()
		h.Send(reqCtx)
	})
	if err != nil {
		return err
	}

	h.cron.Start()
	go func() {
		select {
		case <-ctx.Done():
			h.stop()
		case <-h.stopped:
		}
	}()
	return nil
}

func (h *Heartbeat) Stop() error {
	h.log.Info("Stopping heartbeat")
	h.stop()
	return nil
}

func (h *Heartbeat) stop() {
	h.stopOnce.Do(func() {
		<-h.cron.Stop().Done()
		close(h.stopped)
	})
}
