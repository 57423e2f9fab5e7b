package services

import (
	"context"
	"errors"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
)

// Reconnector is what the monitor needs from the connection manager.
type Reconnector interface {
	Status() domain.Status
	ForceReconnect() error
}

// LivenessMonitor turns lifecycle signals into at most one forced reconnect
// per debounce window. Unlocking a phone typically fires visibility, restore
// and focus within milliseconds; they must produce a single reconnect.
type LivenessMonitor struct {
	conn    Reconnector
	window  time.Duration
	log     logger.Logger
	now     func() time.Time
	signals chan domain.LifecycleSignal
	hooks   []func(domain.LifecycleSignal)

	// only touched by the supervisor goroutine
	lastReconnect time.Time
}

func NewLivenessMonitor(conn Reconnector, window time.Duration, log logger.Logger) *LivenessMonitor {
	return &LivenessMonitor{
		conn:    conn,
		window:  window,
		log:     log,
		now:     time.Now,
		signals: make(chan domain.LifecycleSignal, 16),
	}
}

// OnSignal adds a hook called for every signal, coalesced or not, after the
// reconnect decision. Hooks run on the supervisor goroutine and must not
// block. Register hooks before Run.
func (m *LivenessMonitor) OnSignal(fn func(domain.LifecycleSignal)) {
	m.hooks = append(m.hooks, fn)
}

// Signal queues a lifecycle signal. It never blocks; a full queue drops the
// signal because one already pending covers it.
func (m *LivenessMonitor) Signal(signal domain.LifecycleSignal) bool {
	select {
	case m.signals <- signal:
		return true
	default:
		m.log.Debug("Lifecycle signal dropped", "signal", signal.String())
		return false
	}
}

// Run is the single supervisor. It returns when ctx ends.
func (m *LivenessMonitor) Run(ctx context.Context) {
	m.log.Info("Liveness monitor started", "debounce_window", m.window)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Liveness monitor stopped")
			return
		case signal := <-m.signals:
			m.handle(signal)
		}
	}
}

func (m *LivenessMonitor) handle(signal domain.LifecycleSignal) {
	defer func() {
		for _, hook := range m.hooks {
			hook(signal)
		}
	}()

	status := m.conn.Status()
	if status.State == domain.StateConnected {
		return
	}
	// A rejected token needs a new login, not another dial.
	if errors.Is(status.Err, domain.ErrUnauthorized) {
		m.log.Debug("Reconnect skipped, token rejected", "signal", signal.String())
		return
	}

	now := m.now()
	if !m.lastReconnect.IsZero() && now.Sub(m.lastReconnect) < m.window {
		m.log.Debug("Reconnect coalesced", "signal", signal.String())
		return
	}
	m.lastReconnect = now

	m.log.Info("Connection suspected dead, forcing reconnect", "signal", signal.String())
	switch err := m.conn.ForceReconnect(); {
	case err == nil:
	case errors.Is(err, domain.ErrMissingToken), errors.Is(err, domain.ErrUnauthorized):
		m.log.Debug("Nothing to reconnect", "reason", err)
	default:
		m.log.Warn("Forced reconnect failed", "error", err)
	}
}
