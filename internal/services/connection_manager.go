package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
	"portal-realtime/pkg/utils"
)

// ReconnectPolicy bounds how long the manager keeps retrying a failed transport.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Linear multiplies Delay by the attempt number.
	Linear      bool
}

func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if p.Linear && attempt > 1 {
		return p.Delay * time.Duration(attempt)
	}
	return p.Delay
}

// Lease is the handle a feature holds for as long as it needs the connection.
type Lease struct {
	id string
}

func (l *Lease) ID() string {
	return l.id
}

// Connection is one logical connection and its retry bookkeeping. Every
// transport it attaches gets a fresh socketID.
// All mutable fields are guarded by the owning manager's mutex.
type Connection struct {
	id        string
	socketID  string
	token     string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state     domain.ConnectionState
	attempts  int
	transport domain.Transport
}

// ConnectionInfo is a read-only copy of the current Connection.
type ConnectionInfo struct {
	ID        string
	SocketID  string
	Token     string
	CreatedAt time.Time
	State     domain.ConnectionState
	Attempts  int
}

type ManagerOptions struct {
	Policy   ReconnectPolicy
	// KeepWarm leaves the last connection open when every lease is released.
	// The connection then stays up until Close, trading idle resources for a
	// faster reattach.
	KeepWarm bool
}

// ConnectionManager is the sole owner of the physical connection. Features
// never open or close it themselves; they hold leases.
type ConnectionManager struct {
	dialer   domain.Dialer
	policy   ReconnectPolicy
	keepWarm bool
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	conn      *Connection
	leases    map[string]struct{}
	token     string
	// rejected is the last token the server refused; it is never dialed again.
	rejected  string
	lostErr   error
	closed    bool
	version   uint64
	observers map[int]func(domain.Status)
	nextObs   int
	sink      domain.EventHandler

	// pubMu serializes observer delivery so statuses arrive in order.
	pubMu     sync.Mutex
	published uint64

	wg sync.WaitGroup
}

func NewConnectionManager(dialer domain.Dialer, opts ManagerOptions, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		dialer:    dialer,
		policy:    opts.Policy,
		keepWarm:  opts.KeepWarm,
		log:       log,
		now:       time.Now,
		leases:    make(map[string]struct{}),
		observers: make(map[int]func(domain.Status)),
	}
}

// Acquire registers a lease. A connected instance is reused, and so is an
// attempt still connecting with the same token. Any other connection that is
// not connected is discarded and replaced using token. A token the server
// already rejected returns ErrUnauthorized without dialing.
func (m *ConnectionManager) Acquire(token string) (*Lease, error) {
	if token == "" {
		return nil, domain.ErrMissingToken
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrManagerClosed
	}
	if token == m.rejected {
		m.mu.Unlock()
		return nil, fmt.Errorf("acquire: %w", domain.ErrUnauthorized)
	}

	lease := &Lease{id: utils.GenerateID("lease")}
	m.leases[lease.id] = struct{}{}
	m.token = token

	if m.conn != nil && m.conn.state == domain.StateConnected {
		m.mu.Unlock()
		m.log.Debug("Lease attached to live connection", "lease_id", lease.id)
		return lease, nil
	}
	if m.conn != nil && m.conn.state == domain.StateConnecting && m.conn.token == token {
		m.mu.Unlock()
		m.log.Debug("Lease attached to pending connection", "lease_id", lease.id)
		return lease, nil
	}

	if m.conn != nil {
		m.discardLocked()
	}
	m.startLocked(token)
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.log.Info("Lease acquired", "lease_id", lease.id, "state", status.State.String())
	m.publish(status, version)
	return lease, nil
}

// Release drops a lease. The physical connection closes and the token is
// forgotten once no lease remains, unless KeepWarm is set. Releasing twice
// returns ErrLeaseReleased and changes nothing.
func (m *ConnectionManager) Release(lease *Lease) error {
	if lease == nil {
		return domain.ErrLeaseReleased
	}

	m.mu.Lock()
	if _, ok := m.leases[lease.id]; !ok {
		m.mu.Unlock()
		return domain.ErrLeaseReleased
	}
	delete(m.leases, lease.id)

	if len(m.leases) > 0 || m.keepWarm {
		m.mu.Unlock()
		m.log.Debug("Lease released", "lease_id", lease.id)
		return nil
	}

	m.token = ""
	if m.conn == nil {
		m.mu.Unlock()
		m.log.Debug("Last lease released", "lease_id", lease.id)
		return nil
	}
	m.discardLocked()
	m.lostErr = nil
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.log.Info("Last lease released, connection closed", "lease_id", lease.id)
	m.publish(status, version)
	return nil
}

// ForceReconnect discards whatever connection exists and dials a new one with
// the current token. With KeepWarm that holds even when no lease remains;
// otherwise the last release dropped the token and ErrMissingToken is
// returned. A token the server rejected is not redialed.
func (m *ConnectionManager) ForceReconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrManagerClosed
	}
	if m.token == "" {
		m.mu.Unlock()
		return domain.ErrMissingToken
	}
	if m.token == m.rejected {
		m.mu.Unlock()
		return fmt.Errorf("force reconnect: %w", domain.ErrUnauthorized)
	}

	if m.conn != nil {
		m.discardLocked()
	}
	m.startLocked(m.token)
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.log.Info("Forced reconnect")
	m.publish(status, version)
	return nil
}

// Close tears the manager down for process shutdown.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.conn != nil {
		m.discardLocked()
	}
	m.leases = make(map[string]struct{})
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.publish(status, version)
	m.wg.Wait()
	return nil
}

func (m *ConnectionManager) Emit(ctx context.Context, event string, payload interface{}) error {
	m.mu.Lock()
	c := m.conn
	if c == nil || c.state != domain.StateConnected || c.transport == nil {
		m.mu.Unlock()
		return domain.ErrNotConnected
	}
	transport := c.transport
	m.mu.Unlock()

	return transport.Emit(ctx, event, payload)
}

func (m *ConnectionManager) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, _ := m.statusLocked()
	return status
}

func (m *ConnectionManager) State() domain.ConnectionState {
	return m.Status().State
}

func (m *ConnectionManager) Connection() (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ID:        m.conn.id,
		SocketID:  m.conn.socketID,
		Token:     m.conn.token,
		CreatedAt: m.conn.createdAt,
		State:     m.conn.state,
		Attempts:  m.conn.attempts,
	}, true
}

func (m *ConnectionManager) LeaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// OnStatus registers an observer for status changes. Observers run on the
// goroutine that caused the change and may Emit, but must not call Acquire,
// Release, ForceReconnect or Close synchronously.
func (m *ConnectionManager) OnStatus(fn func(domain.Status)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// SetEventSink installs the single receiver of inbound events.
func (m *ConnectionManager) SetEventSink(sink domain.EventHandler) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// WaitConnected blocks until the connection is up, the manager gives up, or ctx ends.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	cancel := m.OnStatus(func(domain.Status) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		status := m.Status()
		if status.State == domain.StateConnected {
			return nil
		}
		if status.Err != nil {
			return status.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (m *ConnectionManager) startLocked(token string) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		id:        utils.GenerateID("conn"),
		token:     token,
		createdAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.StateConnecting,
	}
	m.conn = conn
	m.lostErr = nil
	m.version++

	m.wg.Add(1)
	go m.run(conn)
}

func (m *ConnectionManager) discardLocked() {
	c := m.conn
	m.conn = nil
	c.cancel()
	c.state = domain.StateDisconnected
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			m.log.Debug("Failed to close transport", "connection_id", c.id, "error", err)
		}
		c.transport = nil
	}
	m.version++
}

func (m *ConnectionManager) statusLocked() (domain.Status, uint64) {
	if m.conn == nil {
		return domain.Status{
			State:        domain.StateDisconnected,
			Connectivity: domain.ConnectivityLost,
			Err:          m.lostErr,
		}, m.version
	}

	status := domain.Status{
		ConnectionID: m.conn.socketID,
		State:        m.conn.state,
		Attempts:     m.conn.attempts,
		Err:          m.lostErr,
	}
	switch m.conn.state {
	case domain.StateConnected:
		status.Connectivity = domain.ConnectivityConnected
	case domain.StateConnecting:
		status.Connectivity = domain.ConnectivityConnecting
	default:
		status.Connectivity = domain.ConnectivityLost
	}
	return status, m.version
}

func (m *ConnectionManager) publish(status domain.Status, version uint64) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	if version <= m.published {
		return
	}
	m.published = version

	m.mu.Lock()
	observers := make([]func(domain.Status), 0, len(m.observers))
	for id := 0; id < m.nextObs; id++ {
		if fn, ok := m.observers[id]; ok {
			observers = append(observers, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// run owns one Connection for its whole life: dial, read, retry.
func (m *ConnectionManager) run(conn *Connection) {
	defer m.wg.Done()

	for {
		transport, err := m.dialer.Dial(conn.ctx, conn.token)
		if err != nil {
			if conn.ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrUnauthorized) {
				m.fail(conn, domain.ErrUnauthorized)
				return
			}
			m.log.Warn("connect_error", "connection_id", conn.id, "error", err)
			if !m.retry(conn) {
				return
			}
			continue
		}

		if !m.attach(conn, transport) {
			transport.Close()
			return
		}

		err = m.readLoop(transport)
		if conn.ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			m.fail(conn, domain.ErrUnauthorized)
			return
		}
		m.log.Warn("disconnect", "connection_id", conn.id, "reason", err)
		if !m.retry(conn) {
			return
		}
	}
}

func (m *ConnectionManager) attach(conn *Connection, transport domain.Transport) bool {
	m.mu.Lock()
	if m.conn != conn || conn.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	conn.transport = transport
	conn.socketID = utils.GenerateID("sock")
	conn.state = domain.StateConnected
	conn.attempts = 0
	m.version++
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.log.Info("connect", "connection_id", conn.id, "socket_id", conn.socketID)
	m.publish(status, version)
	return true
}

// retry counts a failed attempt and waits out the backoff. It returns false
// once the connection is superseded or the attempts are exhausted.
func (m *ConnectionManager) retry(conn *Connection) bool {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return false
	}
	if conn.transport != nil {
		conn.transport.Close()
		conn.transport = nil
	}
	conn.attempts++
	if conn.attempts > m.policy.MaxAttempts {
		m.mu.Unlock()
		m.fail(conn, domain.ErrConnectionLost)
		return false
	}
	conn.state = domain.StateConnecting
	attempt := conn.attempts
	m.version++
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.publish(status, version)

	delay := m.policy.Backoff(attempt)
	m.log.Info("Reconnecting", "connection_id", conn.id, "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-conn.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *ConnectionManager) fail(conn *Connection, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	conn.state = domain.StateDisconnected
	if conn.transport != nil {
		conn.transport.Close()
		conn.transport = nil
	}
	if errors.Is(cause, domain.ErrUnauthorized) {
		m.rejected = conn.token
	}
	m.lostErr = cause
	attempts := conn.attempts
	m.version++
	status, version := m.statusLocked()
	m.mu.Unlock()

	m.log.Error("Connection lost", "connection_id", conn.id, "attempts", attempts, "error", cause)
	m.publish(status, version)
}

func (m *ConnectionManager) readLoop(transport domain.Transport) error {
	for {
		event, err := transport.ReadEvent()
		if err != nil {
			return err
		}

		if event.Name == domain.EventError {
			m.log.Warn("Server error event", "data", string(event.Data))
		}

		m.mu.Lock()
		sink := m.sink
		m.mu.Unlock()
		if sink != nil {
			sink(event)
		}
	}
}
