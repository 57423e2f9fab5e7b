package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
)

type Metadata struct {
	DisplayName string
	AvatarRef   string
}

// Presence announces the local user and mirrors the server roster. The local
// roster is always the onlineUsers list of the latest presence:update; it is
// never merged from deltas, so a dropped update heals with the next one.
type Presence struct {
	mux *Multiplexer
	log logger.Logger

	mu         sync.RWMutex
	self       *domain.PresenceJoin
	joinedConn string
	roster     domain.RosterSnapshot
	updatedAt  time.Time
	observers  map[int]func(domain.RosterSnapshot)
	nextObs    int

	stopUpdates func()
	stopStatus  func()
}

func NewPresence(mux *Multiplexer, log logger.Logger) *Presence {
	p := &Presence{
		mux:       mux,
		log:       log,
		roster:    domain.RosterSnapshot{},
		observers: make(map[int]func(domain.RosterSnapshot)),
	}
	p.stopUpdates = mux.Subscribe(domain.EventPresenceUpdate, p.handleUpdate)
	p.stopStatus = mux.link.OnStatus(p.onStatus)
	return p
}

// Join records the local user and announces it now if connected. The
// announcement is repeated after every reconnect.
func (p *Presence) Join(ctx context.Context, userID string, meta Metadata) error {
	if userID == "" {
		return fmt.Errorf("presence join: user id is required")
	}

	p.mu.Lock()
	p.self = &domain.PresenceJoin{
		UserID:    userID,
		UserName:  meta.DisplayName,
		AvatarRef: meta.AvatarRef,
	}
	p.joinedConn = ""
	p.mu.Unlock()

	status := p.mux.link.Status()
	if status.State != domain.StateConnected {
		p.log.Debug("Presence join deferred until connected", "user_id", userID)
		return nil
	}
	return p.sendJoin(ctx, status.ConnectionID)
}

// Leave withdraws the local user, e.g. on logout or feature teardown.
func (p *Presence) Leave(ctx context.Context) error {
	p.mu.Lock()
	self := p.self
	p.self = nil
	p.joinedConn = ""
	p.roster = domain.RosterSnapshot{}
	observers := p.observerList()
	p.mu.Unlock()

	for _, fn := range observers {
		fn(domain.RosterSnapshot{})
	}

	if self == nil {
		return nil
	}
	err := p.mux.Emit(ctx, domain.EventPresenceLeave, domain.PresenceLeave{UserID: self.UserID})
	if errors.Is(err, domain.ErrNotConnected) {
		return nil
	}
	return err
}

func (p *Presence) Roster() domain.RosterSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roster.Clone()
}

func (p *Presence) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

func (p *Presence) OnRoster(fn func(domain.RosterSnapshot)) func() {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.observers, id)
			p.mu.Unlock()
		})
	}
}

// Close detaches from the multiplexer and the connection.
func (p *Presence) Close() {
	p.stopUpdates()
	p.stopStatus()
}

func (p *Presence) onStatus(status domain.Status) {
	if status.State != domain.StateConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := p.sendJoin(ctx, status.ConnectionID); err != nil {
		p.log.Warn("Failed to announce presence", "connection_id", status.ConnectionID, "error", err)
	}
}

func (p *Presence) sendJoin(ctx context.Context, connectionID string) error {
	p.mu.Lock()
	if p.self == nil || p.joinedConn == connectionID {
		p.mu.Unlock()
		return nil
	}
	join := *p.self
	p.joinedConn = connectionID
	p.mu.Unlock()

	if err := p.mux.Emit(ctx, domain.EventPresenceJoin, join); err != nil {
		p.mu.Lock()
		if p.joinedConn == connectionID {
			p.joinedConn = ""
		}
		p.mu.Unlock()
		return err
	}
	p.log.Info("Presence announced", "user_id", join.UserID, "connection_id", connectionID)
	return nil
}

func (p *Presence) handleUpdate(event domain.Event) {
	var update domain.PresenceUpdate
	if err := event.Decode(&update); err != nil {
		p.log.Warn("Malformed presence update", "error", err)
		return
	}

	p.mu.Lock()
	p.roster = update.OnlineUsers.Clone()
	p.updatedAt = update.Timestamp
	snapshot := p.roster
	observers := p.observerList()
	p.mu.Unlock()

	p.log.Debug("Roster replaced", "change", update.ChangeType, "user_id", update.UserID, "online", len(snapshot))
	for _, fn := range observers {
		fn(snapshot.Clone())
	}
}

func (p *Presence) observerList() []func(domain.RosterSnapshot) {
	out := make([]func(domain.RosterSnapshot), 0, len(p.observers))
	for id := 0; id < p.nextObs; id++ {
		if fn, ok := p.observers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
