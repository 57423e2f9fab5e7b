package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connectivity is the tri-state exposed to UI consumers.
type Connectivity string

const (
	ConnectivityConnecting Connectivity = "connecting"
	ConnectivityConnected  Connectivity = "connected"
	ConnectivityLost       Connectivity = "lost"
)

// Status is a point-in-time view of the shared connection.
type Status struct {
	// ConnectionID identifies the physical connection the status refers to.
	ConnectionID string
	State        ConnectionState
	Connectivity Connectivity
	Attempts     int
	// Err is set once the manager gave up: ErrConnectionLost or ErrUnauthorized.
	Err error
}

// Event is the wire envelope used in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type EventHandler func(event Event)

const (
	EventPresenceJoin   = "presence:join"
	EventPresenceLeave  = "presence:leave"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
	EventDisconnect     = "disconnect"
)

// Room scopes which connections receive an event, e.g. election:42.
type Room struct {
	Kind string
	ID   string
}

func (r Room) String() string {
	return r.Kind + ":" + r.ID
}

func (r Room) JoinEvent() string {
	return "join:" + r.Kind
}

func (r Room) LeaveEvent() string {
	return "leave:" + r.Kind
}

// ParseRoom parses "kind:id". The id may itself contain colons.
func ParseRoom(s string) (Room, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Room{}, false
	}
	return Room{Kind: kind, ID: id}, true
}

// RoomControl is the payload of join:<kind> and leave:<kind>.
type RoomControl struct {
	RoomID string `json:"roomId"`
}

type RosterEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// RosterSnapshot is the full, server-authoritative online list.
type RosterSnapshot []RosterEntry

func (s RosterSnapshot) Clone() RosterSnapshot {
	if s == nil {
		return RosterSnapshot{}
	}
	out := make(RosterSnapshot, len(s))
	copy(out, s)
	return out
}

type ChangeType string

const (
	ChangeJoin  ChangeType = "join"
	ChangeLeave ChangeType = "leave"
)

type PresenceUpdate struct {
	ChangeType  ChangeType     `json:"changeType"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName,omitempty"`
	AvatarRef   string         `json:"avatarRef,omitempty"`
	OnlineUsers RosterSnapshot `json:"onlineUsers"`
	Timestamp   time.Time      `json:"timestamp"`
}

// PresenceJoin is sent by a client once connected, and again after every reconnect.
type PresenceJoin struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

type PresenceLeave struct {
	UserID string `json:"userId"`
}

type LifecycleSignal int

const (
	SignalVisible LifecycleSignal = iota
	SignalRestored
	SignalFocus
)

func (s LifecycleSignal) String() string {
	switch s {
	case SignalVisible:
		return "visible"
	case SignalRestored:
		return "restored"
	case SignalFocus:
		return "focus"
	default:
		return "unknown"
	}
}

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// PushSubscription is unique by Endpoint. OwnerRef is either an anonymous
// correlation id or an authenticated user id.
type PushSubscription struct {
	Endpoint   string    `json:"endpoint"`
	PublicKey  string    `json:"publicKey"`
	AuthSecret string    `json:"authSecret"`
	OwnerRef   string    `json:"ownerRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PushState is the device-side sync marker.
type PushState struct {
	AnonymousID string `json:"anonymousId,omitempty"`
	OwnerRef    string `json:"ownerRef,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`

	// Authenticated is true when the last sync ran under a user token.
	Authenticated bool `json:"authenticated"`
	// Subject identifies the user of that token; empty for anonymous syncs.
	Subject    string    `json:"subject,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

// PushSyncRequest is the body posted to the push sync endpoint.
type PushSyncRequest struct {
	Endpoint    string `json:"endpoint"`
	PublicKey   string `json:"publicKey"`
	AuthSecret  string `json:"authSecret"`
	AnonymousID string `json:"anonymousId,omitempty"`
}

type PushSyncResponse struct {
	OwnerRef string `json:"ownerRef"`
	Linked   bool   `json:"linked"`
}

type SyncOutcome string

const (
	SyncPerformed SyncOutcome = "synced"
	SyncLinked    SyncOutcome = "linked"
	SyncThrottled SyncOutcome = "throttled"
)

type SyncResult struct {
	Outcome  SyncOutcome
	OwnerRef string
}
