package election

import (
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/features"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"
)

const (
	RoomKind = "election"

	EventVote       = "election:vote"
	EventResult     = "election:result"
	EventAttendance = "election:attendance"
)

type Vote struct {
	ElectionID string    `json:"electionId"`
	PositionID string    `json:"positionId,omitempty"`
	TotalVotes int       `json:"totalVotes"`
	CastAt     time.Time `json:"castAt"`
}

type Tally struct {
	CandidateID string `json:"candidateId"`
	Name        string `json:"name,omitempty"`
	Votes       int    `json:"votes"`
}

type Result struct {
	ElectionID string    `json:"electionId"`
	PositionID string    `json:"positionId,omitempty"`
	Tallies    []Tally   `json:"tallies"`
	Final      bool      `json:"final"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Attendance struct {
	ElectionID string `json:"electionId"`
	Present    int    `json:"present"`
	Eligible   int    `json:"eligible"`
	Quorum     bool   `json:"quorum"`
}

// Handlers are optional; a nil callback leaves that event unsubscribed.
type Handlers struct {
	OnVote       func(Vote)
	OnResult     func(Result)
	OnAttendance func(Attendance)
}

func Room(electionID string) domain.Room {
	return domain.Room{Kind: RoomKind, ID: electionID}
}

// Feature follows live elections over the shared connection.
type Feature struct {
	conn   features.Connector
	mux    *services.Multiplexer
	tokens domain.TokenSource
	log    logger.Logger
}

func New(conn features.Connector, mux *services.Multiplexer, tokens domain.TokenSource, log logger.Logger) *Feature {
	return &Feature{conn: conn, mux: mux, tokens: tokens, log: log.With("feature", RoomKind)}
}

// Watch joins the room of one election until the returned membership is
// closed. Events for other elections are not delivered to h.
func (f *Feature) Watch(electionID string, h Handlers) (*features.Membership, error) {
	handlers := map[string]domain.EventHandler{}
	if h.OnVote != nil {
		handlers[EventVote] = features.Decode(f.log, features.For(electionID, func(v Vote) string { return v.ElectionID }, h.OnVote))
	}
	if h.OnResult != nil {
		handlers[EventResult] = features.Decode(f.log, features.For(electionID, func(r Result) string { return r.ElectionID }, h.OnResult))
	}
	if h.OnAttendance != nil {
		handlers[EventAttendance] = features.Decode(f.log, features.For(electionID, func(a Attendance) string { return a.ElectionID }, h.OnAttendance))
	}

	m, err := features.Open(f.conn, f.mux, f.tokens.Token(), Room(electionID), handlers)
	if err != nil {
		return nil, err
	}
	f.log.Info("Watching election", "election_id", electionID)
	return m, nil
}
