package study

import (
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/internal/features"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"
)

const (
	RoomKind = "study"

	EventXP          = "study:xp"
	EventAchievement = "study:achievement"
	EventStreak      = "study:streak"
)

type XPGain struct {
	UserID   string `json:"userId"`
	Amount   int    `json:"amount"`
	Total    int    `json:"total"`
	Level    int    `json:"level"`
	Reason   string `json:"reason,omitempty"`
	LessonID string `json:"lessonId,omitempty"`
}

type Achievement struct {
	UserID      string    `json:"userId"`
	Code        string    `json:"code"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	UnlockedAt  time.Time `json:"unlockedAt"`
}

type Streak struct {
	UserID  string `json:"userId"`
	Days    int    `json:"days"`
	Longest int    `json:"longest"`
	Broken  bool   `json:"broken"`
}

type Handlers struct {
	OnXP          func(XPGain)
	OnAchievement func(Achievement)
	OnStreak      func(Streak)
}

func Room(userID string) domain.Room {
	return domain.Room{Kind: RoomKind, ID: userID}
}

// Feature streams one user's study progress.
type Feature struct {
	conn   features.Connector
	mux    *services.Multiplexer
	tokens domain.TokenSource
	log    logger.Logger
}

func New(conn features.Connector, mux *services.Multiplexer, tokens domain.TokenSource, log logger.Logger) *Feature {
	return &Feature{conn: conn, mux: mux, tokens: tokens, log: log.With("feature", RoomKind)}
}

func (f *Feature) Track(userID string, h Handlers) (*features.Membership, error) {
	handlers := map[string]domain.EventHandler{}
	if h.OnXP != nil {
		handlers[EventXP] = features.Decode(f.log, features.For(userID, func(x XPGain) string { return x.UserID }, h.OnXP))
	}
	if h.OnAchievement != nil {
		handlers[EventAchievement] = features.Decode(f.log, features.For(userID, func(a Achievement) string { return a.UserID }, h.OnAchievement))
	}
	if h.OnStreak != nil {
		handlers[EventStreak] = features.Decode(f.log, features.For(userID, func(s Streak) string { return s.UserID }, h.OnStreak))
	}

	m, err := features.Open(f.conn, f.mux, f.tokens.Token(), Room(userID), handlers)
	if err != nil {
		return nil, err
	}
	f.log.Info("Tracking study progress", "user_id", userID)
	return m, nil
}
