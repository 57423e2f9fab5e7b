package services

import "sync"

type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Session holds the auth token shared by the connection, heartbeat and push sync.
type Session struct {
	mu      sync.RWMutex
	token   string
	profile Profile
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Login(token string, profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.profile = profile
}

func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.profile = Profile{}
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Profile() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) Authenticated() bool {
	return s.Token() != ""
}
