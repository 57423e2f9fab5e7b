package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"portal-realtime/internal/domain"
)

type rosterRecord struct {
	entry       domain.RosterEntry
	connections int
	heartbeatAt time.Time
}

// RosterStore keeps the roster in process. It backs single-instance servers
// and tests.
type RosterStore struct {
	mu    sync.Mutex
	users map[string]*rosterRecord
}

func NewRosterStore() *RosterStore {
	return &RosterStore{users: make(map[string]*rosterRecord)}
}

func (s *RosterStore) AddConnection(ctx context.Context, entry domain.RosterEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.users[entry.UserID]
	if !ok {
		record = &rosterRecord{entry: entry}
		s.users[entry.UserID] = record
	} else if record.connections == 0 {
		// Kept alive only by heartbeats; refresh the profile.
		joinedAt := record.entry.JoinedAt
		record.entry = entry
		record.entry.JoinedAt = joinedAt
	}
	record.connections++
	return record.connections, nil
}

func (s *RosterStore) RemoveConnection(ctx context.Context, userID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	if record.connections > 0 {
		record.connections--
	}
	if record.connections > 0 || record.heartbeatAt.After(staleBefore) {
		return false, nil
	}
	delete(s.users, userID)
	return true, nil
}

// Touch records a heartbeat. Users not in the roster are ignored until they
// join over the socket.
func (s *RosterStore) Touch(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.users[userID]; ok {
		record.heartbeatAt = at
	}
	return nil
}

func (s *RosterStore) Snapshot(ctx context.Context) (domain.RosterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(domain.RosterSnapshot, 0, len(s.users))
	for _, record := range s.users {
		snapshot = append(snapshot, record.entry)
	}
	sortSnapshot(snapshot)
	return snapshot, nil
}

func (s *RosterStore) Sweep(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for userID, record := range s.users {
		if record.connections == 0 && !record.heartbeatAt.After(before) {
			delete(s.users, userID)
			removed = append(removed, userID)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (s *RosterStore) Connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.users[userID]; ok {
		return record.connections
	}
	return 0
}

func sortSnapshot(snapshot domain.RosterSnapshot) {
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].JoinedAt.Equal(snapshot[j].JoinedAt) {
			return snapshot[i].UserID < snapshot[j].UserID
		}
		return snapshot[i].JoinedAt.Before(snapshot[j].JoinedAt)
	})
}
