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

// PresenceBroadcaster pushes the current roster to every connection.
type PresenceBroadcaster interface {
	BroadcastPresence(ctx context.Context, change domain.ChangeType, subject domain.RosterEntry) error
}

// CronPresenceSweeper drops users whose sockets are gone and whose heartbeat
// went stale. Only the elected instance sweeps; a nil election means this
// instance always does.
type CronPresenceSweeper struct {
	cron        *cron.Cron
	roster      domain.RosterStore
	broadcaster PresenceBroadcaster
	election    domain.LeaderElection
	instanceID  string
	staleAfter  time.Duration
	interval    time.Duration
	log         logger.Logger
	now         func() time.Time

	mu      sync.Mutex
	started bool
}

func NewCronPresenceSweeper(roster domain.RosterStore, broadcaster PresenceBroadcaster,
	election domain.LeaderElection, instanceID string, staleAfter, interval time.Duration,
	log logger.Logger) *CronPresenceSweeper {
	return &CronPresenceSweeper{
		cron:        cron.New(cron.WithSeconds()),
		roster:      roster,
		broadcaster: broadcaster,
		election:    election,
		instanceID:  instanceID,
		staleAfter:  staleAfter,
		interval:    interval,
		log:         log,
		now:         time.Now,
	}
}

func (s *CronPresenceSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("presence sweeper: %w", domain.ErrAlreadyStarted)
	}
	s.started = true
	s.mu.Unlock()

	s.log.Info("Starting presence sweeper", "interval", s.interval, "stale_after", s.staleAfter)

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("Presence sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *CronPresenceSweeper) Stop() error {
	s.log.Info("Stopping presence sweeper")
	<-s.cron.Stop().Done()

	if s.election != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.election.ReleaseLeadership(ctx, s.instanceID)
	}
	return nil
}

// Sweep runs one pass and returns the users it removed.
func (s *CronPresenceSweeper) Sweep(ctx context.Context) ([]string, error) {
	leader, err := s.isLeader(ctx)
	if err != nil {
		return nil, err
	}
	if !leader {
		return nil, nil
	}

	removed, err := s.roster.Sweep(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return nil, err
	}

	for _, userID := range removed {
		s.log.Info("Stale presence removed", "user_id", userID)
		if err := s.broadcaster.BroadcastPresence(ctx, domain.ChangeLeave, domain.RosterEntry{UserID: userID}); err != nil {
			s.log.Error("Failed to broadcast presence", "user_id", userID, "error", err)
		}
	}
	return removed, nil
}

func (s *CronPresenceSweeper) isLeader(ctx context.Context) (bool, error) {
	if s.election == nil {
		return true, nil
	}

	leader, err := s.election.IsLeader(ctx, s.instanceID)
	if err != nil || leader {
		return leader, err
	}
	return s.election.BecomeLeader(ctx, s.instanceID)
}
