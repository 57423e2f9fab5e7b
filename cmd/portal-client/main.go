package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"portal-realtime/internal/config"
	"portal-realtime/internal/domain"
	"portal-realtime/internal/features"
	"portal-realtime/internal/features/election"
	"portal-realtime/internal/features/study"
	"portal-realtime/internal/infrastructure/device"
	"portal-realtime/internal/infrastructure/httpapi"
	"portal-realtime/internal/infrastructure/websocket"
	"portal-realtime/internal/services"
	"portal-realtime/pkg/logger"
)

// Portal wires the client components the way the web app shell does: one
// connection manager, features holding leases on it, presence announced
// while a user is logged in.
type Portal struct {
	session   *services.Session
	manager   *services.ConnectionManager
	mux       *services.Multiplexer
	presence  *services.Presence
	heartbeat *services.Heartbeat
	monitor   *services.LivenessMonitor
	push      *services.PushSynchronizer
	elections *election.Feature
	study     *study.Feature
	log       logger.Logger

	mu       sync.Mutex
	lease    *services.Lease
	progress *features.Membership
	watching map[string]*features.Membership
}

func NewPortal(cfg *config.Config, log logger.Logger) *Portal {
	session := services.NewSession()

	dialer := websocket.NewDialer(cfg.Client.SocketURL, log)
	manager := services.NewConnectionManager(dialer, services.ManagerOptions{
		Policy: services.ReconnectPolicy{
			MaxAttempts: cfg.Client.Reconnect.MaxAttempts,
			Delay:       cfg.Client.Reconnect.Delay,
			Linear:      cfg.Client.Reconnect.Linear,
		},
		KeepWarm: cfg.Client.KeepWarm,
	}, log)
	mux := services.NewMultiplexer(manager, log)

	api := httpapi.NewClient(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout, log)
	registry := device.NewRegistry(domain.Permission(cfg.Client.Push.Permission),
		cfg.Client.Push.EndpointBase, cfg.Client.Push.StatePath)

	return &Portal{
		session:   session,
		manager:   manager,
		mux:       mux,
		presence:  services.NewPresence(mux, log),
		heartbeat: services.NewHeartbeat(api, session, cfg.Client.HeartbeatInterval, log),
		monitor:   services.NewLivenessMonitor(manager, cfg.Client.DebounceWindow, log),
		push:      services.NewPushSynchronizer(registry, registry, api, cfg.Client.Push.SyncThreshold, log),
		elections: election.New(manager, mux, session, log),
		study:     study.New(manager, mux, session, log),
		log:       log,
		watching:  make(map[string]*features.Membership),
	}
}

func (p *Portal) Start(ctx context.Context) error {
	p.manager.OnStatus(func(status domain.Status) {
		p.log.Info("Connection status",
			"state", status.State.String(),
			"connectivity", string(status.Connectivity),
			"attempts", status.Attempts,
			"error", status.Err)
	})
	p.presence.OnRoster(func(roster domain.RosterSnapshot) {
		p.log.Info("Roster updated", "online", len(roster))
	})

	// Every lifecycle signal also refreshes liveness and the push
	// registration; both guard themselves against bursts.
	p.monitor.OnSignal(func(domain.LifecycleSignal) {
		go p.heartbeat.Send(ctx)
		go p.syncPush(ctx)
	})
	go p.monitor.Run(ctx)

	if err := p.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	go p.syncPush(ctx)
	return nil
}

func (p *Portal) Login(ctx context.Context, token string, profile services.Profile) error {
	if p.session.Authenticated() {
		p.endSession(ctx)
	}
	p.session.Login(token, profile)

	if err := p.presence.Join(ctx, profile.UserID, services.Metadata{
		DisplayName: profile.DisplayName,
		AvatarRef:   profile.AvatarRef,
	}); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}

	lease, err := p.manager.Acquire(token)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	progress, err := p.study.Track(profile.UserID, study.Handlers{
		OnXP: func(xp study.XPGain) {
			p.log.Info("XP gained", "amount", xp.Amount, "total", xp.Total, "level", xp.Level)
		},
		OnAchievement: func(a study.Achievement) {
			p.log.Info("Achievement unlocked", "code", a.Code, "title", a.Title)
		},
		OnStreak: func(s study.Streak) {
			p.log.Info("Streak changed", "days", s.Days, "broken", s.Broken)
		},
	})
	if err != nil {
		p.manager.Release(lease)
		return fmt.Errorf("track study progress: %w", err)
	}

	p.mu.Lock()
	p.lease = lease
	p.progress = progress
	p.mu.Unlock()

	p.log.Info("Logged in", "user_id", profile.UserID)
	go p.heartbeat.Send(ctx)
	go p.syncPush(ctx)
	return nil
}

func (p *Portal) Logout(ctx context.Context) {
	// The device keeps receiving pushes, now under an anonymous owner.
	if p.endSession(ctx) {
		go p.syncPush(ctx)
	}
}

// endSession drops every membership and lease held for the logged in user.
// It reports whether a user was logged in.
func (p *Portal) endSession(ctx context.Context) bool {
	p.mu.Lock()
	lease, progress := p.lease, p.progress
	watching := p.watching
	p.lease, p.progress = nil, nil
	p.watching = make(map[string]*features.Membership)
	p.mu.Unlock()

	for id, m := range watching {
		if err := m.Close(ctx); err != nil {
			p.log.Warn("Failed to stop watching election", "election_id", id, "error", err)
		}
	}
	if progress != nil {
		progress.Close(ctx)
	}
	if err := p.presence.Leave(ctx); err != nil {
		p.log.Warn("Failed to leave presence", "error", err)
	}
	if lease != nil {
		p.manager.Release(lease)
	}

	authenticated := p.session.Authenticated()
	p.session.Logout()
	p.log.Info("Logged out")
	return authenticated
}

func (p *Portal) Watch(electionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.watching[electionID]; ok {
		return nil
	}
	m, err := p.elections.Watch(electionID, election.Handlers{
		OnVote: func(v election.Vote) {
			p.log.Info("Vote cast", "election_id", v.ElectionID, "total_votes", v.TotalVotes)
		},
		OnResult: func(r election.Result) {
			p.log.Info("Election result", "election_id", r.ElectionID, "final", r.Final, "tallies", len(r.Tallies))
		},
		OnAttendance: func(a election.Attendance) {
			p.log.Info("Attendance", "election_id", a.ElectionID, "present", a.Present, "quorum", a.Quorum)
		},
	})
	if err != nil {
		return err
	}
	p.watching[electionID] = m
	return nil
}

func (p *Portal) Unwatch(ctx context.Context, electionID string) error {
	p.mu.Lock()
	m, ok := p.watching[electionID]
	delete(p.watching, electionID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return m.Close(ctx)
}

func (p *Portal) Close(ctx context.Context) {
	p.endSession(ctx)
	p.heartbeat.Stop()
	p.presence.Close()
	p.manager.Close()
}

func (p *Portal) syncPush(ctx context.Context) {
	result, err := p.push.SyncWithServer(ctx, p.session.Token())
	switch {
	case err == nil:
		p.log.Debug("Push sync", "outcome", string(result.Outcome), "owner_ref", result.OwnerRef)
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrPermissionNotGranted):
		p.log.Debug("Push sync skipped", "reason", err)
	default:
		p.log.Warn("Push sync failed", "retryable", domain.IsRetryable(err), "error", err)
	}
}

// Handle runs one stdin command.
func (p *Portal) Handle(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "visible":
		p.monitor.Signal(domain.SignalVisible)
	case "restore":
		p.monitor.Signal(domain.SignalRestored)
	case "focus":
		p.monitor.Signal(domain.SignalFocus)
	case "login":
		if len(fields) < 3 {
			return errors.New("usage: login <token> <userId> [name]")
		}
		name := fields[2]
		if len(fields) > 3 {
			name = strings.Join(fields[3:], " ")
		}
		return p.Login(ctx, fields[1], services.Profile{UserID: fields[2], DisplayName: name})
	case "logout":
		p.Logout(ctx)
	case "watch", "unwatch":
		if len(fields) != 2 {
			return fmt.Errorf("usage: %s <electionId>", fields[0])
		}
		if fields[0] == "watch" {
			return p.Watch(fields[1])
		}
		return p.Unwatch(ctx, fields[1])
	case "status":
		status := p.manager.Status()
		fmt.Printf("state=%s connectivity=%s attempts=%d leases=%d\n",
			status.State, status.Connectivity, status.Attempts, p.manager.LeaseCount())
	case "roster":
		if updated := p.presence.UpdatedAt(); !updated.IsZero() {
			fmt.Printf("as of %s\n", updated.Format(time.RFC3339))
		}
		for _, entry := range p.presence.Roster() {
			fmt.Printf("%s\t%s\n", entry.UserID, entry.DisplayName)
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level)
	log.Info("Starting portal client", "socket_url", cfg.Client.SocketURL, "api_base_url", cfg.Client.APIBaseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	portal := NewPortal(cfg, log)
	if err := portal.Start(ctx); err != nil {
		log.Error("Failed to start portal client", "error", err)
		os.Exit(1)
	}

	if cfg.Client.Token != "" {
		profile := services.Profile{
			UserID:      cfg.Client.UserID,
			DisplayName: cfg.Client.DisplayName,
			AvatarRef:   cfg.Client.AvatarRef,
		}
		if err := portal.Login(ctx, cfg.Client.Token, profile); err != nil {
			log.Error("Login failed", "error", err)
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-quit:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := portal.Handle(ctx, line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}

	log.Info("Shutting down portal client...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	portal.Close(shutdownCtx)
	cancel()

	log.Info("Portal client stopped")
}
