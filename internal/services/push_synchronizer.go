package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
	"portal-realtime/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
)

// PushSynchronizer keeps the device push registration known to the server
// under the current identity. It does not depend on the realtime connection.
type PushSynchronizer struct {
	registrar domain.PushRegistrar
	store     domain.PushStateStore
	client    domain.PushSyncClient
	threshold time.Duration
	log       logger.Logger
	now       func() time.Time

	mu sync.Mutex
}

func NewPushSynchronizer(
	registrar domain.PushRegistrar,
	store domain.PushStateStore,
	client domain.PushSyncClient,
	threshold time.Duration,
	log logger.Logger,
) *PushSynchronizer {
	return &PushSynchronizer{
		registrar: registrar,
		store:     store,
		client:    client,
		threshold: threshold,
		log:       log,
		now:       time.Now,
	}
}

// EnsureRegistered returns the device registration, creating it when
// permission is granted. Denied or undecided permission is terminal and
// returns immediately.
func (s *PushSynchronizer) EnsureRegistered(ctx context.Context) (*domain.PushSubscription, error) {
	switch s.registrar.Permission() {
	case domain.PermissionGranted:
	case domain.PermissionDenied:
		return nil, domain.ErrPermissionDenied
	default:
		return nil, domain.ErrPermissionNotGranted
	}

	sub, err := s.registrar.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read push registration: %w", err)
	}
	if sub != nil {
		return sub, nil
	}

	sub, err = s.registrar.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("create push registration: %w", err)
	}
	s.log.Info("Push registration created", "endpoint", sub.Endpoint)
	return sub, nil
}

// SyncWithServer posts the registration under the identity carried by token.
// An empty token syncs anonymously under a persisted correlation id. The first
// authenticated sync after that links the anonymous registration to the user
// and clears the marker. Within the threshold a sync is skipped only when the
// endpoint and the identity are unchanged and no link is pending.
func (s *PushSynchronizer) SyncWithServer(ctx context.Context, token string) (domain.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.EnsureRegistered(ctx)
	if err != nil {
		return domain.SyncResult{}, err
	}

	state, err := s.store.LoadState(ctx)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("load push state: %w", err)
	}

	anonymous := token == ""
	linking := !anonymous && state.AnonymousID != ""
	subject := tokenSubject(token)

	req := domain.PushSyncRequest{
		Endpoint:   sub.Endpoint,
		PublicKey:  sub.PublicKey,
		AuthSecret: sub.AuthSecret,
	}
	if anonymous {
		if state.AnonymousID == "" {
			state.AnonymousID = utils.GenerateID("anon")
			if err := s.store.SaveState(ctx, state); err != nil {
				return domain.SyncResult{}, fmt.Errorf("save push state: %w", err)
			}
		}
		req.AnonymousID = state.AnonymousID
	} else if linking {
		req.AnonymousID = state.AnonymousID
	}

	now := s.now()
	fresh := state.Endpoint == sub.Endpoint &&
		!state.LastSyncAt.IsZero() &&
		now.Sub(state.LastSyncAt) < s.threshold
	sameOwner := state.Authenticated == !anonymous &&
		state.Subject == subject &&
		(!anonymous || state.OwnerRef == state.AnonymousID)
	if !linking && fresh && sameOwner {
		s.log.Debug("Push sync throttled", "last_sync_at", state.LastSyncAt)
		return domain.SyncResult{Outcome: domain.SyncThrottled, OwnerRef: state.OwnerRef}, nil
	}

	resp, err := s.client.SyncSubscription(ctx, token, req)
	if err != nil {
		s.log.Warn("Push sync failed", "retryable", domain.IsRetryable(err), "error", err)
		return domain.SyncResult{}, err
	}

	state.Endpoint = sub.Endpoint
	state.LastSyncAt = now
	if state.Authenticated && state.Subject != subject {
		s.log.Info("Push registration changing owner", "previous_owner_ref", state.OwnerRef)
	}
	state.Authenticated = !anonymous
	state.Subject = subject
	state.OwnerRef = resp.OwnerRef
	if state.OwnerRef == "" && anonymous {
		state.OwnerRef = state.AnonymousID
	}

	outcome := domain.SyncPerformed
	if linking {
		s.log.Info("Anonymous push registration linked", "anonymous_id", state.AnonymousID, "owner_ref", state.OwnerRef)
		state.AnonymousID = ""
		outcome = domain.SyncLinked
	}

	if err := s.store.SaveState(ctx, state); err != nil {
		return domain.SyncResult{}, fmt.Errorf("save push state: %w", err)
	}
	return domain.SyncResult{Outcome: outcome, OwnerRef: state.OwnerRef}, nil
}

// tokenSubject names the user a token speaks for without verifying it; the
// server does that. Tokens that are not JWTs are keyed by a digest so the raw
// credential is never persisted.
func tokenSubject(token string) string {
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			return "sub:" + sub
		}
		if legacy, ok := claims["user_id"].(string); ok && legacy != "" {
			return "sub:" + legacy
		}
	}
	sum := sha256.Sum256([]byte(token))
	return "tok:" + hex.EncodeToString(sum[:8])
}
