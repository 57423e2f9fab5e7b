package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-realtime/internal/domain"
)

// PushSubscriptionRepository is the in-process counterpart of the MySQL
// repository, used when no database is configured.
type PushSubscriptionRepository struct {
	mu   sync.Mutex
	subs map[string]domain.PushSubscription
}

func NewPushSubscriptionRepository() *PushSubscriptionRepository {
	return &PushSubscriptionRepository{subs: make(map[string]domain.PushSubscription)}
}

func (r *PushSubscriptionRepository) Upsert(ctx context.Context, sub *domain.PushSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.subs[sub.Endpoint]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.subs[sub.Endpoint] = *sub
	return nil
}

func (r *PushSubscriptionRepository) LinkAnonymous(ctx context.Context, anonymousID, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for endpoint, sub := range r.subs {
		if sub.OwnerRef == anonymousID {
			sub.OwnerRef = userID
			sub.UpdatedAt = now
			r.subs[endpoint] = sub
			n++
		}
	}
	return n, nil
}

func (r *PushSubscriptionRepository) GetByEndpoint(ctx context.Context, endpoint string) (*domain.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[endpoint]
	if !ok {
		return nil, fmt.Errorf("push subscription %s: %w", endpoint, domain.ErrNotFound)
	}
	return &sub, nil
}
