package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal-realtime/internal/domain"
)

const pushSubscriptionsSchema = `
    CREATE TABLE IF NOT EXISTS push_subscriptions (
        endpoint VARCHAR(512) NOT NULL PRIMARY KEY,
        public_key VARCHAR(255) NOT NULL,
        auth_secret VARCHAR(255) NOT NULL,
        owner_ref VARCHAR(128) NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        INDEX idx_push_subscriptions_owner (owner_ref)
    )
`

type MySQLPushSubscriptionRepository struct {
	db *sql.DB
}

func NewMySQLPushSubscriptionRepository(db *sql.DB) *MySQLPushSubscriptionRepository {
	return &MySQLPushSubscriptionRepository{db: db}
}

func (r *MySQLPushSubscriptionRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pushSubscriptionsSchema)
	return err
}

// Upsert keys on the endpoint: a device re-registering with the same endpoint
// replaces its keys and owner.
func (r *MySQLPushSubscriptionRepository) Upsert(ctx context.Context, sub *domain.PushSubscription) error {
	query := `
        INSERT INTO push_subscriptions (endpoint, public_key, auth_secret, owner_ref, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            public_key = VALUES(public_key),
            auth_secret = VALUES(auth_secret),
            owner_ref = VALUES(owner_ref),
            updated_at = VALUES(updated_at)
    `
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		sub.Endpoint, sub.PublicKey, sub.AuthSecret, sub.OwnerRef,
		sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (r *MySQLPushSubscriptionRepository) LinkAnonymous(ctx context.Context, anonymousID, userID string) (int64, error) {
	query := `
        UPDATE push_subscriptions
        SET owner_ref = ?, updated_at = ?
        WHERE owner_ref = ?
    `
	result, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC(), anonymousID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MySQLPushSubscriptionRepository) GetByEndpoint(ctx context.Context, endpoint string) (*domain.PushSubscription, error) {
	query := `
        SELECT endpoint, public_key, auth_secret, owner_ref, created_at, updated_at
        FROM push_subscriptions
        WHERE endpoint = ?
    `

	var sub domain.PushSubscription
	err := r.db.QueryRowContext(ctx, query, endpoint).Scan(
		&sub.Endpoint, &sub.PublicKey, &sub.AuthSecret, &sub.OwnerRef,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("push subscription %s: %w", endpoint, domain.ErrNotFound)
		}
		return nil, err
	}
	return &sub, nil
}
