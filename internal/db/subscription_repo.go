package db

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"polarsync/internal/types"
)

// SubscriptionRepo persists the local mirror of Polar subscriptions, keyed
// by the provider-assigned polar_subscription_id.
//
// Lifecycle events (canceled, revoked, uncanceled) only update columns on
// the existing row; rows are never deleted.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// FindByPolarID looks a subscription up by provider id. Returns (nil, nil)
// when no row exists.
func (r *SubscriptionRepo) FindByPolarID(ctx context.Context, polarSubscriptionID string) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT id, polar_subscription_id, customer_id, user_id, product_id, interval, status,
		        current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		        metadata, created_at, updated_at
		 FROM subscriptions
		 WHERE polar_subscription_id = $1`,
		polarSubscriptionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// FindActiveByUserID returns the user's most recently updated subscription
// whose status is "active", or (nil, nil) when there is none. Used by the
// billing portal flow to locate the customer to open a session for.
func (r *SubscriptionRepo) FindActiveByUserID(ctx context.Context, userID int64) (*types.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT id, polar_subscription_id, customer_id, user_id, product_id, interval, status,
		        current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		        metadata, created_at, updated_at
		 FROM subscriptions
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription for user", err)
	}
	return sub, nil
}

// Upsert creates or updates the row for up.PolarSubscriptionID. Nil
// pointer fields never overwrite stored values. CustomerID is required on
// every call: the reconciler resolves ownership before writing, and the
// schema rejects orphan rows.
func (r *SubscriptionRepo) Upsert(ctx context.Context, up types.SubscriptionUpsert) (*types.Subscription, error) {
	if strings.TrimSpace(up.PolarSubscriptionID) == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription upsert requires a provider subscription id", nil)
	}
	if strings.TrimSpace(up.CustomerID) == "" {
		return nil, types.NewAppError(types.ErrCodeWebhookMissingCustomer, "subscription upsert requires an owning customer", nil)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (
		     id, polar_subscription_id, customer_id, user_id, product_id, interval, status,
		     current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		     metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4,
		     COALESCE($5, 'unknown-product'),
		     COALESCE($6, 'monthly'),
		     COALESCE($7, 'active'),
		     $8, $9, COALESCE($10, FALSE), $11, $12, NOW(), NOW())
		 ON CONFLICT (polar_subscription_id) DO UPDATE SET
		     customer_id          = EXCLUDED.customer_id,
		     user_id              = COALESCE(EXCLUDED.user_id, subscriptions.user_id),
		     product_id           = COALESCE($5, subscriptions.product_id),
		     interval             = COALESCE($6, subscriptions.interval),
		     status               = COALESCE($7, subscriptions.status),
		     current_period_start = COALESCE($8, subscriptions.current_period_start),
		     current_period_end   = COALESCE($9, subscriptions.current_period_end),
		     cancel_at_period_end = COALESCE($10, subscriptions.cancel_at_period_end),
		     canceled_at          = COALESCE($11, subscriptions.canceled_at),
		     metadata             = COALESCE($12, subscriptions.metadata),
		     updated_at           = NOW()
		 RETURNING id, polar_subscription_id, customer_id, user_id, product_id, interval, status,
		           current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		           metadata, created_at, updated_at`,
		uuid.NewString(),
		up.PolarSubscriptionID,
		up.CustomerID,
		up.UserID,
		up.ProductID,
		up.Interval,
		up.Status,
		up.CurrentPeriodStart,
		up.CurrentPeriodEnd,
		up.CancelAtPeriodEnd,
		up.CanceledAt,
		up.Metadata,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.PolarSubscriptionID,
		&s.CustomerID,
		&s.UserID,
		&s.ProductID,
		&s.Interval,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CanceledAt,
		&s.Metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
