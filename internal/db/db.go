// Package db provides PostgreSQL-backed repository implementations for the
// polarsync service. All repositories accept a DBTX interface that is
// satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx (for
// transactional execution), enabling clean transaction support.
//
// Expected schema:
//
//	CREATE TABLE webhook_events (
//	    id           UUID PRIMARY KEY,
//	    webhook_id   TEXT NOT NULL UNIQUE,
//	    type         TEXT NOT NULL,
//	    received_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    processed    BOOLEAN NOT NULL DEFAULT FALSE,
//	    processed_at TIMESTAMPTZ,
//	    payload      JSONB NOT NULL,
//	    last_error   TEXT
//	);
//
//	CREATE TABLE customers (
//	    id                UUID PRIMARY KEY,
//	    polar_customer_id TEXT NOT NULL UNIQUE,
//	    email             TEXT UNIQUE,
//	    name              TEXT,
//	    user_id           BIGINT REFERENCES users(id),
//	    metadata          JSONB,
//	    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE subscriptions (
//	    id                    UUID PRIMARY KEY,
//	    polar_subscription_id TEXT NOT NULL UNIQUE,
//	    customer_id           UUID NOT NULL REFERENCES customers(id),
//	    user_id               BIGINT REFERENCES users(id),
//	    product_id            TEXT NOT NULL DEFAULT 'unknown-product',
//	    interval              TEXT NOT NULL DEFAULT 'monthly',
//	    status                TEXT NOT NULL DEFAULT 'active',
//	    current_period_start  TIMESTAMPTZ,
//	    current_period_end    TIMESTAMPTZ,
//	    cancel_at_period_end  BOOLEAN NOT NULL DEFAULT FALSE,
//	    canceled_at           TIMESTAMPTZ,
//	    metadata              JSONB,
//	    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// The unique constraints on webhook_id, polar_customer_id, and
// polar_subscription_id are load-bearing: every reconciliation lookup and
// upsert is keyed by these externally-assigned ids, and the webhook_id
// constraint is the serialization point that collapses concurrent
// duplicate deliveries of the same event.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
