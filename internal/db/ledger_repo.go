package db

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"polarsync/internal/types"
)

// LedgerRepo is the idempotency ledger over the webhook_events table.
// One row per provider event id, created on first sight, never deleted.
//
// Key invariants:
//   - RecordReceived is the serialization point for concurrent duplicate
//     deliveries: INSERT ... ON CONFLICT (webhook_id) DO NOTHING means
//     exactly one of N racing requests creates the row.
//   - Processed flips false -> true exactly once (MarkProcessed); a failed
//     run leaves it false so the provider's retry gets another attempt.
type LedgerRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewLedgerRepo creates a LedgerRepo backed by the given database
// connection (pool or transaction).
func NewLedgerRepo(db DBTX, logger *slog.Logger) *LedgerRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{db: db, logger: logger}
}

// IsProcessed reports whether the event id has already been fully
// processed. Unknown ids and recorded-but-unprocessed ids both return
// false.
func (r *LedgerRepo) IsProcessed(ctx context.Context, webhookID string) (bool, error) {
	var processed bool
	err := r.db.QueryRow(ctx,
		`SELECT processed FROM webhook_events WHERE webhook_id = $1`,
		webhookID,
	).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook ledger", err)
	}
	return processed, nil
}

// RecordReceived creates the ledger row for an event id, or detects that
// another delivery already created it. Returns created=false when the row
// pre-existed, which the caller treats as a duplicate delivery.
func (r *LedgerRepo) RecordReceived(ctx context.Context, webhookID, eventType string, payload json.RawMessage) (created bool, err error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (id, webhook_id, type, received_at, processed, payload)
		 VALUES ($1, $2, $3, NOW(), FALSE, $4)
		 ON CONFLICT (webhook_id) DO NOTHING`,
		uuid.NewString(),
		webhookID,
		eventType,
		payload,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkProcessed flips the row to processed and stamps processed_at. Any
// error message from a previous failed attempt is cleared.
func (r *LedgerRepo) MarkProcessed(ctx context.Context, webhookID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE,
		     processed_at = NOW(),
		     last_error = NULL
		 WHERE webhook_id = $1`,
		webhookID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "webhook ledger row missing at completion", nil)
	}
	return nil
}

// MarkFailed records the failure message on the row without flipping
// processed, so a redelivery of the same event id is re-attempted.
func (r *LedgerRepo) MarkFailed(ctx context.Context, webhookID, message string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET last_error = $2
		 WHERE webhook_id = $1`,
		webhookID,
		message,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event error", err)
	}
	return nil
}

// GetByWebhookID fetches a single ledger row by provider event id.
func (r *LedgerRepo) GetByWebhookID(ctx context.Context, webhookID string) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, webhook_id, type, received_at, processed, processed_at, payload, last_error
		 FROM webhook_events
		 WHERE webhook_id = $1`,
		webhookID,
	)
	ev, err := scanWebhookEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load webhook event", err)
	}
	return ev, nil
}

// Walk streams ledger rows in received order through fn, oldest first.
// When onlyFailed is set, only rows carrying a last_error are visited.
// Iteration stops at the first error returned by fn.
func (r *LedgerRepo) Walk(ctx context.Context, onlyFailed bool, fn func(ev *types.WebhookEvent) error) error {
	query := `SELECT id, webhook_id, type, received_at, processed, processed_at, payload, last_error
	          FROM webhook_events`
	if onlyFailed {
		query += ` WHERE last_error IS NOT NULL`
	}
	query += ` ORDER BY received_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to list webhook events", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook event", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed while iterating webhook events", err)
	}
	return nil
}

func scanWebhookEvent(row pgx.Row) (*types.WebhookEvent, error) {
	var ev types.WebhookEvent
	err := row.Scan(
		&ev.ID,
		&ev.WebhookID,
		&ev.Type,
		&ev.ReceivedAt,
		&ev.Processed,
		&ev.ProcessedAt,
		&ev.Payload,
		&ev.LastError,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
