// Package handlers contains the HTTP handler implementations for the
// polarsync API.
//
// The webhook handler is NOT behind auth middleware -- it is called
// directly by the billing provider. Security is provided by verifying the
// HMAC signature headers against the shared signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"polarsync/internal/core"
	"polarsync/internal/reconcile"
	"polarsync/internal/types"
	"polarsync/internal/webhook"
)

// maxWebhookBodySize is the maximum allowed size of a webhook payload
// (64 KB). Provider payloads are small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Outcome codes reported in the webhook acknowledgment body.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
)

// SignatureVerifier validates inbound webhook signatures.
type SignatureVerifier interface {
	Verify(rawBody []byte, signatureHeader string, secret string) error
	VerifyStandardHeaders(rawBody []byte, webhookID, timestamp, signatureHeader, secret string) error
}

// WebhookLedger is the idempotency ledger surface the handler needs.
type WebhookLedger interface {
	IsProcessed(ctx context.Context, webhookID string) (bool, error)
	RecordReceived(ctx context.Context, webhookID, eventType string, payload json.RawMessage) (created bool, err error)
	GetByWebhookID(ctx context.Context, webhookID string) (*types.WebhookEvent, error)
	MarkProcessed(ctx context.Context, webhookID string) error
	MarkFailed(ctx context.Context, webhookID, message string) error
}

// EventReconciler folds a normalized event into Customer/Subscription state.
type EventReconciler interface {
	Reconcile(ctx context.Context, event *webhook.Event) (*reconcile.Outcome, error)
}

// webhookAck is the acknowledgment body returned to the provider.
type webhookAck struct {
	OK        bool   `json:"ok"`
	Code      string `json:"code"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PolarWebhookHandler handles asynchronous events from the billing
// provider: verify, normalize, dedupe through the ledger, reconcile,
// acknowledge.
type PolarWebhookHandler struct {
	verifier   SignatureVerifier
	ledger     WebhookLedger
	reconciler EventReconciler
	secret     types.SecretString
	logger     *slog.Logger
}

// NewPolarWebhookHandler creates a PolarWebhookHandler with the provided
// dependencies.
func NewPolarWebhookHandler(
	verifier SignatureVerifier,
	ledger WebhookLedger,
	reconciler EventReconciler,
	secret types.SecretString,
	logger *slog.Logger,
) *PolarWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolarWebhookHandler{
		verifier:   verifier,
		ledger:     ledger,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Separate from the billing
// routes because webhook routes are public (no auth middleware).
func (h *PolarWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/polar", h.Handle)
}

// Handle processes an inbound webhook delivery:
//
//  1. Read the raw body (size-limited) before any parsing; the signature
//     covers the exact bytes on the wire.
//  2. Verify the signature. Missing headers are 401, a failed match or
//     stale timestamp is 403.
//  3. Normalize the payload (400 on malformed or id-less events).
//  4. Consult and update the idempotency ledger; already-processed events
//     short-circuit to a duplicate acknowledgment. An existing unprocessed
//     row (a redelivery after failure, or a concurrent race) is reconciled
//     again; the keyed upserts make re-running safe.
//  5. Reconcile Customer/Subscription state. A failure leaves the ledger
//     row unprocessed so the provider's retry gets another attempt.
//  6. Acknowledge with 202 and an outcome code.
func (h *PolarWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookInvalidPayload,
			"failed to read request body",
			err,
		))
		return
	}

	if err := h.verify(rawBody, r); err != nil {
		h.logger.WarnContext(ctx, "webhook signature rejected", "error", err)
		core.Error(w, r, err)
		return
	}

	event, err := webhook.Normalize(rawBody)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		core.Error(w, r, err)
		return
	}

	// An event without a provider-assigned id has no stable idempotency
	// key; recording it under a synthesized id would make every redelivery
	// look new. Reject so the provider surfaces the malformed delivery.
	if event.SynthesizedID {
		h.logger.WarnContext(ctx, "webhook event missing provider event id",
			"event_type", event.Type,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookInvalidPayload,
			"webhook payload is missing an event id",
			nil,
		))
		return
	}

	logger := h.logger.With(
		slog.String("webhook_id", event.ID),
		slog.String("event_type", event.Type),
	)

	processed, err := h.ledger.IsProcessed(ctx, event.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if processed {
		logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
		core.JSON(w, r, http.StatusAccepted, webhookAck{OK: true, Code: outcomeDuplicate, Duplicate: true})
		return
	}

	created, err := h.ledger.RecordReceived(ctx, event.ID, event.Type, event.Raw)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !created {
		// The row already exists: either a concurrent delivery won the
		// insert race, or a previous delivery failed reconciliation and the
		// provider is redelivering. Only a processed row is a duplicate; an
		// unprocessed row stays eligible for another reconciliation attempt.
		existing, err := h.ledger.GetByWebhookID(ctx, event.ID)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		if existing != nil && existing.Processed {
			logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
			core.JSON(w, r, http.StatusAccepted, webhookAck{OK: true, Code: outcomeDuplicate, Duplicate: true})
			return
		}
		logger.InfoContext(ctx, "reprocessing unprocessed webhook delivery")
	}

	outcome, err := h.reconciler.Reconcile(ctx, event)
	if err != nil {
		logger.ErrorContext(ctx, "webhook reconciliation failed", "error", err)
		h.recordFailure(ctx, event.ID, err, logger)
		core.Error(w, r, h.asProcessingError(err))
		return
	}

	if err := h.ledger.MarkProcessed(ctx, event.ID); err != nil {
		logger.ErrorContext(ctx, "failed to mark webhook event processed", "error", err)
		core.Error(w, r, err)
		return
	}

	code := outcomeProcessed
	if outcome.Customer == nil && outcome.Subscription == nil {
		code = outcomeIgnored
	}

	logger.InfoContext(ctx, "webhook event processed",
		slog.String("outcome", code),
		slog.Bool("subscription_upserted", outcome.SubscriptionUpserted),
	)
	core.JSON(w, r, http.StatusAccepted, webhookAck{OK: true, Code: code})
}

// verify checks the delivery's signature. The Standard-Webhooks
// three-header scheme takes precedence when all of its headers are
// present; otherwise the single signature header form is used, accepting
// the provider's historical header names.
func (h *PolarWebhookHandler) verify(rawBody []byte, r *http.Request) error {
	webhookID := r.Header.Get(webhook.HeaderWebhookID)
	timestamp := r.Header.Get(webhook.HeaderWebhookTimestamp)
	standardSig := r.Header.Get(webhook.HeaderWebhookSignature)

	if webhookID != "" && timestamp != "" && standardSig != "" {
		return h.verifier.VerifyStandardHeaders(rawBody, webhookID, timestamp, standardSig, h.secret.Unmask())
	}

	sigHeader := firstHeader(r, "Polar-Signature", "X-Polar-Signature", "Webhook-Signature")
	return h.verifier.Verify(rawBody, sigHeader, h.secret.Unmask())
}

// recordFailure stores the failure message on the ledger row, best-effort:
// the original reconciliation error is what the client sees either way.
func (h *PolarWebhookHandler) recordFailure(ctx context.Context, webhookID string, cause error, logger *slog.Logger) {
	if err := h.ledger.MarkFailed(ctx, webhookID, cause.Error()); err != nil {
		logger.ErrorContext(ctx, "failed to record webhook failure", "error", err)
	}
}

// asProcessingError wraps non-AppError reconciliation failures so the
// response carries the webhook_processing_failed code; AppErrors pass
// through with their own code and status.
func (h *PolarWebhookHandler) asProcessingError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return types.NewAppError(types.ErrCodeWebhookProcessingFailed, "webhook processing failed", err)
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
