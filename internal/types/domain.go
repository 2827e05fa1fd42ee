// Package types defines the domain entities, error taxonomy, and shared
// helper types for the polarsync service.
//
// The three persistent entities mirror the Polar billing provider's data
// model. Identity is always the provider-assigned id (webhook id, customer
// id, subscription id) -- the provider is the source of truth, so lookups
// never go through internal row ids.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Interval is the normalized billing interval for a subscription.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// NormalizeInterval maps the provider's free-form interval vocabulary onto
// the two values we store. Any value containing "year" or "annual"
// (case-insensitive) is annual; everything else, including absent, is
// monthly. This is a lossy best-effort normalization.
func NormalizeInterval(value string) Interval {
	v := strings.ToLower(strings.TrimSpace(value))
	if strings.Contains(v, "year") || strings.Contains(v, "annual") {
		return IntervalAnnual
	}
	return IntervalMonthly
}

// WebhookEvent is the idempotency ledger record for one provider event id.
// A row is created on first sight of an event id and never deleted.
type WebhookEvent struct {
	ID          string          // internal row id (uuid)
	WebhookID   string          // provider-assigned event id; unique
	Type        string          // provider event type, e.g. "subscription.created"
	ReceivedAt  time.Time
	Processed   bool
	ProcessedAt *time.Time
	Payload     json.RawMessage // raw event body, retained for replay/debug
	LastError   *string
}

// Customer is the reconciled local mirror of a Polar customer.
type Customer struct {
	ID              string // internal row id (uuid)
	PolarCustomerID string // provider-assigned id; unique
	Email           string // normalized lowercase; unique
	Name            string
	UserID          *int64 // optional linkage to an internal user account
	Metadata        Metadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscription is the reconciled local mirror of a Polar subscription.
// Cancellation and revocation events update Status in place; rows are
// never deleted or recreated.
type Subscription struct {
	ID                  string // internal row id (uuid)
	PolarSubscriptionID string // provider-assigned id; unique
	CustomerID          string // owning Customer row id; required
	UserID              *int64 // denormalized from Customer for query convenience
	ProductID           string
	Interval            Interval
	Status              string // provider vocabulary, default "active"
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	CancelAtPeriodEnd   bool
	CanceledAt          *time.Time
	Metadata            Metadata
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// User is the minimal view of an internal user account that webhook
// reconciliation needs for linkage resolution.
type User struct {
	ID    int64
	Email string
	Name  string
}

// CustomerUpsert is the write-shape for reconciling a Customer. Pointer
// fields are written only when non-nil so that a partial event payload
// never clobbers previously known values with empties.
type CustomerUpsert struct {
	PolarCustomerID string // identity key; required
	Email           *string
	Name            *string
	UserID          *int64
	Metadata        Metadata // pre-merged full map; replaces the stored column
}

// SubscriptionUpsert is the write-shape for reconciling a Subscription.
// Same pointer-field semantics as CustomerUpsert. CustomerID is required:
// a subscription row is never created without an owning customer.
type SubscriptionUpsert struct {
	PolarSubscriptionID string // identity key; required
	CustomerID          string
	UserID              *int64
	ProductID           *string
	Interval            *Interval
	Status              *string
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	CancelAtPeriodEnd   *bool
	CanceledAt          *time.Time
	Metadata            Metadata
}
