// Package reconcile applies a normalized webhook event to the long-lived
// Customer and Subscription state. Reconciliation is independent of the
// specific event type that triggered it: every event carrying customer or
// subscription data folds that data into the local mirror, keyed by the
// provider-assigned ids.
package reconcile

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"polarsync/internal/types"
	"polarsync/internal/webhook"
)

// Field alias tables for the provider's customer/subscription payload
// shapes, prioritized first-present-wins. Kept here, in one place, as the
// documented contract for schema-version tolerance.
var (
	customerIDAliases    = []string{"id", "customer_id", "customerId", "customer"}
	customerEmailAliases = []string{"email", "customer_email"}
	customerNameAliases  = []string{"name", "customer_name"}
	userIDAliases        = []string{"external_customer_id", "external_id", "user_id", "userId"}

	subIDAliases        = []string{"id", "subscription_id", "subscriptionId"}
	subCustomerAliases  = []string{"customer_id", "customerId", "customer"}
	intervalAliases     = []string{"interval", "recurring_interval", "billing_interval"}
	productIDAliases    = []string{"product_id", "productId"}
	periodStartAliases  = []string{"current_period_start", "currentPeriodStart"}
	periodEndAliases    = []string{"current_period_end", "currentPeriodEnd"}
	canceledAtAliases   = []string{"canceled_at", "canceledAt"}
	cancelAtEndAliases  = []string{"cancel_at_period_end", "cancelAtPeriodEnd"}
)

// statusAlias is the one status field key across schema versions; the
// defaults fill subscription columns the payload omits.
const (
	statusAlias      = "status"
	defaultSubStatus = "active"
	defaultProductID = "unknown-product"
)

// CustomerStore is the persistence surface the reconciler needs for
// Customer rows. Find methods return (nil, nil) when no row matches.
type CustomerStore interface {
	FindByPolarID(ctx context.Context, polarCustomerID string) (*types.Customer, error)
	FindByEmail(ctx context.Context, email string) (*types.Customer, error)
	Upsert(ctx context.Context, upsert types.CustomerUpsert) (*types.Customer, error)
}

// SubscriptionStore is the persistence surface for Subscription rows.
type SubscriptionStore interface {
	FindByPolarID(ctx context.Context, polarSubscriptionID string) (*types.Subscription, error)
	Upsert(ctx context.Context, upsert types.SubscriptionUpsert) (*types.Subscription, error)
}

// UserStore resolves internal user accounts for the soft-fail linkage
// lookup. GetByID returns an error when the user does not exist.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*types.User, error)
}

// Outcome reports what a reconciliation pass touched.
type Outcome struct {
	Customer             *types.Customer
	Subscription         *types.Subscription
	SubscriptionUpserted bool
}

// Reconciler folds webhook events into Customer/Subscription state.
type Reconciler struct {
	customers     CustomerStore
	subscriptions SubscriptionStore
	users         UserStore
	logger        *slog.Logger
	now           func() time.Time
}

// NewReconciler creates a Reconciler. users may be nil, in which case the
// user-linkage lookup is skipped entirely.
func NewReconciler(
	customers CustomerStore,
	subscriptions SubscriptionStore,
	users UserStore,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		customers:     customers,
		subscriptions: subscriptions,
		users:         users,
		logger:        logger,
		now:           time.Now,
	}
}

// Reconcile applies the event's data to the Customer and, when the event
// is subscription-bearing, the Subscription mirror. Any error aborts the
// whole event: there is no partial commit where the customer updated but a
// required subscription reconciliation was silently dropped.
func (r *Reconciler) Reconcile(ctx context.Context, event *webhook.Event) (*Outcome, error) {
	out := &Outcome{}

	customer, err := r.reconcileCustomer(ctx, event)
	if err != nil {
		return nil, err
	}
	out.Customer = customer

	if !event.NeedsSubscriptionReconciliation() {
		return out, nil
	}

	sub, err := r.reconcileSubscription(ctx, event, customer)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		out.Subscription = sub
		out.SubscriptionUpserted = true
	}

	return out, nil
}

// reconcileCustomer upserts the Customer referenced by the event, merging
// metadata and writing only fields the payload actually carried. Returns
// (nil, nil) when the payload identifies no customer at all -- that alone
// is not an error; subscription reconciliation has its own fallbacks.
func (r *Reconciler) reconcileCustomer(ctx context.Context, event *webhook.Event) (*types.Customer, error) {
	obj, idAliases := customerObject(event)

	polarCustomerID := webhook.StringField(obj, idAliases...)
	if polarCustomerID == "" {
		polarCustomerID = webhook.StringField(event.Data, customerIDAliases[1:]...)
	}
	email := normalizeEmail(firstOf(obj, event.Data, customerEmailAliases))
	name := firstOf(obj, event.Data, customerNameAliases)

	// Resolve the existing row: provider id first, then normalized email.
	var existing *types.Customer
	var err error
	if polarCustomerID != "" {
		existing, err = r.customers.FindByPolarID(ctx, polarCustomerID)
		if err != nil {
			return nil, err
		}
	}
	if existing == nil && email != "" {
		existing, err = r.customers.FindByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
	}

	if polarCustomerID == "" && existing == nil {
		// Nothing to key an upsert on.
		return nil, nil
	}
	if polarCustomerID == "" {
		// Matched by email; keep the row's provider id.
		polarCustomerID = existing.PolarCustomerID
	}

	userID := r.resolveUserID(ctx, event, obj)

	var stored types.Metadata
	if existing != nil {
		stored = existing.Metadata
	}
	merged := MergeMetadata(
		stored,
		asMetadata(obj["metadata"]),
		asMetadata(event.Data["metadata"]),
		webhookTypeTag(event.Type),
	)

	upsert := types.CustomerUpsert{
		PolarCustomerID: polarCustomerID,
		Metadata:        merged,
	}
	if email != "" {
		upsert.Email = &email
	}
	if name != "" {
		upsert.Name = &name
	}
	if userID != nil {
		upsert.UserID = userID
	}

	return r.customers.Upsert(ctx, upsert)
}

// resolveUserID attempts to link the customer to an internal user account.
// The lookup is best-effort by design: a missing or unresolvable user
// identifier never fails the event, it only drops the linkage.
func (r *Reconciler) resolveUserID(ctx context.Context, event *webhook.Event, customerObj map[string]any) *int64 {
	if r.users == nil {
		return nil
	}

	raw := firstOf(asMap(customerObj["metadata"]), event.Data, userIDAliases)
	if raw == "" {
		raw = webhook.StringField(customerObj, userIDAliases...)
	}
	if raw == "" {
		return nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Not numeric-looking; internal user ids are numeric.
		return nil
	}

	user, err := r.users.GetByID(ctx, id)
	if err != nil {
		r.logger.InfoContext(ctx, "user linkage lookup failed, proceeding without linkage",
			"event_type", event.Type,
			"user_id", id,
			"error", err,
		)
		return nil
	}
	return &user.ID
}

// reconcileSubscription upserts the Subscription row carried by the event.
// The owning customer is resolved through three fallbacks: the customer
// reconciled from this event, a customer-id field on the subscription
// object, or the customer already stored on the existing row. With no
// owner resolvable the event fails -- a subscription row is never created
// without a customer.
func (r *Reconciler) reconcileSubscription(ctx context.Context, event *webhook.Event, customer *types.Customer) (*types.Subscription, error) {
	obj, idAliases := subscriptionObject(event)

	polarSubID := webhook.StringField(obj, idAliases...)
	if polarSubID == "" {
		// Classified subscription-bearing but no id present; nothing to key on.
		return nil, nil
	}

	existing, err := r.subscriptions.FindByPolarID(ctx, polarSubID)
	if err != nil {
		return nil, err
	}

	customerID, userID, err := r.resolveOwner(ctx, obj, customer, existing)
	if err != nil {
		return nil, err
	}

	var stored types.Metadata
	if existing != nil {
		stored = existing.Metadata
	}
	merged := MergeMetadata(
		stored,
		asMetadata(obj["metadata"]),
		asMetadata(event.Data["metadata"]),
		webhookTypeTag(event.Type),
	)

	upsert := types.SubscriptionUpsert{
		PolarSubscriptionID: polarSubID,
		CustomerID:          customerID,
		UserID:              userID,
		Metadata:            merged,
	}

	status := strings.ToLower(webhook.StringField(obj, statusAlias))
	if status == "" {
		status = defaultSubStatus
	}
	upsert.Status = &status

	productID := webhook.StringField(obj, productIDAliases...)
	if productID == "" {
		productID = defaultProductID
	}
	upsert.ProductID = &productID

	interval := types.NormalizeInterval(webhook.StringField(obj, intervalAliases...))
	upsert.Interval = &interval

	// Period timestamps are written only when parseable; an absent or
	// malformed date must not overwrite previously known good values.
	if t := parseTime(obj, periodStartAliases); t != nil {
		upsert.CurrentPeriodStart = t
	}
	if t := parseTime(obj, periodEndAliases); t != nil {
		upsert.CurrentPeriodEnd = t
	}

	if v, ok := boolField(obj, cancelAtEndAliases...); ok {
		upsert.CancelAtPeriodEnd = &v
	}
	if t := parseTime(obj, canceledAtAliases); t != nil {
		upsert.CanceledAt = t
	} else if isCancellation(event.Type) {
		// Cancellation events stamp the cancel time even when the
		// provider omitted it.
		now := r.now()
		upsert.CanceledAt = &now
	}

	return r.subscriptions.Upsert(ctx, upsert)
}

// resolveOwner walks the customer-linkage fallback chain for a
// subscription event.
func (r *Reconciler) resolveOwner(
	ctx context.Context,
	subObj map[string]any,
	customer *types.Customer,
	existing *types.Subscription,
) (customerID string, userID *int64, err error) {
	if customer != nil {
		return customer.ID, customer.UserID, nil
	}

	if polarCustomerID := webhook.StringField(subObj, subCustomerAliases...); polarCustomerID != "" {
		found, err := r.customers.FindByPolarID(ctx, polarCustomerID)
		if err != nil {
			return "", nil, err
		}
		if found != nil {
			return found.ID, found.UserID, nil
		}
	}

	if existing != nil && existing.CustomerID != "" {
		return existing.CustomerID, existing.UserID, nil
	}

	return "", nil, types.NewAppError(
		types.ErrCodeWebhookMissingCustomer,
		"subscription event has no resolvable customer",
		nil,
	)
}

// customerObject extracts the customer-shaped sub-object and the id alias
// list valid for it. A nested "customer" object or a customer-category
// payload is customer-shaped, so its own "id" is the customer id. For any
// other shape (e.g. a subscription payload carrying a customer_id), the
// bare "id" belongs to the carrier and only the explicit aliases apply.
func customerObject(event *webhook.Event) (map[string]any, []string) {
	if obj, ok := event.Data["customer"].(map[string]any); ok {
		return obj, customerIDAliases
	}
	if webhook.Classify(event.Type) == webhook.CategoryCustomer {
		return event.Data, customerIDAliases
	}
	return event.Data, customerIDAliases[1:]
}

// subscriptionObject picks the subscription-shaped object and the id alias
// list valid for it. A nested "subscription" object or a
// subscription-category payload is subscription-shaped, so its own "id" is
// the subscription id. For other shapes (e.g. an order payload carrying a
// subscription_id), the bare "id" belongs to the carrier and only the
// explicit aliases apply.
func subscriptionObject(event *webhook.Event) (map[string]any, []string) {
	if obj, ok := event.Data["subscription"].(map[string]any); ok {
		return obj, subIDAliases
	}
	if webhook.Classify(event.Type) == webhook.CategorySubscription {
		return event.Data, subIDAliases
	}
	return event.Data, subIDAliases[1:]
}

// isCancellation reports whether the event type ends a subscription.
func isCancellation(eventType string) bool {
	return eventType == "subscription.canceled" || eventType == "subscription.revoked"
}

// firstOf resolves aliases against the nested object first, then the
// top-level payload.
func firstOf(obj, data map[string]any, aliases []string) string {
	if v := webhook.StringField(obj, aliases...); v != "" {
		return v
	}
	return webhook.StringField(data, aliases...)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// boolField resolves the first present boolean alias. String forms
// "true"/"false" are tolerated.
func boolField(m map[string]any, aliases ...string) (bool, bool) {
	for _, key := range aliases {
		switch v := m[key].(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// parseTime resolves the first alias that parses as a timestamp. Accepted
// forms: RFC3339(Nano), date-only, and numeric epoch seconds. Anything
// else is treated as absent.
func parseTime(m map[string]any, aliases []string) *time.Time {
	for _, key := range aliases {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if n, ok := v.(float64); ok {
			t := time.Unix(int64(n), 0).UTC()
			return &t
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}
