package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polarsync/internal/types"
)

// Field alias tables. The provider's event schema has evolved across
// versions; each logical field is resolved through a prioritized alias
// list, first present wins. All alias handling lives in this table -- do
// not add inline fallbacks elsewhere.
var (
	eventTypeAliases      = []string{"type", "event"}
	eventIDAliases        = []string{"id", "webhook_id", "event_id"}
	subscriptionIDAliases = []string{"subscription_id", "subscriptionId"}
)

// Event is the canonical shape of a normalized webhook event.
type Event struct {
	// Type is the provider event type, e.g. "subscription.created".
	Type string

	// ID is the provider-assigned event id. When the provider omitted an
	// id, ID holds a synthesized "{type}:{epochMillis}" value and
	// SynthesizedID is true. Synthesized ids are NOT stable across
	// redelivery; callers must not treat them as idempotency keys.
	ID            string
	SynthesizedID bool

	// Data is the nested event payload: the "data" field when present,
	// otherwise the whole event object (schema-version tolerance).
	Data map[string]any

	// Raw is the original request body, retained for the ledger.
	Raw json.RawMessage
}

// Normalize parses a raw JSON webhook body into its canonical event shape.
// Fails with webhook_invalid_payload when the body is not a JSON object or
// no event type is found among the accepted aliases.
func Normalize(raw []byte) (*Event, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, types.NewAppError(types.ErrCodeWebhookInvalidPayload, "webhook payload is not valid JSON", err)
	}

	eventType := StringField(body, eventTypeAliases...)
	if eventType == "" {
		return nil, types.NewAppError(types.ErrCodeWebhookInvalidPayload, "webhook payload is missing event type", nil)
	}

	ev := &Event{
		Type: eventType,
		Raw:  json.RawMessage(raw),
	}

	ev.ID = StringField(body, eventIDAliases...)
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s:%d", eventType, time.Now().UnixMilli())
		ev.SynthesizedID = true
	}

	if data, ok := body["data"].(map[string]any); ok {
		ev.Data = data
	} else {
		ev.Data = body
	}

	return ev, nil
}

// Category is the enumerated classification of a webhook event type,
// replacing ad hoc substring checks with an exhaustively testable table.
type Category string

const (
	CategorySubscription Category = "subscription"
	CategoryOrder        Category = "order"
	CategoryCustomer     Category = "customer"
	CategoryCheckout     Category = "checkout"
	CategoryBenefit      Category = "benefit"
	CategoryUnknown      Category = "unknown"
)

// eventCategories maps known provider event types to their category.
// Event types absent from the table fall back to classification by their
// dotted prefix in Classify.
var eventCategories = map[string]Category{
	"subscription.created":    CategorySubscription,
	"subscription.updated":    CategorySubscription,
	"subscription.active":     CategorySubscription,
	"subscription.canceled":   CategorySubscription,
	"subscription.uncanceled": CategorySubscription,
	"subscription.revoked":    CategorySubscription,

	"order.created":  CategoryOrder,
	"order.updated":  CategoryOrder,
	"order.paid":     CategoryOrder,
	"order.refunded": CategoryOrder,

	"customer.created":       CategoryCustomer,
	"customer.updated":       CategoryCustomer,
	"customer.deleted":       CategoryCustomer,
	"customer.state_changed": CategoryCustomer,

	"checkout.created": CategoryCheckout,
	"checkout.updated": CategoryCheckout,

	"benefit_grant.created": CategoryBenefit,
	"benefit_grant.updated": CategoryBenefit,
	"benefit_grant.revoked": CategoryBenefit,
}

// Classify returns the category for an event type. Unlisted types are
// classified by the segment before the first dot so that new event
// variants from the provider still route sensibly.
func Classify(eventType string) Category {
	if c, ok := eventCategories[eventType]; ok {
		return c
	}

	prefix, _, _ := strings.Cut(eventType, ".")
	switch prefix {
	case "subscription":
		return CategorySubscription
	case "order":
		return CategoryOrder
	case "customer":
		return CategoryCustomer
	case "checkout":
		return CategoryCheckout
	}
	return CategoryUnknown
}

// NeedsSubscriptionReconciliation reports whether processing this event
// must also reconcile a Subscription row. True when the event type is
// subscription-category, when the payload embeds a subscription object, or
// when an explicit subscription id field is present. A bare
// customer.updated event returns false and never touches Subscriptions.
func (e *Event) NeedsSubscriptionReconciliation() bool {
	if Classify(e.Type) == CategorySubscription {
		return true
	}
	if _, ok := e.Data["subscription"].(map[string]any); ok {
		return true
	}
	if StringField(e.Data, subscriptionIDAliases...) != "" {
		return true
	}
	return false
}

// StringField resolves the first present, non-empty alias from a JSON
// object, coercing scalar values to their string form. Objects, arrays,
// and nulls resolve to empty.
func StringField(m map[string]any, aliases ...string) string {
	for _, key := range aliases {
		v, ok := m[key]
		if !ok {
			continue
		}
		if s := coerceString(v); s != "" {
			return s
		}
	}
	return ""
}

// coerceString converts a decoded JSON scalar to its string form.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers decode as float64; format integral values without
		// an exponent or trailing zeros.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
