package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"polarsync/internal/reconcile"
	"polarsync/internal/types"
	"polarsync/internal/webhook"
)

const testSecret = "whsec_dGVzdC1zaWduaW5nLWtleQ==" // "test-signing-key"

// --- Mocks ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) IsProcessed(ctx context.Context, webhookID string) (bool, error) {
	args := m.Called(ctx, webhookID)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) RecordReceived(ctx context.Context, webhookID, eventType string, payload json.RawMessage) (bool, error) {
	args := m.Called(ctx, webhookID, eventType, payload)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) GetByWebhookID(ctx context.Context, webhookID string) (*types.WebhookEvent, error) {
	args := m.Called(ctx, webhookID)
	if e := args.Get(0); e != nil {
		return e.(*types.WebhookEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLedger) MarkProcessed(ctx context.Context, webhookID string) error {
	return m.Called(ctx, webhookID).Error(0)
}

func (m *mockLedger) MarkFailed(ctx context.Context, webhookID, message string) error {
	return m.Called(ctx, webhookID, message).Error(0)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Reconcile(ctx context.Context, event *webhook.Event) (*reconcile.Outcome, error) {
	args := m.Called(ctx, event)
	if o := args.Get(0); o != nil {
		return o.(*reconcile.Outcome), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Helpers ---

func newWebhookHandler(ledger *mockLedger, rec *mockReconciler) *PolarWebhookHandler {
	return NewPolarWebhookHandler(
		webhook.NewVerifier(0),
		ledger,
		rec,
		types.SecretString(testSecret),
		nil,
	)
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar", bytes.NewReader([]byte(body)))
	req.Header.Set("Polar-Signature", webhook.Sign([]byte(body), testSecret, time.Now()))
	return req
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	return ack
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error.Code
}

// --- Tests ---

func TestWebhookHandler_HappyPath(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"subscription.created","id":"evt_1","data":{"id":"sub_1","customer":{"id":"cus_1"}}}`

	ledger.On("IsProcessed", mock.Anything, "evt_1").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_1", "subscription.created", mock.Anything).Return(true, nil)
	rec.On("Reconcile", mock.Anything, mock.Anything).Return(&reconcile.Outcome{
		Customer:             &types.Customer{ID: "c-1"},
		Subscription:         &types.Subscription{ID: "s-1"},
		SubscriptionUpserted: true,
	}, nil)
	ledger.On("MarkProcessed", mock.Anything, "evt_1").Return(nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	ack := decodeAck(t, rr)
	assert.True(t, ack.OK)
	assert.Equal(t, "processed", ack.Code)
	assert.False(t, ack.Duplicate)
	ledger.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestWebhookHandler_DuplicateDelivery(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"order.paid","id":"evt_dup"}`
	ledger.On("IsProcessed", mock.Anything, "evt_dup").Return(true, nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	ack := decodeAck(t, rr)
	assert.True(t, ack.OK)
	assert.Equal(t, "duplicate", ack.Code)
	assert.True(t, ack.Duplicate)

	ledger.AssertNotCalled(t, "RecordReceived", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func TestWebhookHandler_LostInsertRaceAgainstProcessedRow(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"order.paid","id":"evt_race"}`
	ledger.On("IsProcessed", mock.Anything, "evt_race").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_race", "order.paid", mock.Anything).Return(false, nil)
	ledger.On("GetByWebhookID", mock.Anything, "evt_race").
		Return(&types.WebhookEvent{WebhookID: "evt_race", Processed: true}, nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	ack := decodeAck(t, rr)
	assert.Equal(t, "duplicate", ack.Code)
	assert.True(t, ack.Duplicate)
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func TestWebhookHandler_RedeliveryAfterFailureReprocesses(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	// A previous delivery failed reconciliation: the ledger row exists with
	// processed=false and a recorded error. The provider's redelivery of the
	// same event id must run reconciliation again, not be acked as a
	// duplicate.
	body := `{"type":"subscription.created","id":"evt_retry","data":{"id":"sub_1","customer":{"id":"cus_1"}}}`
	lastErr := "webhook_missing_customer_linkage: subscription event has no resolvable customer"

	ledger.On("IsProcessed", mock.Anything, "evt_retry").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_retry", "subscription.created", mock.Anything).Return(false, nil)
	ledger.On("GetByWebhookID", mock.Anything, "evt_retry").
		Return(&types.WebhookEvent{WebhookID: "evt_retry", Processed: false, LastError: &lastErr}, nil)
	rec.On("Reconcile", mock.Anything, mock.Anything).Return(&reconcile.Outcome{
		Customer:             &types.Customer{ID: "c-1"},
		Subscription:         &types.Subscription{ID: "s-1"},
		SubscriptionUpserted: true,
	}, nil)
	ledger.On("MarkProcessed", mock.Anything, "evt_retry").Return(nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	ack := decodeAck(t, rr)
	assert.True(t, ack.OK)
	assert.Equal(t, "processed", ack.Code)
	assert.False(t, ack.Duplicate)
	rec.AssertNumberOfCalls(t, "Reconcile", 1)
	ledger.AssertExpectations(t)
}

func TestWebhookHandler_MissingSignature(t *testing.T) {
	h := newWebhookHandler(new(mockLedger), new(mockReconciler))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar",
		bytes.NewReader([]byte(`{"type":"order.paid","id":"evt_1"}`)))

	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookSignatureMissing), decodeErrorCode(t, rr))
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	h := newWebhookHandler(new(mockLedger), new(mockReconciler))

	body := `{"type":"order.paid","id":"evt_1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar", bytes.NewReader([]byte(body)))
	req.Header.Set("Polar-Signature", webhook.Sign([]byte(body+" "), testSecret, time.Now()))

	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookInvalidSignature), decodeErrorCode(t, rr))
}

func TestWebhookHandler_StaleTimestamp(t *testing.T) {
	h := newWebhookHandler(new(mockLedger), new(mockReconciler))

	body := `{"type":"order.paid","id":"evt_1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar", bytes.NewReader([]byte(body)))
	req.Header.Set("Polar-Signature", webhook.Sign([]byte(body), testSecret, time.Now().Add(-10*time.Minute)))

	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookStaleTimestamp), decodeErrorCode(t, rr))
}

func TestWebhookHandler_MalformedPayload(t *testing.T) {
	h := newWebhookHandler(new(mockLedger), new(mockReconciler))

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, `{not json`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookInvalidPayload), decodeErrorCode(t, rr))
}

func TestWebhookHandler_MissingEventIDRejected(t *testing.T) {
	ledger := new(mockLedger)
	h := newWebhookHandler(ledger, new(mockReconciler))

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, `{"type":"order.paid","data":{"id":"ord_1"}}`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookInvalidPayload), decodeErrorCode(t, rr))
	ledger.AssertNotCalled(t, "IsProcessed", mock.Anything, mock.Anything)
}

func TestWebhookHandler_ReconcileFailureLeavesRetryable(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"subscription.created","id":"evt_fail","data":{"id":"sub_1"}}`

	ledger.On("IsProcessed", mock.Anything, "evt_fail").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_fail", "subscription.created", mock.Anything).Return(true, nil)
	rec.On("Reconcile", mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeWebhookMissingCustomer, "subscription event has no resolvable customer", nil))
	ledger.On("MarkFailed", mock.Anything, "evt_fail", mock.AnythingOfType("string")).Return(nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookMissingCustomer), decodeErrorCode(t, rr))
	ledger.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
	ledger.AssertExpectations(t)
}

func TestWebhookHandler_IgnoredOutcome(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"benefit_grant.created","id":"evt_b"}`

	ledger.On("IsProcessed", mock.Anything, "evt_b").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_b", "benefit_grant.created", mock.Anything).Return(true, nil)
	rec.On("Reconcile", mock.Anything, mock.Anything).Return(&reconcile.Outcome{}, nil)
	ledger.On("MarkProcessed", mock.Anything, "evt_b").Return(nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, signedRequest(t, body))

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "ignored", decodeAck(t, rr).Code)
}

func TestWebhookHandler_StandardHeadersScheme(t *testing.T) {
	ledger := new(mockLedger)
	rec := new(mockReconciler)
	h := newWebhookHandler(ledger, rec)

	body := `{"type":"order.paid","id":"evt_std"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	key, err := base64.StdEncoding.DecodeString("dGVzdC1zaWduaW5nLWtleQ==")
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("msg_1." + ts + "." + body))
	sig := "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar", bytes.NewReader([]byte(body)))
	req.Header.Set("webhook-id", "msg_1")
	req.Header.Set("webhook-timestamp", ts)
	req.Header.Set("webhook-signature", sig)

	ledger.On("IsProcessed", mock.Anything, "evt_std").Return(false, nil)
	ledger.On("RecordReceived", mock.Anything, "evt_std", "order.paid", mock.Anything).Return(true, nil)
	rec.On("Reconcile", mock.Anything, mock.Anything).Return(&reconcile.Outcome{
		Customer: &types.Customer{ID: "c-1"},
	}, nil)
	ledger.On("MarkProcessed", mock.Anything, "evt_std").Return(nil)

	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "processed", decodeAck(t, rr).Code)
}

func TestWebhookHandler_OversizedBody(t *testing.T) {
	h := newWebhookHandler(new(mockLedger), new(mockReconciler))

	big := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/polar", bytes.NewReader(big))
	req.Header.Set("Polar-Signature", "t=1,v1=whatever")

	rr := httptest.NewRecorder()
	h.Handle(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(types.ErrCodeWebhookInvalidPayload), decodeErrorCode(t, rr))
}
