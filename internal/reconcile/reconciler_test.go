package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"polarsync/internal/types"
	"polarsync/internal/webhook"
)

// --- Mock stores ---

type mockCustomerStore struct {
	mock.Mock
}

func (m *mockCustomerStore) FindByPolarID(ctx context.Context, id string) (*types.Customer, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*types.Customer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCustomerStore) FindByEmail(ctx context.Context, email string) (*types.Customer, error) {
	args := m.Called(ctx, email)
	if c := args.Get(0); c != nil {
		return c.(*types.Customer), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCustomerStore) Upsert(ctx context.Context, up types.CustomerUpsert) (*types.Customer, error) {
	args := m.Called(ctx, up)
	if c := args.Get(0); c != nil {
		return c.(*types.Customer), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSubscriptionStore struct {
	mock.Mock
}

func (m *mockSubscriptionStore) FindByPolarID(ctx context.Context, id string) (*types.Subscription, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionStore) Upsert(ctx context.Context, up types.SubscriptionUpsert) (*types.Subscription, error) {
	args := m.Called(ctx, up)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) GetByID(ctx context.Context, id int64) (*types.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*types.User), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Helpers ---

func mustEvent(t *testing.T, body string) *webhook.Event {
	t.Helper()
	ev, err := webhook.Normalize([]byte(body))
	require.NoError(t, err)
	return ev
}

func newTestReconciler(c *mockCustomerStore, s *mockSubscriptionStore, u *mockUserStore) *Reconciler {
	var users UserStore
	if u != nil {
		users = u
	}
	r := NewReconciler(c, s, users, nil)
	r.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	return r
}

// --- Tests ---

func TestReconcile_SubscriptionCreatedWithNestedCustomer(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "subscription.created",
		"id": "evt_1",
		"data": {
			"id": "sub_1",
			"status": "Active",
			"recurring_interval": "year",
			"product_id": "prod_77",
			"current_period_start": "2026-08-01T00:00:00Z",
			"current_period_end": "2027-08-01T00:00:00Z",
			"customer": {
				"id": "cus_1",
				"email": "Jamie@Example.com",
				"name": "Jamie"
			}
		}
	}`)

	customers.On("FindByPolarID", mock.Anything, "cus_1").Return(nil, nil)
	customers.On("FindByEmail", mock.Anything, "jamie@example.com").Return(nil, nil)

	var custUp types.CustomerUpsert
	customers.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.CustomerUpsert) bool {
		custUp = up
		return up.PolarCustomerID == "cus_1"
	})).Return(&types.Customer{ID: "c-row", PolarCustomerID: "cus_1"}, nil)

	subs.On("FindByPolarID", mock.Anything, "sub_1").Return(nil, nil)

	var subUp types.SubscriptionUpsert
	subs.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.SubscriptionUpsert) bool {
		subUp = up
		return up.PolarSubscriptionID == "sub_1"
	})).Return(&types.Subscription{ID: "s-row", PolarSubscriptionID: "sub_1", CustomerID: "c-row"}, nil)

	out, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	require.NotNil(t, custUp.Email)
	assert.Equal(t, "jamie@example.com", *custUp.Email)
	require.NotNil(t, custUp.Name)
	assert.Equal(t, "Jamie", *custUp.Name)
	assert.Equal(t, "subscription.created", custUp.Metadata["webhookType"])

	assert.Equal(t, "c-row", subUp.CustomerID)
	require.NotNil(t, subUp.Status)
	assert.Equal(t, "active", *subUp.Status, "status is lowercased")
	require.NotNil(t, subUp.Interval)
	assert.Equal(t, types.IntervalAnnual, *subUp.Interval)
	require.NotNil(t, subUp.ProductID)
	assert.Equal(t, "prod_77", *subUp.ProductID)
	require.NotNil(t, subUp.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), *subUp.CurrentPeriodStart)

	assert.True(t, out.SubscriptionUpserted)
	assert.Equal(t, "c-row", out.Customer.ID)
	customers.AssertExpectations(t)
	subs.AssertExpectations(t)
}

func TestReconcile_CustomerEventNeverTouchesSubscriptions(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "customer.updated",
		"id": "evt_2",
		"data": {"id": "cus_1", "email": "a@b.com"}
	}`)

	customers.On("FindByPolarID", mock.Anything, "cus_1").Return(nil, nil)
	customers.On("FindByEmail", mock.Anything, "a@b.com").Return(nil, nil)
	customers.On("Upsert", mock.Anything, mock.Anything).
		Return(&types.Customer{ID: "c-row", PolarCustomerID: "cus_1"}, nil)

	out, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Nil(t, out.Subscription)
	assert.False(t, out.SubscriptionUpserted)
	subs.AssertNotCalled(t, "FindByPolarID", mock.Anything, mock.Anything)
	subs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestReconcile_MissingCustomerLinkageFails(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	// Subscription event with no customer information anywhere and no
	// pre-existing row to inherit an owner from.
	ev := mustEvent(t, `{
		"type": "subscription.created",
		"id": "evt_3",
		"data": {"id": "sub_orphan", "status": "active"}
	}`)

	subs.On("FindByPolarID", mock.Anything, "sub_orphan").Return(nil, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeWebhookMissingCustomer, appErr.Code)
	subs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestReconcile_OwnerResolvedFromSubscriptionCustomerField(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	// Order event carrying a nested subscription whose customer_id points
	// at an already-reconciled customer. The top-level payload identifies
	// no customer, so the owner comes from the fallback lookup.
	ev := mustEvent(t, `{
		"type": "order.paid",
		"id": "evt_4",
		"data": {
			"id": "ord_1",
			"subscription": {"id": "sub_2", "customer_id": "cus_9", "status": "active"}
		}
	}`)

	linkedUser := int64(42)
	subs.On("FindByPolarID", mock.Anything, "sub_2").Return(nil, nil)
	customers.On("FindByPolarID", mock.Anything, "cus_9").
		Return(&types.Customer{ID: "c-9", PolarCustomerID: "cus_9", UserID: &linkedUser}, nil)

	var subUp types.SubscriptionUpsert
	subs.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.SubscriptionUpsert) bool {
		subUp = up
		return true
	})).Return(&types.Subscription{ID: "s-row", PolarSubscriptionID: "sub_2", CustomerID: "c-9"}, nil)

	out, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "c-9", subUp.CustomerID)
	require.NotNil(t, subUp.UserID)
	assert.Equal(t, int64(42), *subUp.UserID)
	assert.Nil(t, out.Customer, "no customer reconciled from the event itself")
	assert.True(t, out.SubscriptionUpserted)
}

func TestReconcile_OwnerInheritedFromExistingRow(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "subscription.canceled",
		"id": "evt_5",
		"data": {"id": "sub_3", "status": "canceled"}
	}`)

	subs.On("FindByPolarID", mock.Anything, "sub_3").
		Return(&types.Subscription{ID: "s-3", PolarSubscriptionID: "sub_3", CustomerID: "c-3"}, nil)

	var subUp types.SubscriptionUpsert
	subs.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.SubscriptionUpsert) bool {
		subUp = up
		return true
	})).Return(&types.Subscription{ID: "s-3", PolarSubscriptionID: "sub_3", CustomerID: "c-3"}, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "c-3", subUp.CustomerID)
	require.NotNil(t, subUp.Status)
	assert.Equal(t, "canceled", *subUp.Status)

	// The provider omitted canceled_at; the cancellation event stamps it.
	require.NotNil(t, subUp.CanceledAt)
	assert.Equal(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC), *subUp.CanceledAt)
}

func TestReconcile_MetadataMergeOrder(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "order.paid",
		"id": "evt_6",
		"data": {
			"metadata": {"plan": "top"},
			"subscription": {
				"id": "sub_4",
				"customer_id": "cus_9",
				"metadata": {"plan": "nested", "source": "nested"}
			}
		}
	}`)

	subs.On("FindByPolarID", mock.Anything, "sub_4").Return(&types.Subscription{
		ID:                  "s-4",
		PolarSubscriptionID: "sub_4",
		CustomerID:          "c-9",
		Metadata:            types.Metadata{"plan": "stored", "keep": "stored"},
	}, nil)
	customers.On("FindByPolarID", mock.Anything, "cus_9").
		Return(&types.Customer{ID: "c-9", PolarCustomerID: "cus_9"}, nil)

	var subUp types.SubscriptionUpsert
	subs.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.SubscriptionUpsert) bool {
		subUp = up
		return true
	})).Return(&types.Subscription{ID: "s-4"}, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "top", subUp.Metadata["plan"], "incoming top-level wins over nested and stored")
	assert.Equal(t, "nested", subUp.Metadata["source"], "nested keys survive when not overridden")
	assert.Equal(t, "stored", subUp.Metadata["keep"], "stored keys survive when not overridden")
	assert.Equal(t, "order.paid", subUp.Metadata["webhookType"], "synthetic tag wins last")
}

func TestReconcile_CustomerMatchedByEmailKeepsProviderID(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "customer.updated",
		"id": "evt_7",
		"data": {"email": "Known@Example.com", "name": "Known"}
	}`)

	customers.On("FindByEmail", mock.Anything, "known@example.com").
		Return(&types.Customer{ID: "c-k", PolarCustomerID: "cus_known"}, nil)

	var custUp types.CustomerUpsert
	customers.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.CustomerUpsert) bool {
		custUp = up
		return true
	})).Return(&types.Customer{ID: "c-k", PolarCustomerID: "cus_known"}, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, "cus_known", custUp.PolarCustomerID)
	customers.AssertNotCalled(t, "FindByPolarID", mock.Anything, mock.Anything)
}

func TestReconcile_UnidentifiableCustomerIsNoOp(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{"type": "checkout.created", "id": "evt_8", "data": {"id": "co_1"}}`)

	out, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	assert.Nil(t, out.Customer)
	assert.Nil(t, out.Subscription)
	customers.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestReconcile_UserLinkageResolved(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	users := new(mockUserStore)
	r := newTestReconciler(customers, subs, users)

	ev := mustEvent(t, `{
		"type": "customer.created",
		"id": "evt_9",
		"data": {"id": "cus_5", "email": "u@e.com", "metadata": {"user_id": "42"}}
	}`)

	customers.On("FindByPolarID", mock.Anything, "cus_5").Return(nil, nil)
	customers.On("FindByEmail", mock.Anything, "u@e.com").Return(nil, nil)
	users.On("GetByID", mock.Anything, int64(42)).Return(&types.User{ID: 42, Email: "u@e.com"}, nil)

	var custUp types.CustomerUpsert
	customers.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.CustomerUpsert) bool {
		custUp = up
		return true
	})).Return(&types.Customer{ID: "c-5", PolarCustomerID: "cus_5"}, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err)

	require.NotNil(t, custUp.UserID)
	assert.Equal(t, int64(42), *custUp.UserID)
}

func TestReconcile_UserLinkageSoftFails(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	users := new(mockUserStore)
	r := newTestReconciler(customers, subs, users)

	ev := mustEvent(t, `{
		"type": "customer.created",
		"id": "evt_10",
		"data": {"id": "cus_6", "metadata": {"user_id": "99"}}
	}`)

	customers.On("FindByPolarID", mock.Anything, "cus_6").Return(nil, nil)
	users.On("GetByID", mock.Anything, int64(99)).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))

	var custUp types.CustomerUpsert
	customers.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.CustomerUpsert) bool {
		custUp = up
		return true
	})).Return(&types.Customer{ID: "c-6", PolarCustomerID: "cus_6"}, nil)

	_, err := r.Reconcile(context.Background(), ev)
	require.NoError(t, err, "a dangling user reference never fails the event")
	assert.Nil(t, custUp.UserID)
}

func TestReconcile_IntervalNormalization(t *testing.T) {
	tests := []struct {
		raw  string
		want types.Interval
	}{
		{"month", types.IntervalMonthly},
		{"monthly", types.IntervalMonthly},
		{"year", types.IntervalAnnual},
		{"Yearly", types.IntervalAnnual},
		{"annual", types.IntervalAnnual},
		{"weird", types.IntervalMonthly},
		{"", types.IntervalMonthly},
	}

	for _, tt := range tests {
		t.Run("interval_"+tt.raw, func(t *testing.T) {
			customers := new(mockCustomerStore)
			subs := new(mockSubscriptionStore)
			r := newTestReconciler(customers, subs, nil)

			ev := mustEvent(t, `{
				"type": "subscription.updated",
				"id": "evt_i",
				"data": {"id": "sub_i", "customer_id": "cus_9", "interval": "`+tt.raw+`"}
			}`)

			customers.On("FindByPolarID", mock.Anything, "cus_9").
				Return(&types.Customer{ID: "c-9", PolarCustomerID: "cus_9"}, nil)
			customers.On("Upsert", mock.Anything, mock.Anything).
				Return(&types.Customer{ID: "c-9", PolarCustomerID: "cus_9"}, nil)
			subs.On("FindByPolarID", mock.Anything, "sub_i").Return(nil, nil)

			var subUp types.SubscriptionUpsert
			subs.On("Upsert", mock.Anything, mock.MatchedBy(func(up types.SubscriptionUpsert) bool {
				subUp = up
				return true
			})).Return(&types.Subscription{ID: "s-i"}, nil)

			_, err := r.Reconcile(context.Background(), ev)
			require.NoError(t, err)
			require.NotNil(t, subUp.Interval)
			assert.Equal(t, tt.want, *subUp.Interval)
		})
	}
}

func TestReconcile_StoreErrorAborts(t *testing.T) {
	customers := new(mockCustomerStore)
	subs := new(mockSubscriptionStore)
	r := newTestReconciler(customers, subs, nil)

	ev := mustEvent(t, `{
		"type": "customer.updated",
		"id": "evt_11",
		"data": {"id": "cus_1"}
	}`)

	dbErr := types.NewAppError(types.ErrCodeInternalDB, "boom", nil)
	customers.On("FindByPolarID", mock.Anything, "cus_1").Return(nil, dbErr)

	_, err := r.Reconcile(context.Background(), ev)
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
