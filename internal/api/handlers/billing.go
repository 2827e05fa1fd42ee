package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"polarsync/internal/config"
	"polarsync/internal/core"
	"polarsync/internal/external"
	"polarsync/internal/types"
)

// BillingProvider abstracts the payment provider operations the billing
// handler needs. Implemented by external.PolarClient.
type BillingProvider interface {
	CreateCheckout(ctx context.Context, params external.CheckoutParams) (*external.CheckoutSession, error)
	CreateCustomerSession(ctx context.Context, polarCustomerID string) (*external.CustomerSession, error)
}

// UserReader resolves internal user accounts.
type UserReader interface {
	GetByID(ctx context.Context, id int64) (*types.User, error)
}

// CustomerReader looks up the reconciled customer mirror.
type CustomerReader interface {
	FindByUserID(ctx context.Context, userID int64) (*types.Customer, error)
}

// CreateCheckoutRequest is the request body for POST /v1/billing/checkout.
//
// Success URLs are constructed server-side from the configured site URL to
// prevent open redirects.
type CreateCheckoutRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	Interval string `json:"interval" validate:"required,oneof=monthly annual"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	CheckoutID  string `json:"checkout_id,omitempty"`
}

// CreatePortalRequest is the request body for POST /v1/billing/portal.
type CreatePortalRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// PortalResponse is the response for POST /v1/billing/portal.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// BillingHandler implements the checkout and portal endpoints.
type BillingHandler struct {
	provider  BillingProvider
	users     UserReader
	customers CustomerReader
	cfg       *config.Config
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	provider BillingProvider,
	users UserReader,
	customers CustomerReader,
	cfg *config.Config,
	validate *validator.Validate,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &BillingHandler{
		provider:  provider,
		users:     users,
		customers: customers,
		cfg:       cfg,
		validate:  validate,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Post("/billing/portal", h.CreatePortal)
}

// CreateCheckout creates a hosted checkout session for a user and interval.
// The internal user id is passed through as the provider's external
// customer id so the later webhook can link the resulting customer back.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid checkout request",
			err,
		))
		return
	}

	user, err := h.users.GetByID(ctx, req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	productID := h.cfg.Polar.ProductID(types.Interval(req.Interval))
	if productID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConfigMissing,
			fmt.Sprintf("no product configured for interval %q", req.Interval),
			nil,
		))
		return
	}

	session, err := h.provider.CreateCheckout(ctx, external.CheckoutParams{
		ProductID:          productID,
		ExternalCustomerID: fmt.Sprintf("%d", user.ID),
		CustomerEmail:      user.Email,
		CustomerName:       user.Name,
		SuccessURL:         h.successURL(),
		Metadata: types.Metadata{
			"userId":   user.ID,
			"interval": req.Interval,
		},
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "checkout creation failed",
			"user_id", user.ID,
			"interval", req.Interval,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, CheckoutResponse{
		CheckoutURL: session.URL,
		CheckoutID:  session.ID,
	})
}

// CreatePortal opens a customer portal session for a user's reconciled
// customer. Fails with 404 when no customer has been linked to the user
// yet (no completed checkout, or the webhook has not arrived).
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid portal request",
			err,
		))
		return
	}

	if _, err := h.users.GetByID(ctx, req.UserID); err != nil {
		core.Error(w, r, err)
		return
	}

	customer, err := h.customers.FindByUserID(ctx, req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if customer == nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeBillingCustomerNotFound,
			"no billing customer linked to this user",
			nil,
		))
		return
	}

	session, err := h.provider.CreateCustomerSession(ctx, customer.PolarCustomerID)
	if err != nil {
		h.logger.ErrorContext(ctx, "portal session creation failed",
			"user_id", req.UserID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, PortalResponse{PortalURL: session.PortalURL})
}

func (h *BillingHandler) successURL() string {
	site := strings.TrimSuffix(h.cfg.Server.SiteURL, "/")
	if site == "" {
		return ""
	}
	return site + "/billing/success?checkout_id={CHECKOUT_ID}"
}
