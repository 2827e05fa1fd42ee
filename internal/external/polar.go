package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"polarsync/internal/types"
)

// CheckoutParams describes a hosted checkout session to create for a user.
type CheckoutParams struct {
	ProductID          string
	ExternalCustomerID string // internal user id, echoed back in webhooks
	CustomerEmail      string
	CustomerName       string
	SuccessURL         string
	Metadata           types.Metadata
}

// CheckoutSession is the result of creating a hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// CustomerSession is the result of opening a customer portal session.
type CustomerSession struct {
	Token     string
	PortalURL string
}

// PolarClientConfig holds the configuration for creating a PolarClient.
type PolarClientConfig struct {
	AccessToken types.SecretString
	BaseURL     string // override for testing; defaults to config's APIBaseURL
	Logger      *slog.Logger
}

// PolarClient talks to the Polar REST API through BaseClient, so every call
// inherits the circuit breaker, retry, and error mapping behavior. The
// client is injected into handlers as a plain dependency; there is no
// package-level instance.
type PolarClient struct {
	base        *BaseClient
	accessToken types.SecretString
	baseURL     string
	logger      *slog.Logger
}

// NewPolarClient creates a PolarClient. The httpClient timeout bounds each
// individual attempt; retries are governed by the client's RetryPolicy.
func NewPolarClient(httpClient *http.Client, cfg PolarClientConfig) *PolarClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"polar",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"polarsync/1.0",
	)

	return &PolarClient{
		base:        base,
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:      logger,
	}
}

// CreateCheckout creates a hosted checkout session for the given product
// and user. Returns the URL to redirect the user to.
func (c *PolarClient) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	payload := map[string]any{
		"products": []string{params.ProductID},
	}
	if params.ExternalCustomerID != "" {
		payload["external_customer_id"] = params.ExternalCustomerID
	}
	if params.CustomerEmail != "" {
		payload["customer_email"] = params.CustomerEmail
	}
	if params.CustomerName != "" {
		payload["customer_name"] = params.CustomerName
	}
	if params.SuccessURL != "" {
		payload["success_url"] = params.SuccessURL
	}
	if params.Metadata != nil {
		payload["metadata"] = params.Metadata
	}

	var resp struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/v1/checkouts/", payload, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamPolar, "checkout response did not include a url", nil)
	}
	return &CheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

// CreateCustomerSession opens a customer portal session for the given
// provider customer id. Returns the portal URL to redirect the user to.
func (c *PolarClient) CreateCustomerSession(ctx context.Context, polarCustomerID string) (*CustomerSession, error) {
	payload := map[string]any{
		"customer_id": polarCustomerID,
	}

	var resp struct {
		Token             string `json:"token"`
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	if err := c.post(ctx, "/v1/customer-sessions/", payload, &resp); err != nil {
		return nil, err
	}
	if resp.CustomerPortalURL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamPolar, "customer session response did not include a portal url", nil)
	}
	return &CustomerSession{Token: resp.Token, PortalURL: resp.CustomerPortalURL}, nil
}

// post sends an authenticated JSON POST and decodes a 2xx response into
// out. Non-2xx responses are mapped to upstream AppErrors with the Polar
// error body (when parseable) attached as details.
func (c *PolarClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode polar request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build polar request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken.Unmask())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamPolar, "failed to read polar response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		details := map[string]any{"status": resp.StatusCode, "path": path}
		var polarErr map[string]any
		if json.Unmarshal(raw, &polarErr) == nil {
			if detail, ok := polarErr["detail"]; ok {
				details["detail"] = detail
			}
			if errField, ok := polarErr["error"]; ok {
				details["error"] = errField
			}
		}
		c.logger.Warn("polar request rejected",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamPolar,
			fmt.Sprintf("polar returned %d", resp.StatusCode),
			nil,
			details,
		)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return types.NewAppError(types.ErrCodeUpstreamPolar, "failed to decode polar response", err)
		}
	}
	return nil
}
