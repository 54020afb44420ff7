// Package mercadopago adapts the Mercado Pago REST API, the redirect and
// preference based provider.
package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/httpclient"
	"billing-service/internal/provider"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const providerName = string(subscription.ProviderMercadoPago)

type Config struct {
	BaseURL         string
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	BackURL         string
	Currency        string
}

type Client struct {
	cfg Config
	// queries never self-retry; the provider redelivers webhooks
	queries httpclient.Client
	// commands retry transient failures, guarded by idempotency keys
	commands httpclient.Client
	logger   *zap.Logger
}

var _ provider.Adapter = (*Client)(nil)

func NewClient(cfg Config, queries, commands httpclient.Client, logger *zap.Logger) *Client {
	return &Client{
		cfg:      cfg,
		queries:  queries,
		commands: commands,
		logger:   logger.With(zap.String("provider", providerName)),
	}
}

func (c *Client) Name() subscription.Provider {
	return subscription.ProviderMercadoPago
}

// FetchPayment retrieves the authoritative payment state.
func (c *Client) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "payment id is required")
	}

	resp, err := c.queries.Send(ctx, &httpclient.Request{
		Method:  http.MethodGet,
		URL:     c.url("/v1/payments/%s", id),
		Headers: c.headers(""),
	})
	if err != nil {
		return nil, c.providerError("fetch_payment", err)
	}

	var p paymentResponse
	if err := resp.Decode(&p); err != nil {
		return nil, xerrors.NewProviderError(providerName, "fetch_payment", resp.StatusCode, "", fmt.Errorf("decode payment: %w", err))
	}

	metadata := stringMetadata(p.Metadata)
	subscriptionID := p.PointOfInteraction.TransactionData.SubscriptionID
	if subscriptionID == "" {
		subscriptionID = metadata["preapproval_id"]
	}

	return &provider.Payment{
		ID:                     p.ID.String(),
		Status:                 p.Status,
		Outcome:                mapStatus(p.Status),
		Amount:                 p.TransactionAmount,
		ExternalReference:      p.ExternalReference,
		Metadata:               metadata,
		ProviderSubscriptionID: subscriptionID,
		CustomerID:             p.Payer.ID.String(),
	}, nil
}

// CreatePreference creates a checkout preference the payer is redirected to.
func (c *Client) CreatePreference(ctx context.Context, plan provider.PlanInfo) (*provider.Preference, error) {
	req := preferenceRequest{
		Items: []preferenceItem{{
			ID:         plan.PlanID,
			Title:      plan.Title,
			Quantity:   1,
			UnitPrice:  plan.Amount.InexactFloat64(),
			CurrencyID: strings.ToUpper(c.currency(plan)),
		}},
		ExternalReference: plan.ExternalReference,
		NotificationURL:   c.cfg.NotificationURL,
		Metadata:          plan.Metadata,
	}
	if plan.PayerEmail != "" {
		req.Payer = &payer{Email: plan.PayerEmail}
	}
	if c.cfg.BackURL != "" {
		req.BackURLs = &backURLs{Success: c.cfg.BackURL, Failure: c.cfg.BackURL, Pending: c.cfg.BackURL}
		req.AutoReturn = "approved"
	}

	resp, err := c.queries.Send(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.url("/checkout/preferences"),
		Headers: c.headers(ulid.Make().String()),
		Body:    req,
	})
	if err != nil {
		return nil, c.providerError("create_preference", err)
	}

	var out preferenceResponse
	if err := resp.Decode(&out); err != nil {
		return nil, xerrors.NewProviderError(providerName, "create_preference", resp.StatusCode, "", err)
	}

	return &provider.Preference{ID: out.ID, CheckoutURL: out.InitPoint}, nil
}

// CreatePixPayment opens an instant-payment charge and returns its QR code.
func (c *Client) CreatePixPayment(ctx context.Context, plan provider.PlanInfo) (*provider.PixPayment, error) {
	if plan.PayerEmail == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "payer email is required for pix")
	}

	p, err := c.createPayment(ctx, "create_pix_payment", paymentRequest{
		TransactionAmount: plan.Amount.InexactFloat64(),
		Description:       plan.Title,
		PaymentMethodID:   "pix",
		Payer:             &payer{Email: plan.PayerEmail},
		ExternalReference: plan.ExternalReference,
		NotificationURL:   c.cfg.NotificationURL,
		Metadata:          plan.Metadata,
	})
	if err != nil {
		return nil, err
	}

	return &provider.PixPayment{
		ID:     p.ID.String(),
		QRCode: p.PointOfInteraction.TransactionData.QRCode,
		Status: p.Status,
	}, nil
}

// CreateCharge charges a tokenized card directly.
func (c *Client) CreateCharge(ctx context.Context, req provider.ChargeRequest) (*provider.Charge, error) {
	if req.PaymentMethodID == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "card token is required")
	}

	body := paymentRequest{
		TransactionAmount: req.Amount.InexactFloat64(),
		Description:       req.Title,
		Token:             req.PaymentMethodID,
		Installments:      1,
		ExternalReference: req.ExternalReference,
		NotificationURL:   c.cfg.NotificationURL,
		Metadata:          req.Metadata,
	}
	if req.PayerEmail != "" {
		body.Payer = &payer{Email: req.PayerEmail}
	}

	p, err := c.createPayment(ctx, "create_charge", body)
	if err != nil {
		return nil, err
	}

	return &provider.Charge{ID: p.ID.String(), Status: p.Status}, nil
}

// Suspend pauses the recurring preapproval.
func (c *Client) Suspend(ctx context.Context, providerSubscriptionID string) error {
	return c.updatePreapproval(ctx, "suspend", providerSubscriptionID, "paused")
}

// Cancel terminates the recurring preapproval.
func (c *Client) Cancel(ctx context.Context, providerSubscriptionID string) error {
	return c.updatePreapproval(ctx, "cancel", providerSubscriptionID, "cancelled")
}

// ========== Helper Methods ==========

func (c *Client) createPayment(ctx context.Context, op string, body paymentRequest) (*paymentResponse, error) {
	resp, err := c.queries.Send(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.url("/v1/payments"),
		Headers: c.headers(ulid.Make().String()),
		Body:    body,
	})
	if err != nil {
		return nil, c.providerError(op, err)
	}

	var p paymentResponse
	if err := resp.Decode(&p); err != nil {
		return nil, xerrors.NewProviderError(providerName, op, resp.StatusCode, "", err)
	}
	return &p, nil
}

func (c *Client) updatePreapproval(ctx context.Context, op, id, status string) error {
	if id == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "provider subscription id is required")
	}

	_, err := c.commands.Send(ctx, &httpclient.Request{
		Method:  http.MethodPut,
		URL:     c.url("/preapproval/%s", id),
		Headers: c.headers(ulid.Make().String()),
		Body:    preapprovalUpdate{Status: status},
	})
	if err != nil {
		perr := c.providerError(op, err)
		if xerrors.Is(perr, xerrors.ErrNotFound) {
			// nothing left to stop on the provider side
			c.logger.Warn("preapproval not found, treating as done",
				zap.String("op", op),
				zap.String("provider_subscription_id", id),
			)
			return nil
		}
		return perr
	}

	c.logger.Info("preapproval updated",
		zap.String("provider_subscription_id", id),
		zap.String("status", status),
	)
	return nil
}

func (c *Client) providerError(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		perr := xerrors.NewProviderError(providerName, op, se.StatusCode, string(se.Body), nil)
		if se.StatusCode == http.StatusNotFound {
			return xerrors.Mark(perr, xerrors.ErrNotFound)
		}
		return perr
	}
	return xerrors.NewProviderError(providerName, op, 0, "", err)
}

func (c *Client) url(format string, args ...string) string {
	escaped := make([]interface{}, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(a)
	}
	return c.cfg.BaseURL + fmt.Sprintf(format, escaped...)
}

func (c *Client) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + c.cfg.AccessToken}
	if idempotencyKey != "" {
		h["X-Idempotency-Key"] = idempotencyKey
	}
	return h
}

func (c *Client) currency(plan provider.PlanInfo) string {
	if plan.Currency != "" {
		return plan.Currency
	}
	return c.cfg.Currency
}

func mapStatus(status string) provider.Outcome {
	switch status {
	case "approved", "authorized":
		return provider.OutcomeSucceeded
	case "rejected", "cancelled", "refunded", "charged_back":
		return provider.OutcomeFailed
	default:
		return provider.OutcomePending
	}
}
