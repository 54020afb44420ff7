// Package stripe adapts the Stripe API, the direct-charge and
// subscription based provider.
package stripe

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"

	"github.com/shopspring/decimal"
	stripesdk "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentintent"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const providerName = string(subscription.ProviderStripe)

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
	Timeout       time.Duration
	MaxRetries    int
}

type Client struct {
	cfg Config

	invoices       invoice.Client
	subscriptions  stripesub.Client
	paymentIntents paymentintent.Client
	sessions       session.Client
	// commands retries transient failures; Stripe dedupes with idempotency keys
	commands stripesub.Client

	logger *zap.Logger
}

var _ provider.Adapter = (*Client)(nil)

func NewClient(cfg Config, logger *zap.Logger) *Client {
	logger = logger.With(zap.String("provider", providerName))
	queries := newBackend(cfg, 0, logger)
	commands := newBackend(cfg, cfg.MaxRetries, logger)

	return &Client{
		cfg:            cfg,
		invoices:       invoice.Client{B: queries, Key: cfg.SecretKey},
		subscriptions:  stripesub.Client{B: queries, Key: cfg.SecretKey},
		paymentIntents: paymentintent.Client{B: queries, Key: cfg.SecretKey},
		sessions:       session.Client{B: queries, Key: cfg.SecretKey},
		commands:       stripesub.Client{B: commands, Key: cfg.SecretKey},
		logger:         logger,
	}
}

func newBackend(cfg Config, retries int, logger *zap.Logger) stripesdk.Backend {
	bc := &stripesdk.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripesdk.Int64(int64(retries)),
		LeveledLogger:     logger.Named("sdk").Sugar(),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripesdk.String(cfg.BaseURL)
	}
	return stripesdk.GetBackendWithConfig(stripesdk.APIBackend, bc)
}

func (c *Client) Name() subscription.Provider {
	return subscription.ProviderStripe
}

// FetchPayment accepts an invoice id, or a subscription id ("sub_...")
// which resolves to the subscription's latest invoice.
func (c *Client) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "payment id is required")
	}

	if strings.HasPrefix(id, "sub_") {
		return c.fetchBySubscription(ctx, id)
	}

	params := &stripesdk.InvoiceParams{}
	params.Context = ctx
	inv, err := c.invoices.Get(id, params)
	if err != nil {
		return nil, providerError("fetch_payment", err)
	}

	return invoicePayment(inv), nil
}

func (c *Client) fetchBySubscription(ctx context.Context, id string) (*provider.Payment, error) {
	params := &stripesdk.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice")

	sub, err := c.subscriptions.Get(id, params)
	if err != nil {
		return nil, providerError("fetch_payment", err)
	}
	if sub.LatestInvoice == nil {
		return nil, xerrors.Mark(
			xerrors.NewProviderError(providerName, "fetch_payment", http.StatusNotFound, "", errors.New("subscription has no invoice")),
			xerrors.ErrNotFound,
		)
	}

	p := invoicePayment(sub.LatestInvoice)
	p.ProviderSubscriptionID = sub.ID
	for k, v := range sub.Metadata {
		if _, ok := p.Metadata[k]; !ok {
			p.Metadata[k] = v
		}
	}
	if p.CustomerID == "" && sub.Customer != nil {
		p.CustomerID = sub.Customer.ID
	}
	return p, nil
}

// CreatePreference opens a hosted Checkout Session for a catalog price.
func (c *Client) CreatePreference(ctx context.Context, plan provider.PlanInfo) (*provider.Preference, error) {
	if plan.PriceID == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "price id is required for stripe checkout")
	}

	params := &stripesdk.CheckoutSessionParams{
		Mode:              stripesdk.String(string(stripesdk.CheckoutSessionModeSubscription)),
		SuccessURL:        stripesdk.String(c.cfg.SuccessURL),
		CancelURL:         stripesdk.String(c.cfg.CancelURL),
		ClientReferenceID: stripesdk.String(plan.ExternalReference),
		LineItems: []*stripesdk.CheckoutSessionLineItemParams{{
			Price:    stripesdk.String(plan.PriceID),
			Quantity: stripesdk.Int64(1),
		}},
		SubscriptionData: &stripesdk.CheckoutSessionSubscriptionDataParams{
			Metadata: withReference(plan),
		},
	}
	if plan.CustomerID != "" {
		params.Customer = stripesdk.String(plan.CustomerID)
	} else if plan.PayerEmail != "" {
		params.CustomerEmail = stripesdk.String(plan.PayerEmail)
	}
	params.Context = ctx
	for k, v := range withReference(plan) {
		params.AddMetadata(k, v)
	}

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, providerError("create_preference", err)
	}

	return &provider.Preference{ID: s.ID, CheckoutURL: s.URL}, nil
}

// CreatePixPayment is not offered by this provider.
func (c *Client) CreatePixPayment(ctx context.Context, plan provider.PlanInfo) (*provider.PixPayment, error) {
	return nil, xerrors.Mark(xerrors.Wrap(xerrors.ErrUnsupported, "stripe does not offer pix"), xerrors.ErrPermanentProvider)
}

// CreateCharge confirms an off-session PaymentIntent on a saved method.
func (c *Client) CreateCharge(ctx context.Context, req provider.ChargeRequest) (*provider.Charge, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "customer id and payment method id are required")
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "amount must be positive")
	}

	params := &stripesdk.PaymentIntentParams{
		Amount:        stripesdk.Int64(req.Amount.Shift(2).Round(0).IntPart()),
		Currency:      stripesdk.String(c.currency(req.PlanInfo)),
		Customer:      stripesdk.String(req.CustomerID),
		PaymentMethod: stripesdk.String(req.PaymentMethodID),
		Confirm:       stripesdk.Bool(true),
		OffSession:    stripesdk.Bool(true),
		Description:   stripesdk.String(req.Title),
	}
	params.Context = ctx
	for k, v := range withReference(req.PlanInfo) {
		params.AddMetadata(k, v)
	}

	pi, err := c.paymentIntents.New(params)
	if err != nil {
		return nil, providerError("create_charge", err)
	}

	return &provider.Charge{ID: pi.ID, Status: string(pi.Status)}, nil
}

// Suspend pauses collection and voids invoices raised while paused.
func (c *Client) Suspend(ctx context.Context, providerSubscriptionID string) error {
	if providerSubscriptionID == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "provider subscription id is required")
	}

	params := &stripesdk.SubscriptionParams{
		PauseCollection: &stripesdk.SubscriptionPauseCollectionParams{
			Behavior: stripesdk.String("void"),
		},
	}
	params.Context = ctx

	_, err := c.commands.Update(providerSubscriptionID, params)
	return c.commandResult("suspend", providerSubscriptionID, err)
}

// Cancel cancels the subscription immediately.
func (c *Client) Cancel(ctx context.Context, providerSubscriptionID string) error {
	if providerSubscriptionID == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "provider subscription id is required")
	}

	params := &stripesdk.SubscriptionCancelParams{}
	params.Context = ctx

	_, err := c.commands.Cancel(providerSubscriptionID, params)
	return c.commandResult("cancel", providerSubscriptionID, err)
}

// VerifySignature checks the Stripe-Signature header. It returns nil when no
// webhook secret is configured.
func (c *Client) VerifySignature(payload []byte, header string) error {
	if c.cfg.WebhookSecret == "" {
		return nil
	}
	return webhook.ValidatePayload(payload, header, c.cfg.WebhookSecret)
}

// ========== Helper Methods ==========

func (c *Client) commandResult(op, id string, err error) error {
	if err == nil {
		c.logger.Info("subscription updated", zap.String("op", op), zap.String("provider_subscription_id", id))
		return nil
	}

	perr := providerError(op, err)
	if xerrors.Is(perr, xerrors.ErrNotFound) {
		c.logger.Warn("subscription not found, treating as done",
			zap.String("op", op),
			zap.String("provider_subscription_id", id),
		)
		return nil
	}
	return perr
}

func (c *Client) currency(plan provider.PlanInfo) string {
	if plan.Currency != "" {
		return strings.ToLower(plan.Currency)
	}
	return strings.ToLower(c.cfg.Currency)
}

func withReference(plan provider.PlanInfo) map[string]string {
	md := make(map[string]string, len(plan.Metadata)+2)
	for k, v := range plan.Metadata {
		md[k] = v
	}
	if plan.ExternalReference != "" {
		md["external_reference"] = plan.ExternalReference
	}
	if plan.PlanID != "" {
		md["plan_id"] = plan.PlanID
	}
	return md
}

func invoicePayment(inv *stripesdk.Invoice) *provider.Payment {
	outcome := mapInvoiceStatus(inv)
	p := &provider.Payment{
		ID:       invoiceTransactionID(inv, outcome),
		Status:   string(inv.Status),
		Outcome:  outcome,
		Metadata: make(map[string]string, len(inv.Metadata)),
	}
	for k, v := range inv.Metadata {
		p.Metadata[k] = v
	}
	p.ExternalReference = p.Metadata["external_reference"]

	amount := inv.AmountPaid
	if p.Outcome != provider.OutcomeSucceeded {
		amount = inv.AmountDue
	}
	p.Amount = decimal.New(amount, -2)

	if inv.Customer != nil {
		p.CustomerID = inv.Customer.ID
	}
	return p
}

// invoiceTransactionID keys failures by attempt. Smart retries re-attempt the
// same invoice, so each failed attempt must count once while a paid invoice
// keeps the bare id.
func invoiceTransactionID(inv *stripesdk.Invoice, outcome provider.Outcome) string {
	if outcome != provider.OutcomeFailed || inv.AttemptCount <= 0 {
		return inv.ID
	}
	return inv.ID + ":" + strconv.FormatInt(inv.AttemptCount, 10)
}

func mapInvoiceStatus(inv *stripesdk.Invoice) provider.Outcome {
	switch inv.Status {
	case stripesdk.InvoiceStatusPaid:
		return provider.OutcomeSucceeded
	case stripesdk.InvoiceStatusUncollectible:
		return provider.OutcomeFailed
	case stripesdk.InvoiceStatusOpen:
		if inv.AttemptCount > 0 {
			return provider.OutcomeFailed
		}
	}
	return provider.OutcomePending
}

func providerError(op string, err error) error {
	var se *stripesdk.Error
	if errors.As(err, &se) {
		perr := xerrors.NewProviderError(providerName, op, se.HTTPStatusCode, string(se.Code), se)
		if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripesdk.ErrorCodeResourceMissing {
			return xerrors.Mark(perr, xerrors.ErrNotFound)
		}
		return perr
	}
	return xerrors.NewProviderError(providerName, op, 0, "", err)
}
