// internal/handlers/webhook/stripe.go
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/service/reconcile"
	"billing-service/internal/service/resolver"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	stripeInvoicePaymentFailed    = "invoice.payment_failed"
	stripeInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// stripeEnvelope accepts both the native event shape ({type, data:{object}})
// and the flattened one ({event, data|invoice}).
type stripeEnvelope struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Invoice json.RawMessage `json:"invoice"`
}

type stripeInvoice struct {
	ID             flexibleID        `json:"id"`
	SubscriptionID flexibleID        `json:"subscription_id"`
	Subscription   flexibleID        `json:"subscription"`
	CustomerID     flexibleID        `json:"customer_id"`
	Customer       flexibleID        `json:"customer"`
	Metadata       map[string]string `json:"metadata"`
}

func (e stripeEnvelope) kind() string {
	return firstNonEmpty(e.Event, e.Type)
}

func (e stripeEnvelope) invoice() (stripeInvoice, error) {
	var inv stripeInvoice
	raw := e.Invoice
	if len(raw) == 0 {
		raw = e.Data
		var wrapped struct {
			Object json.RawMessage `json:"object"`
		}
		if len(raw) > 0 && json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Object) > 0 {
			raw = wrapped.Object
		}
	}
	if len(raw) == 0 {
		return inv, nil
	}
	err := json.Unmarshal(raw, &inv)
	return inv, err
}

// Stripe handles POST /webhooks/stripe. Replies are plain text OK, IGNORED
// or ERROR, always with status 200.
func (h *WebhookHandler) Stripe(c *gin.Context) {
	tr := h.newTrace(subscription.ProviderStripe)
	defer tr.finish()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		tr.result = resultError
		tr.with(zap.Error(err))
		c.String(http.StatusOK, "ERROR")
		return
	}

	if h.stripeVerifier != nil {
		if err := h.stripeVerifier.VerifySignature(body, c.GetHeader("Stripe-Signature")); err != nil {
			tr.result = resultInvalidSignature
			tr.with(zap.Error(err))
			c.String(http.StatusOK, "IGNORED")
			return
		}
	}

	var env stripeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		tr.result = resultMalformed
		tr.with(zap.Error(err))
		c.String(http.StatusOK, "ERROR")
		return
	}

	kind := env.kind()
	tr.with(zap.String("event", kind))
	if kind != stripeInvoicePaymentFailed && kind != stripeInvoicePaymentSucceeded {
		c.String(http.StatusOK, "IGNORED")
		return
	}

	inv, err := env.invoice()
	if err != nil {
		tr.result = resultMalformed
		tr.with(zap.Error(err))
		c.String(http.StatusOK, "ERROR")
		return
	}

	q := resolver.Query{
		Provider:               subscription.ProviderStripe,
		ProviderSubscriptionID: firstNonEmpty(string(inv.SubscriptionID), string(inv.Subscription)),
		CustomerID:             firstNonEmpty(string(inv.CustomerID), string(inv.Customer)),
		EstablishmentID:        inv.Metadata[reconcile.MetaEstablishmentID],
	}
	invoiceID := string(inv.ID)
	tr.with(
		zap.String("invoice_id", invoiceID),
		zap.String("provider_subscription_id", q.ProviderSubscriptionID),
	)

	if invoiceID == "" && q.ProviderSubscriptionID == "" {
		c.String(http.StatusOK, "IGNORED")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.processStripe(ctx, tr, invoiceID, q); err != nil {
		tr.result = resultError
		tr.with(zap.Error(err))
		c.String(http.StatusOK, "ERROR")
		return
	}

	tr.result = resultProcessed
	c.String(http.StatusOK, "OK")
}

func (h *WebhookHandler) processStripe(ctx context.Context, tr *trace, invoiceID string, q resolver.Query) error {
	adapter, err := h.providers.Get(subscription.ProviderStripe)
	if err != nil {
		return err
	}

	payment, err := h.fetchStripePayment(ctx, adapter, invoiceID, q.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	tr.with(zap.String("outcome_at_provider", string(payment.Outcome)))

	return h.apply(ctx, tr, reconcile.Event{
		Provider: subscription.ProviderStripe,
		Payment:  payment,
		Query:    q,
	})
}

// fetchStripePayment prefers the invoice and falls back to the
// subscription's latest invoice when the invoice is unknown or absent.
func (h *WebhookHandler) fetchStripePayment(ctx context.Context, adapter provider.Adapter, invoiceID, subscriptionID string) (*provider.Payment, error) {
	if invoiceID != "" {
		payment, err := adapter.FetchPayment(ctx, invoiceID)
		if err == nil || subscriptionID == "" || !xerrors.Is(err, xerrors.ErrNotFound) {
			return payment, err
		}
		h.logger.Info("invoice not found, trying subscription", zap.String("invoice_id", invoiceID))
	}
	return adapter.FetchPayment(ctx, subscriptionID)
}
