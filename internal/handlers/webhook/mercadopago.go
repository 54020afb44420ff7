// internal/handlers/webhook/mercadopago.go
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/service/reconcile"
	"billing-service/internal/service/resolver"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type mercadoPagoNotification struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// MercadoPago handles POST /webhooks/mercadopago
func (h *WebhookHandler) MercadoPago(c *gin.Context) {
	tr := h.newTrace(subscription.ProviderMercadoPago)
	defer tr.finish()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		tr.result = resultError
		tr.with(zap.Error(err))
		ack(c, http.StatusOK, resultError)
		return
	}

	var n mercadoPagoNotification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			tr.result = resultMalformed
			tr.with(zap.Error(err))
			ack(c, http.StatusBadRequest, "malformed payload")
			return
		}
	}

	kind := firstNonEmpty(n.Type, n.Topic, c.Query("type"), c.Query("topic"))
	paymentID := firstNonEmpty(string(n.Data.ID), c.Query("data.id"), c.Query("id"))
	tr.with(zap.String("type", kind), zap.String("action", n.Action), zap.String("payment_id", paymentID))

	if kind != "payment" || paymentID == "" {
		ack(c, http.StatusOK, resultIgnored)
		return
	}

	if h.mpVerifier != nil && !h.mpVerifier.VerifySignature(c.GetHeader("x-signature"), c.GetHeader("x-request-id"), paymentID) {
		tr.result = resultInvalidSignature
		ack(c, http.StatusOK, resultIgnored)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.processMercadoPago(ctx, tr, paymentID); err != nil {
		tr.result = resultError
		tr.with(zap.Error(err))
		ack(c, http.StatusOK, resultError)
		return
	}

	tr.result = resultProcessed
	ack(c, http.StatusOK, resultProcessed)
}

func (h *WebhookHandler) processMercadoPago(ctx context.Context, tr *trace, paymentID string) error {
	adapter, err := h.providers.Get(subscription.ProviderMercadoPago)
	if err != nil {
		return err
	}

	payment, err := adapter.FetchPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	tr.with(zap.String("outcome_at_provider", string(payment.Outcome)))

	return h.apply(ctx, tr, reconcile.Event{
		Provider: subscription.ProviderMercadoPago,
		Payment:  payment,
		Query: resolver.Query{
			ProviderSubscriptionID: payment.ProviderSubscriptionID,
			EstablishmentID:        payment.Metadata[reconcile.MetaEstablishmentID],
			CustomerID:             firstNonEmpty(payment.Metadata[reconcile.MetaUserID], payment.CustomerID),
		},
	})
}

func ack(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
