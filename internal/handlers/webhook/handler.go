// internal/handlers/webhook/handler.go
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/metrics"
	"billing-service/internal/provider"
	"billing-service/internal/service/reconcile"

	"go.uber.org/zap"
)

// Reconciler applies a verified payment.
type Reconciler interface {
	Apply(ctx context.Context, ev reconcile.Event) (*reconcile.Result, error)
}

// MercadoPagoVerifier checks the x-signature header.
type MercadoPagoVerifier interface {
	VerifySignature(signature, requestID, dataID string) bool
}

// StripeVerifier checks the Stripe-Signature header against the raw body.
type StripeVerifier interface {
	VerifySignature(payload []byte, header string) error
}

// WebhookHandler never trusts the notification body: every payment is
// re-fetched from its provider before anything is written. Responses are
// always 2xx so providers do not retry storms into us, except for
// malformed Mercado Pago JSON.
type WebhookHandler struct {
	providers *provider.Registry
	engine    Reconciler
	timeout   time.Duration
	logger    *zap.Logger

	mpVerifier     MercadoPagoVerifier
	stripeVerifier StripeVerifier
}

type Option func(*WebhookHandler)

func WithMercadoPagoVerifier(v MercadoPagoVerifier) Option {
	return func(h *WebhookHandler) { h.mpVerifier = v }
}

func WithStripeVerifier(v StripeVerifier) Option {
	return func(h *WebhookHandler) { h.stripeVerifier = v }
}

func NewWebhookHandler(providers *provider.Registry, engine Reconciler, timeout time.Duration, logger *zap.Logger, opts ...Option) *WebhookHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	h := &WebhookHandler{
		providers: providers,
		engine:    engine,
		timeout:   timeout,
		logger:    logger.Named("webhook"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result labels used in responses, logs and metrics.
const (
	resultProcessed        = "processed"
	resultIgnored          = "ignored"
	resultInvalidSignature = "invalid_signature"
	resultMalformed        = "malformed"
	resultError            = "error"
)

// trace records the single log line and metric every exit path emits.
type trace struct {
	logger   *zap.Logger
	provider subscription.Provider
	start    time.Time
	result   string
	fields   []zap.Field
}

func (h *WebhookHandler) newTrace(p subscription.Provider) *trace {
	return &trace{logger: h.logger, provider: p, start: time.Now(), result: resultIgnored}
}

func (t *trace) with(fields ...zap.Field) {
	t.fields = append(t.fields, fields...)
}

func (t *trace) finish() {
	metrics.WebhooksReceived.WithLabelValues(string(t.provider), t.result).Inc()

	fields := append([]zap.Field{
		zap.String("provider", string(t.provider)),
		zap.String("result", t.result),
		zap.Duration("elapsed", time.Since(t.start)),
	}, t.fields...)

	switch t.result {
	case resultError:
		t.logger.Error("webhook handled", fields...)
	case resultInvalidSignature, resultMalformed:
		t.logger.Warn("webhook handled", fields...)
	default:
		t.logger.Info("webhook handled", fields...)
	}
}

func (h *WebhookHandler) apply(ctx context.Context, tr *trace, ev reconcile.Event) error {
	res, err := h.engine.Apply(ctx, ev)
	if err != nil {
		return err
	}
	tr.with(zap.String("outcome", string(res.Outcome)))
	if res.Subscription != nil {
		tr.with(zap.String("subscription_id", res.Subscription.ID))
	}
	return nil
}

// flexibleID accepts an identifier sent either as a JSON string or number,
// or as an object carrying an "id" field.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
	case b[0] == '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*f = flexibleID(obj.ID)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexibleID(n.String())
	}
	return nil
}
