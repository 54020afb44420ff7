package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/provider/providertest"
	"billing-service/internal/repository/memory"
	"billing-service/internal/service/reconcile"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	mp     *providertest.MockAdapter
	stripe *providertest.MockAdapter
	router *gin.Engine
}

type fakeStripeVerifier struct{ err error }

func (f fakeStripeVerifier) VerifySignature(payload []byte, header string) error { return f.err }

type fakeMPVerifier struct{ ok bool }

func (f fakeMPVerifier) VerifySignature(signature, requestID, dataID string) bool { return f.ok }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	store.SetClock(func() time.Time { return now })
	mp := providertest.NewMockAdapter(subscription.ProviderMercadoPago)
	st := providertest.NewMockAdapter(subscription.ProviderStripe)

	logger := zaptest.NewLogger(t)
	engine := reconcile.New(store, nil, reconcile.Options{Now: func() time.Time { return now }}, logger)
	h := NewWebhookHandler(provider.NewRegistry(mp, st), engine, time.Second, logger, opts...)

	r := gin.New()
	r.POST("/webhooks/mercadopago", h.MercadoPago)
	r.POST("/webhooks/stripe", h.Stripe)

	return &fixture{store: store, mp: mp, stripe: st, router: r}
}

func (f *fixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestMercadoPago_CreatesSubscriptionFromVerifiedPayment(t *testing.T) {
	f := newFixture(t)
	f.mp.SetPayment("123", &provider.Payment{
		ID:                "123",
		Status:            "approved",
		Outcome:           provider.OutcomeSucceeded,
		Amount:            decimal.RequireFromString("29.90"),
		ExternalReference: "establishment:e-1:pro",
	})

	w := f.post("/webhooks/mercadopago", `{"action":"payment.created","type":"payment","data":{"id":"123"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"processed"}`, w.Body.String())
	assert.Equal(t, []string{"123"}, f.mp.Fetched())

	sub, err := f.store.FindLatestByEstablishment(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, "pro", sub.PlanID)

	// the same notification again is a no-op
	w = f.post("/webhooks/mercadopago", `{"type":"payment","data":{"id":123}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	history, err := f.store.ListHistory(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMercadoPago_AckWithoutProcessing(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"non payment type", "/webhooks/mercadopago", `{"type":"plan","data":{"id":"1"}}`, http.StatusOK},
		{"missing id", "/webhooks/mercadopago", `{"type":"payment","data":{}}`, http.StatusOK},
		{"malformed json", "/webhooks/mercadopago", `{"type":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
	assert.Empty(t, f.mp.Fetched())
}

func TestMercadoPago_QueryParameters(t *testing.T) {
	f := newFixture(t)
	f.mp.SetPayment("77", &provider.Payment{ID: "77", Status: "in_process", Outcome: provider.OutcomePending})

	w := f.post("/webhooks/mercadopago?topic=payment&id=77", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"77"}, f.mp.Fetched())
}

func TestMercadoPago_ProviderErrorStillAcks(t *testing.T) {
	f := newFixture(t)
	f.mp.FetchErr = xerrors.NewProviderError("mercadopago", "fetch_payment", 0, "", errors.New("timeout"))

	w := f.post("/webhooks/mercadopago", `{"type":"payment","data":{"id":"9"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"error"}`, w.Body.String())
}

func TestMercadoPago_InvalidSignatureIgnored(t *testing.T) {
	f := newFixture(t, WithMercadoPagoVerifier(fakeMPVerifier{ok: false}))

	w := f.post("/webhooks/mercadopago", `{"type":"payment","data":{"id":"9"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.mp.Fetched())
}

func TestStripe_RecoversLapsedSubscription(t *testing.T) {
	f := newFixture(t)
	seeded := f.store.Put(&subscription.Subscription{
		EstablishmentID:        sql.NullString{String: "e-1", Valid: true},
		PlanID:                 "pro",
		Provider:               subscription.ProviderStripe,
		ProviderSubscriptionID: sql.NullString{String: "sub_abc", Valid: true},
		Status:                 subscription.StatusPastDue,
		CurrentPeriodEnd:       now.Add(-5 * 24 * time.Hour),
		RetryCount:             1,
	})
	f.stripe.SetPayment("sub_abc", &provider.Payment{
		ID: "in_1", Status: "paid", Outcome: provider.OutcomeSucceeded,
		Amount: decimal.RequireFromString("49.90"), ProviderSubscriptionID: "sub_abc",
	})

	w := f.post("/webhooks/stripe", `{"event":"invoice.payment_succeeded","data":{"subscription_id":"sub_abc","customer_id":"cus_1"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	sub, err := f.store.FindByID(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Zero(t, sub.RetryCount)
	assert.True(t, now.Add(30*24*time.Hour).Equal(sub.CurrentPeriodEnd))
}

func TestStripe_FallsBackToSubscriptionWhenInvoiceUnknown(t *testing.T) {
	f := newFixture(t)
	f.stripe.SetPayment("sub_abc", &provider.Payment{ID: "in_2", Status: "open", Outcome: provider.OutcomeFailed, ProviderSubscriptionID: "sub_abc"})

	w := f.post("/webhooks/stripe", `{"type":"invoice.payment_failed","data":{"object":{"id":"in_missing","subscription":"sub_abc","customer":"cus_1"}}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, []string{"in_missing", "sub_abc"}, f.stripe.Fetched())
}

func TestStripe_Responses(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		body string
		want string
	}{
		{"other event", nil, `{"event":"customer.created","data":{"id":"cus_1"}}`, "IGNORED"},
		{"no identifiers", nil, `{"event":"invoice.payment_failed","invoice":{}}`, "IGNORED"},
		{"malformed", nil, `not json`, "ERROR"},
		{"bad signature", []Option{WithStripeVerifier(fakeStripeVerifier{err: errors.New("bad sig")})}, `{"event":"invoice.payment_failed","invoice":{"id":"in_1"}}`, "IGNORED"},
		{"fetch failure", nil, `{"event":"invoice.payment_failed","invoice":{"id":"in_404"}}`, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			w := f.post("/webhooks/stripe", tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Body.String())
		})
	}
}

func TestFlexibleID(t *testing.T) {
	var v struct {
		A flexibleID `json:"a"`
		B flexibleID `json:"b"`
		C flexibleID `json:"c"`
		D flexibleID `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x","b":42,"c":{"id":"sub_1"},"d":null}`), &v))
	assert.Equal(t, flexibleID("x"), v.A)
	assert.Equal(t, flexibleID("42"), v.B)
	assert.Equal(t, flexibleID("sub_1"), v.C)
	assert.Equal(t, flexibleID(""), v.D)
}
