package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/response"
	"billing-service/internal/provider"
	"billing-service/internal/provider/providertest"
	service "billing-service/internal/service/checkout"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setup(t *testing.T) (*gin.Engine, *providertest.MockAdapter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mp := providertest.NewMockAdapter(subscription.ProviderMercadoPago)
	svc := service.NewCheckoutService(provider.NewRegistry(mp), "brl", zaptest.NewLogger(t))
	h := NewCheckoutHandler(svc)

	r := gin.New()
	g := r.Group("/api/v1/checkout/:provider")
	g.POST("/preference", h.CreatePreference)
	g.POST("/pix", h.CreatePixPayment)
	g.POST("/charge", h.CreateCharge)
	return r, mp
}

func post(r *gin.Engine, path, body string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCreatePreference(t *testing.T) {
	r, mp := setup(t)

	w, resp := post(r, "/api/v1/checkout/mercadopago/preference",
		`{"plan_id":"pro","establishment_id":"e-1","amount":"29.90","payer_email":"owner@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pref-pro", data["id"])
	assert.Equal(t, "https://checkout.example/pro", data["checkout_url"])

	require.Len(t, mp.Preferences, 1)
	plan := mp.Preferences[0]
	assert.Equal(t, "establishment:e-1:pro", plan.ExternalReference)
	assert.Equal(t, "Subscription pro", plan.Title)
	assert.Equal(t, "brl", plan.Currency)
	assert.Equal(t, "e-1", plan.Metadata["establishment_id"])
	assert.Equal(t, "pro", plan.Metadata["plan_id"])
}

func TestCreatePixAndCharge(t *testing.T) {
	r, mp := setup(t)

	w, _ := post(r, "/api/v1/checkout/mercadopago/pix", `{"plan_id":"pro","user_id":"u-1","amount":"10"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, mp.PixPayments, 1)
	assert.Equal(t, "user:u-1:pro", mp.PixPayments[0].ExternalReference)

	w, _ = post(r, "/api/v1/checkout/mercadopago/charge", `{"plan_id":"pro","user_id":"u-1","amount":"10","payment_method_id":"pm_1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, mp.Charges, 1)
	assert.Equal(t, "pm_1", mp.Charges[0].PaymentMethodID)
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"unknown provider", "/api/v1/checkout/paypal/preference", `{"plan_id":"pro","user_id":"u-1"}`, nil, http.StatusNotFound},
		{"provider not configured", "/api/v1/checkout/stripe/preference", `{"plan_id":"pro","user_id":"u-1"}`, nil, http.StatusNotFound},
		{"missing owner", "/api/v1/checkout/mercadopago/preference", `{"plan_id":"pro"}`, nil, http.StatusBadRequest},
		{"malformed body", "/api/v1/checkout/mercadopago/preference", `{`, nil, http.StatusBadRequest},
		{"negative amount", "/api/v1/checkout/mercadopago/preference", `{"plan_id":"pro","user_id":"u-1","amount":"-1"}`, nil, http.StatusBadRequest},
		{"pix without amount", "/api/v1/checkout/mercadopago/pix", `{"plan_id":"pro","user_id":"u-1"}`, nil, http.StatusBadRequest},
		{"charge without method", "/api/v1/checkout/mercadopago/charge", `{"plan_id":"pro","user_id":"u-1","amount":"5"}`, nil, http.StatusBadRequest},
		{
			"provider rejects", "/api/v1/checkout/mercadopago/preference", `{"plan_id":"pro","user_id":"u-1"}`,
			xerrors.NewProviderError("mercadopago", "create_preference", http.StatusBadRequest, "", errors.New("invalid payer")),
			http.StatusUnprocessableEntity,
		},
		{
			"provider down", "/api/v1/checkout/mercadopago/preference", `{"plan_id":"pro","user_id":"u-1"}`,
			xerrors.NewProviderError("mercadopago", "create_preference", http.StatusServiceUnavailable, "", nil),
			http.StatusBadGateway,
		},
		{
			"unsupported", "/api/v1/checkout/mercadopago/preference", `{"plan_id":"pro","user_id":"u-1"}`,
			xerrors.Wrap(xerrors.ErrUnsupported, "no preferences"),
			http.StatusNotImplemented,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mp := setup(t)
			mp.CheckoutErr = tt.err

			w, resp := post(r, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.False(t, resp.Success)
		})
	}
}
