package mercadopago

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// paymentResponse is the subset of GET /v1/payments/{id} the engine reads.
type paymentResponse struct {
	ID                 json.Number            `json:"id"`
	Status             string                 `json:"status"`
	StatusDetail       string                 `json:"status_detail"`
	TransactionAmount  decimal.Decimal        `json:"transaction_amount"`
	ExternalReference  string                 `json:"external_reference"`
	Metadata           map[string]interface{} `json:"metadata"`
	Payer              payer                  `json:"payer"`
	PointOfInteraction pointOfInteraction     `json:"point_of_interaction"`
}

type payer struct {
	ID    json.Number `json:"id,omitempty"`
	Email string      `json:"email,omitempty"`
}

type pointOfInteraction struct {
	TransactionData transactionData `json:"transaction_data"`
}

type transactionData struct {
	QRCode         string `json:"qr_code"`
	QRCodeBase64   string `json:"qr_code_base64"`
	SubscriptionID string `json:"subscription_id"`
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id,omitempty"`
}

type backURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	Payer             *payer            `json:"payer,omitempty"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          *backURLs         `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type paymentRequest struct {
	TransactionAmount float64           `json:"transaction_amount"`
	Description       string            `json:"description,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
	Token             string            `json:"token,omitempty"`
	Installments      int               `json:"installments,omitempty"`
	Payer             *payer            `json:"payer,omitempty"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type preapprovalUpdate struct {
	Status string `json:"status"`
}

// stringMetadata flattens metadata values, which the API may return as
// numbers or booleans.
func stringMetadata(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = decimal.NewFromFloat(val).String()
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
