// internal/domain/subscription/dto.go
package subscription

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutRequest starts a payment with a provider on behalf of an owner.
type CheckoutRequest struct {
	PlanID          string `json:"plan_id" binding:"required,max=100"`
	UserID          string `json:"user_id" binding:"required_without=EstablishmentID"`
	EstablishmentID string `json:"establishment_id" binding:"required_without=UserID"`

	// Pricing
	Title  string          `json:"title" binding:"max=255"`
	Amount decimal.Decimal `json:"amount"`

	// Payer
	PayerEmail      string `json:"payer_email" binding:"omitempty,email"`
	CustomerID      string `json:"customer_id"`
	PaymentMethodID string `json:"payment_method_id"`

	// Stripe checkout sessions charge a catalog price
	PriceID string `json:"price_id"`
}

// Owner returns the establishment when given, the user otherwise.
func (r *CheckoutRequest) Owner() Owner {
	if r.EstablishmentID != "" {
		return Owner{Kind: OwnerEstablishment, ID: r.EstablishmentID}
	}
	return Owner{Kind: OwnerUser, ID: r.UserID}
}

type PreferenceResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

type PixResponse struct {
	ID     string `json:"id"`
	QRCode string `json:"qr_code"`
	Status string `json:"status"`
}

type ChargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type SubscriptionResponse struct {
	ID                     string             `json:"id"`
	UserID                 *string            `json:"user_id,omitempty"`
	EstablishmentID        *string            `json:"establishment_id,omitempty"`
	PlanID                 string             `json:"plan_id"`
	Provider               Provider           `json:"provider"`
	ProviderSubscriptionID *string            `json:"provider_subscription_id,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	LastPaymentStatus      *string            `json:"last_payment_status,omitempty"`
	RetryCount             int                `json:"retry_count"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func ToResponse(s *Subscription) *SubscriptionResponse {
	resp := &SubscriptionResponse{
		ID:               s.ID,
		PlanID:           s.PlanID,
		Provider:         s.Provider,
		Status:           s.Status,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		RetryCount:       s.RetryCount,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.UserID.Valid {
		resp.UserID = &s.UserID.String
	}
	if s.EstablishmentID.Valid {
		resp.EstablishmentID = &s.EstablishmentID.String
	}
	if s.ProviderSubscriptionID.Valid {
		resp.ProviderSubscriptionID = &s.ProviderSubscriptionID.String
	}
	if s.LastPaymentStatus.Valid {
		resp.LastPaymentStatus = &s.LastPaymentStatus.String
	}
	return resp
}
