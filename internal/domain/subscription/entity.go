// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderMercadoPago Provider = "mercadopago"
	ProviderStripe      Provider = "stripe"
)

func (p Provider) Valid() bool {
	return p == ProviderMercadoPago || p == ProviderStripe
}

type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCanceled  SubscriptionStatus = "canceled"
	StatusSuspended SubscriptionStatus = "suspended"
)

// IsTerminal reports whether no further transition is allowed.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusSuspended
}

type Subscription struct {
	ID string `json:"id" db:"id"`

	// Owners, at least one is set
	UserID          sql.NullString `json:"user_id,omitempty" db:"user_id"`
	EstablishmentID sql.NullString `json:"establishment_id,omitempty" db:"establishment_id"`

	PlanID                 string         `json:"plan_id" db:"plan_id"`
	Provider               Provider       `json:"provider" db:"provider"`
	ProviderSubscriptionID sql.NullString `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`

	// Billing state
	Status            SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodEnd  time.Time          `json:"current_period_end" db:"current_period_end"`
	LastPaymentStatus sql.NullString     `json:"last_payment_status,omitempty" db:"last_payment_status"`
	RetryCount        int                `json:"retry_count" db:"retry_count"`

	// Timestamps. UpdatedAt doubles as the optimistic concurrency token.
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Owner returns the owning establishment if set, the user otherwise.
func (s *Subscription) Owner() Owner {
	if s.EstablishmentID.Valid && s.EstablishmentID.String != "" {
		return Owner{Kind: OwnerEstablishment, ID: s.EstablishmentID.String}
	}
	return Owner{Kind: OwnerUser, ID: s.UserID.String}
}

// Clone returns a copy that can be mutated without touching the original.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentHistoryEntry is append-only.
type PaymentHistoryEntry struct {
	ID                    string          `json:"id" db:"id"`
	SubscriptionID        string          `json:"subscription_id" db:"subscription_id"`
	Provider              Provider        `json:"provider" db:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id" db:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Status                PaymentStatus   `json:"status" db:"status"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

type EstablishmentStatus string

const (
	EstablishmentActive    EstablishmentStatus = "active"
	EstablishmentSuspended EstablishmentStatus = "suspended"
)

// EstablishmentMirror is the denormalized billing state written onto the
// establishment aggregate. It is never read back as billing truth.
type EstablishmentMirror struct {
	EstablishmentID string
	Status          EstablishmentStatus
	EndDate         *time.Time
}

// Transition is one atomic write produced by reconciliation or dunning.
type Transition struct {
	// Subscription is the desired state.
	Subscription *Subscription
	// ExpectedUpdatedAt guards the update. Nil means insert a new row.
	ExpectedUpdatedAt *time.Time
	History           *PaymentHistoryEntry
	Establishment     *EstablishmentMirror
}
