// Package provider defines the capability set every payment provider
// adapter implements.
package provider

import (
	"context"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/shopspring/decimal"
)

// Outcome is the normalized result of a provider payment.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Payment is the provider's authoritative view of a payment, fetched live.
type Payment struct {
	ID                     string
	Status                 string
	Outcome                Outcome
	Amount                 decimal.Decimal
	ExternalReference      string
	Metadata               map[string]string
	ProviderSubscriptionID string
	CustomerID             string
}

// PlanInfo describes what the payer is buying.
type PlanInfo struct {
	PlanID            string
	Title             string
	Amount            decimal.Decimal
	Currency          string
	PayerEmail        string
	CustomerID        string
	PriceID           string
	ExternalReference string
	Metadata          map[string]string
}

type ChargeRequest struct {
	PlanInfo
	PaymentMethodID string
}

type Preference struct {
	ID          string
	CheckoutURL string
}

type PixPayment struct {
	ID     string
	QRCode string
	Status string
}

type Charge struct {
	ID     string
	Status string
}

// Adapter is implemented once per provider. Every method performs a live
// remote call bounded by the adapter's timeout. FetchPayment returns
// xerrors.ErrNotFound for unknown ids; other failures are
// *xerrors.ProviderError values marked transient or permanent.
type Adapter interface {
	Name() subscription.Provider
	FetchPayment(ctx context.Context, id string) (*Payment, error)
	CreatePreference(ctx context.Context, plan PlanInfo) (*Preference, error)
	CreatePixPayment(ctx context.Context, plan PlanInfo) (*PixPayment, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	Suspend(ctx context.Context, providerSubscriptionID string) error
	Cancel(ctx context.Context, providerSubscriptionID string) error
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[subscription.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[subscription.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name subscription.Provider) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, xerrors.Wrapf(xerrors.ErrNotFound, "no adapter registered for provider %q", name)
	}
	return a, nil
}
