package provider

import (
	"context"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
)

// Instrument wraps an adapter so every call is timed and every failure is
// counted by class.
func Instrument(a Adapter) Adapter {
	return &instrumented{next: a}
}

type instrumented struct {
	next Adapter
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	name := string(i.next.Name())
	metrics.ProviderCallDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}

	class := "other"
	switch {
	case xerrors.Is(err, xerrors.ErrNotFound):
		class = "not_found"
	case xerrors.Is(err, xerrors.ErrTransientProvider):
		class = "transient"
	case xerrors.Is(err, xerrors.ErrPermanentProvider):
		class = "permanent"
	}
	metrics.ProviderCallErrors.WithLabelValues(name, op, class).Inc()
}

func (i *instrumented) Name() subscription.Provider { return i.next.Name() }

func (i *instrumented) FetchPayment(ctx context.Context, id string) (*Payment, error) {
	start := time.Now()
	p, err := i.next.FetchPayment(ctx, id)
	i.observe("fetch_payment", start, err)
	return p, err
}

func (i *instrumented) CreatePreference(ctx context.Context, plan PlanInfo) (*Preference, error) {
	start := time.Now()
	pref, err := i.next.CreatePreference(ctx, plan)
	i.observe("create_preference", start, err)
	return pref, err
}

func (i *instrumented) CreatePixPayment(ctx context.Context, plan PlanInfo) (*PixPayment, error) {
	start := time.Now()
	pix, err := i.next.CreatePixPayment(ctx, plan)
	i.observe("create_pix_payment", start, err)
	return pix, err
}

func (i *instrumented) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	start := time.Now()
	charge, err := i.next.CreateCharge(ctx, req)
	i.observe("create_charge", start, err)
	return charge, err
}

func (i *instrumented) Suspend(ctx context.Context, providerSubscriptionID string) error {
	start := time.Now()
	err := i.next.Suspend(ctx, providerSubscriptionID)
	i.observe("suspend", start, err)
	return err
}

func (i *instrumented) Cancel(ctx context.Context, providerSubscriptionID string) error {
	start := time.Now()
	err := i.next.Cancel(ctx, providerSubscriptionID)
	i.observe("cancel", start, err)
	return err
}
