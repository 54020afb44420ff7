// internal/service/checkout/checkout.go
package checkout

import (
	"context"
	"strings"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/service/reconcile"

	"go.uber.org/zap"
)

// CheckoutService starts payments. Nothing is written locally: the
// subscription appears when the provider's webhook is reconciled.
type CheckoutService struct {
	providers *provider.Registry
	currency  string
	logger    *zap.Logger
}

func NewCheckoutService(providers *provider.Registry, currency string, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		providers: providers,
		currency:  currency,
		logger:    logger,
	}
}

func (s *CheckoutService) CreatePreference(ctx context.Context, providerName string, req *subscription.CheckoutRequest) (*subscription.PreferenceResponse, error) {
	adapter, plan, err := s.prepare(providerName, req)
	if err != nil {
		return nil, err
	}

	pref, err := adapter.CreatePreference(ctx, plan)
	if err != nil {
		s.logFailure("preference", adapter.Name(), plan, err)
		return nil, err
	}

	s.logger.Info("checkout preference created",
		zap.String("provider", string(adapter.Name())),
		zap.String("preference_id", pref.ID),
		zap.String("external_reference", plan.ExternalReference),
	)
	return &subscription.PreferenceResponse{ID: pref.ID, CheckoutURL: pref.CheckoutURL}, nil
}

func (s *CheckoutService) CreatePixPayment(ctx context.Context, providerName string, req *subscription.CheckoutRequest) (*subscription.PixResponse, error) {
	adapter, plan, err := s.prepare(providerName, req)
	if err != nil {
		return nil, err
	}
	if !plan.Amount.IsPositive() {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "amount is required for pix")
	}

	pix, err := adapter.CreatePixPayment(ctx, plan)
	if err != nil {
		s.logFailure("pix", adapter.Name(), plan, err)
		return nil, err
	}

	s.logger.Info("pix payment created",
		zap.String("provider", string(adapter.Name())),
		zap.String("payment_id", pix.ID),
		zap.String("external_reference", plan.ExternalReference),
	)
	return &subscription.PixResponse{ID: pix.ID, QRCode: pix.QRCode, Status: pix.Status}, nil
}

func (s *CheckoutService) CreateCharge(ctx context.Context, providerName string, req *subscription.CheckoutRequest) (*subscription.ChargeResponse, error) {
	adapter, plan, err := s.prepare(providerName, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "payment_method_id is required for a charge")
	}

	charge, err := adapter.CreateCharge(ctx, provider.ChargeRequest{PlanInfo: plan, PaymentMethodID: req.PaymentMethodID})
	if err != nil {
		s.logFailure("charge", adapter.Name(), plan, err)
		return nil, err
	}

	s.logger.Info("charge created",
		zap.String("provider", string(adapter.Name())),
		zap.String("charge_id", charge.ID),
		zap.String("status", charge.Status),
	)
	return &subscription.ChargeResponse{ID: charge.ID, Status: charge.Status}, nil
}

// ========== Helper Methods ==========

func (s *CheckoutService) prepare(providerName string, req *subscription.CheckoutRequest) (provider.Adapter, provider.PlanInfo, error) {
	name := subscription.Provider(strings.ToLower(providerName))
	if !name.Valid() {
		return nil, provider.PlanInfo{}, xerrors.Wrapf(xerrors.ErrNotFound, "unknown provider %q", providerName)
	}
	adapter, err := s.providers.Get(name)
	if err != nil {
		return nil, provider.PlanInfo{}, err
	}

	owner := req.Owner()
	if !owner.Valid() || strings.TrimSpace(req.PlanID) == "" {
		return nil, provider.PlanInfo{}, xerrors.Wrap(xerrors.ErrInvalidInput, "owner and plan are required")
	}
	if req.Amount.IsNegative() {
		return nil, provider.PlanInfo{}, xerrors.Wrap(xerrors.ErrInvalidInput, "amount must not be negative")
	}

	metadata := map[string]string{reconcile.MetaPlanID: req.PlanID}
	if req.UserID != "" {
		metadata[reconcile.MetaUserID] = req.UserID
	}
	if req.EstablishmentID != "" {
		metadata[reconcile.MetaEstablishmentID] = req.EstablishmentID
	}

	title := req.Title
	if title == "" {
		title = "Subscription " + req.PlanID
	}

	return adapter, provider.PlanInfo{
		PlanID:            req.PlanID,
		Title:             title,
		Amount:            req.Amount,
		Currency:          s.currency,
		PayerEmail:        req.PayerEmail,
		CustomerID:        req.CustomerID,
		PriceID:           req.PriceID,
		ExternalReference: subscription.ExternalReference(owner, req.PlanID),
		Metadata:          metadata,
	}, nil
}

func (s *CheckoutService) logFailure(op string, name subscription.Provider, plan provider.PlanInfo, err error) {
	s.logger.Warn("checkout call failed",
		zap.String("op", op),
		zap.String("provider", string(name)),
		zap.String("external_reference", plan.ExternalReference),
		zap.Bool("retryable", xerrors.IsRetryable(err)),
		zap.Error(err),
	)
}
