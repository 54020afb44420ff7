// Package providertest offers an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"sync"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
)

// MockAdapter records calls and returns canned results. Safe for
// concurrent use.
type MockAdapter struct {
	mu sync.Mutex

	name     subscription.Provider
	payments map[string]*provider.Payment

	FetchErr    error
	SuspendErr  error
	CancelErr   error
	CheckoutErr error

	FetchCalls   []string
	SuspendCalls []string
	CancelCalls  []string
	Preferences  []provider.PlanInfo
	PixPayments  []provider.PlanInfo
	Charges      []provider.ChargeRequest
}

var _ provider.Adapter = (*MockAdapter)(nil)

func NewMockAdapter(name subscription.Provider) *MockAdapter {
	return &MockAdapter{name: name, payments: make(map[string]*provider.Payment)}
}

// SetPayment registers the payment FetchPayment returns for id.
func (m *MockAdapter) SetPayment(id string, p *provider.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id] = p
}

func (m *MockAdapter) SetSuspendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspendErr = err
}

func (m *MockAdapter) Name() subscription.Provider {
	return m.name
}

func (m *MockAdapter) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls = append(m.FetchCalls, id)
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockAdapter) CreatePreference(ctx context.Context, plan provider.PlanInfo) (*provider.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Preferences = append(m.Preferences, plan)
	if m.CheckoutErr != nil {
		return nil, m.CheckoutErr
	}
	return &provider.Preference{ID: "pref-" + plan.PlanID, CheckoutURL: "https://checkout.example/" + plan.PlanID}, nil
}

func (m *MockAdapter) CreatePixPayment(ctx context.Context, plan provider.PlanInfo) (*provider.PixPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PixPayments = append(m.PixPayments, plan)
	if m.CheckoutErr != nil {
		return nil, m.CheckoutErr
	}
	return &provider.PixPayment{ID: "pix-" + plan.PlanID, QRCode: "qr", Status: "pending"}, nil
}

func (m *MockAdapter) CreateCharge(ctx context.Context, req provider.ChargeRequest) (*provider.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Charges = append(m.Charges, req)
	if m.CheckoutErr != nil {
		return nil, m.CheckoutErr
	}
	return &provider.Charge{ID: "ch-" + req.PlanID, Status: "approved"}, nil
}

func (m *MockAdapter) Suspend(ctx context.Context, providerSubscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspendCalls = append(m.SuspendCalls, providerSubscriptionID)
	return m.SuspendErr
}

func (m *MockAdapter) Cancel(ctx context.Context, providerSubscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, providerSubscriptionID)
	return m.CancelErr
}

// Suspended returns a copy of the recorded Suspend calls.
func (m *MockAdapter) Suspended() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.SuspendCalls...)
}

// Fetched returns a copy of the recorded FetchPayment calls.
func (m *MockAdapter) Fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.FetchCalls...)
}
