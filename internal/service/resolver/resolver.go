// Package resolver locates the subscription a webhook refers to.
package resolver

import (
	"context"
	"strings"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// Query carries every identifier a webhook offered. Empty fields are skipped.
type Query struct {
	Provider               subscription.Provider
	ProviderSubscriptionID string
	CustomerID             string
	EstablishmentID        string
}

type Store interface {
	FindByProviderSubscriptionID(ctx context.Context, provider subscription.Provider, providerSubscriptionID string) (*subscription.Subscription, error)
	FindLatestByEstablishment(ctx context.Context, establishmentID string) (*subscription.Subscription, error)
	FindLatestByUser(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Match records which rule of the chain matched.
type Match string

const (
	MatchProviderSubscription Match = "provider_subscription_id"
	MatchEstablishment        Match = "establishment_id"
	MatchCustomer             Match = "customer_id"
)

type Resolver struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve tries, in order, the provider subscription id, the establishment
// and the customer. The first match wins. It returns xerrors.ErrResolutionMiss
// when nothing matches; store failures other than not-found are returned.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*subscription.Subscription, Match, error) {
	steps := []struct {
		match Match
		key   string
		find  func(context.Context, string) (*subscription.Subscription, error)
	}{
		{MatchProviderSubscription, q.ProviderSubscriptionID, func(ctx context.Context, id string) (*subscription.Subscription, error) {
			return r.store.FindByProviderSubscriptionID(ctx, q.Provider, id)
		}},
		{MatchEstablishment, q.EstablishmentID, r.store.FindLatestByEstablishment},
		{MatchCustomer, q.CustomerID, r.store.FindLatestByUser},
	}

	for _, step := range steps {
		key := strings.TrimSpace(step.key)
		if key == "" {
			continue
		}

		sub, err := step.find(ctx, key)
		if err == nil {
			r.logger.Debug("subscription resolved",
				zap.String("match", string(step.match)),
				zap.String("subscription_id", sub.ID),
			)
			return sub, step.match, nil
		}
		if !xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, "", xerrors.Wrapf(err, "resolve by %s", step.match)
		}
	}

	return nil, "", xerrors.ErrResolutionMiss
}
