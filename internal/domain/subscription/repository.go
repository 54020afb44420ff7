package subscription

import (
	"context"
	"database/sql"
)

// Repository is the subscription store. Implementations return
// xerrors.ErrNotFound for missing rows, xerrors.ErrConflict when a guarded
// update lost a race and xerrors.ErrDuplicateEntry when a history row
// already exists.
type Repository interface {
	// Lookup
	FindByID(ctx context.Context, id string) (*Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, provider Provider, providerSubscriptionID string) (*Subscription, error)
	FindLatestByEstablishment(ctx context.Context, establishmentID string) (*Subscription, error)
	FindLatestByUser(ctx context.Context, userID string) (*Subscription, error)
	FindLatestByOwnerPlan(ctx context.Context, owner Owner, planID string) (*Subscription, error)
	ListByStatus(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error)

	// Payment history
	HistoryExists(ctx context.Context, provider Provider, providerTransactionID string, status PaymentStatus) (bool, error)
	ListHistory(ctx context.Context, subscriptionID string) ([]*PaymentHistoryEntry, error)

	// CommitTransition writes history, subscription and establishment mirror
	// atomically and returns the stored subscription with its new UpdatedAt.
	CommitTransition(ctx context.Context, t Transition) (*Subscription, error)

	// Contacts
	FindContactPhone(ctx context.Context, userID, establishmentID sql.NullString) (string, error)
}
