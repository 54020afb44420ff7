// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const subscriptionColumns = `
	id, user_id, establishment_id, plan_id, provider, provider_subscription_id,
	status, current_period_end, last_payment_status, retry_count,
	created_at, updated_at`

type SubscriptionRepository struct {
	db *DB
}

var _ subscription.Repository = (*SubscriptionRepository)(nil)

func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// FindByID retrieves a subscription by ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return r.findOne(ctx, query, id)
}

// FindByProviderSubscriptionID matches the provider's own subscription id
func (r *SubscriptionRepository) FindByProviderSubscriptionID(ctx context.Context, provider subscription.Provider, providerSubscriptionID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE provider = $1 AND provider_subscription_id = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, string(provider), providerSubscriptionID)
}

// FindLatestByEstablishment returns the most recently updated subscription of an establishment
func (r *SubscriptionRepository) FindLatestByEstablishment(ctx context.Context, establishmentID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE establishment_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, establishmentID)
}

// FindLatestByUser returns the most recently updated subscription of a user
func (r *SubscriptionRepository) FindLatestByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, userID)
}

// FindLatestByOwnerPlan returns the authoritative subscription of an (owner, plan) pair
func (r *SubscriptionRepository) FindLatestByOwnerPlan(ctx context.Context, owner subscription.Owner, planID string) (*subscription.Subscription, error) {
	column := "user_id"
	if owner.Kind == subscription.OwnerEstablishment {
		column = "establishment_id"
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE ` + column + ` = $1 AND plan_id = $2
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, owner.ID, planID)
}

// ListByStatus lists subscriptions in a status, oldest period end first. An
// empty status lists everything.
func (r *SubscriptionRepository) ListByStatus(ctx context.Context, status subscription.SubscriptionStatus) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE ($1 = '' OR status = $1)
		ORDER BY current_period_end ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// HistoryExists reports whether a provider transaction was already recorded
func (r *SubscriptionRepository) HistoryExists(ctx context.Context, provider subscription.Provider, providerTransactionID string, status subscription.PaymentStatus) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payment_history
			WHERE provider = $1 AND provider_transaction_id = $2 AND status = $3
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, string(provider), providerTransactionID, string(status)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payment history: %w", err)
	}
	return exists, nil
}

// ListHistory returns the payment history of a subscription, oldest first
func (r *SubscriptionRepository) ListHistory(ctx context.Context, subscriptionID string) ([]*subscription.PaymentHistoryEntry, error) {
	query := `
		SELECT id, subscription_id, provider, provider_transaction_id, amount::text, status, created_at
		FROM payment_history
		WHERE subscription_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment history: %w", err)
	}
	defer rows.Close()

	var entries []*subscription.PaymentHistoryEntry
	for rows.Next() {
		var (
			e                      subscription.PaymentHistoryEntry
			provider, status, amnt string
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &provider, &e.ProviderTransactionID, &amnt, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment history: %w", err)
		}
		amount, err := decimal.NewFromString(amnt)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amnt, err)
		}
		e.Provider = subscription.Provider(provider)
		e.Status = subscription.PaymentStatus(status)
		e.Amount = amount
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// CommitTransition writes the subscription, its history entry and the
// establishment mirror in one transaction.
func (r *SubscriptionRepository) CommitTransition(ctx context.Context, t subscription.Transition) (*subscription.Subscription, error) {
	if t.Subscription == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "transition without subscription")
	}

	var stored *subscription.Subscription
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		if t.ExpectedUpdatedAt == nil {
			stored, err = r.insertWithTx(ctx, tx, t.Subscription)
		} else {
			stored, err = r.updateWithTx(ctx, tx, t)
		}
		if err != nil {
			return err
		}

		if t.History != nil {
			if err := r.insertHistoryWithTx(ctx, tx, stored.ID, t.History); err != nil {
				return err
			}
		}

		if t.Establishment != nil {
			if err := r.mirrorEstablishmentWithTx(ctx, tx, t.Establishment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// FindContactPhone prefers the establishment phone over the user phone
func (r *SubscriptionRepository) FindContactPhone(ctx context.Context, userID, establishmentID sql.NullString) (string, error) {
	query := `
		SELECT COALESCE(
			(SELECT phone FROM establishments WHERE id = $2 AND phone <> ''),
			(SELECT phone FROM users WHERE id = $1 AND phone <> ''),
			''
		)
	`

	var phone string
	if err := r.db.Pool().QueryRow(ctx, query, userID, establishmentID).Scan(&phone); err != nil {
		return "", fmt.Errorf("failed to find contact phone: %w", err)
	}
	return phone, nil
}

// ========== Helper Methods ==========

func (r *SubscriptionRepository) insertWithTx(ctx context.Context, tx pgx.Tx, sub *subscription.Subscription) (*subscription.Subscription, error) {
	next := sub.Clone()
	if next.ID == "" {
		next.ID = ulid.Make().String()
	}

	query := `
		INSERT INTO subscriptions (
			id, user_id, establishment_id, plan_id, provider, provider_subscription_id,
			status, current_period_end, last_payment_status, retry_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, clock_timestamp(), clock_timestamp())
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(
		ctx, query,
		next.ID, next.UserID, next.EstablishmentID, next.PlanID, string(next.Provider), next.ProviderSubscriptionID,
		string(next.Status), next.CurrentPeriodEnd, next.LastPaymentStatus, next.RetryCount,
	).Scan(&next.CreatedAt, &next.UpdatedAt)

	if isUniqueViolation(err) {
		return nil, xerrors.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return next, nil
}

func (r *SubscriptionRepository) updateWithTx(ctx context.Context, tx pgx.Tx, t subscription.Transition) (*subscription.Subscription, error) {
	next := t.Subscription.Clone()

	query := `
		UPDATE subscriptions
		SET provider_subscription_id = $3,
		    status = $4,
		    current_period_end = $5,
		    last_payment_status = $6,
		    retry_count = $7,
		    updated_at = GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $1 AND updated_at = $2
		RETURNING created_at, updated_at
	`

	err := tx.QueryRow(
		ctx, query,
		next.ID, *t.ExpectedUpdatedAt,
		next.ProviderSubscriptionID, string(next.Status), next.CurrentPeriodEnd,
		next.LastPaymentStatus, next.RetryCount,
	).Scan(&next.CreatedAt, &next.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// either gone or modified since it was read
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, next.ID).Scan(&exists); qerr != nil {
			return nil, fmt.Errorf("failed to check subscription: %w", qerr)
		}
		if !exists {
			return nil, xerrors.ErrNotFound
		}
		return nil, xerrors.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	return next, nil
}

func (r *SubscriptionRepository) insertHistoryWithTx(ctx context.Context, tx pgx.Tx, subscriptionID string, h *subscription.PaymentHistoryEntry) error {
	id := h.ID
	if id == "" {
		id = ulid.Make().String()
	}

	query := `
		INSERT INTO payment_history (
			id, subscription_id, provider, provider_transaction_id, amount, status, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, clock_timestamp())
	`

	_, err := tx.Exec(ctx, query, id, subscriptionID, string(h.Provider), h.ProviderTransactionID, h.Amount.StringFixed(2), string(h.Status))
	if isUniqueViolation(err) {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment history: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) mirrorEstablishmentWithTx(ctx context.Context, tx pgx.Tx, m *subscription.EstablishmentMirror) error {
	query := `
		UPDATE establishments
		SET subscription_status = $2,
		    subscription_end_date = COALESCE($3, subscription_end_date)
		WHERE id = $1
	`

	if _, err := tx.Exec(ctx, query, m.EstablishmentID, string(m.Status), m.EndDate); err != nil {
		return fmt.Errorf("failed to mirror establishment: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*subscription.Subscription, error) {
	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		sub              subscription.Subscription
		provider, status string
	)

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.EstablishmentID, &sub.PlanID, &provider, &sub.ProviderSubscriptionID,
		&status, &sub.CurrentPeriodEnd, &sub.LastPaymentStatus, &sub.RetryCount,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Provider = subscription.Provider(provider)
	sub.Status = subscription.SubscriptionStatus(status)
	return &sub, nil
}
