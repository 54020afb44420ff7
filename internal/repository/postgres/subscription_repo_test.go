package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable database:
//
//	BILLING_TEST_DATABASE_URL=postgres://localhost/billing_test go test ./internal/repository/postgres/
func newTestRepo(t *testing.T) (*SubscriptionRepository, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("BILLING_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BILLING_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../../migrations/0001_billing.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `TRUNCATE payment_history, subscriptions, establishments, users CASCADE`)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `INSERT INTO establishments (id, phone) VALUES ('e-1', '+5511988887777')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO users (id, phone) VALUES ('u-1', '+5511911112222')`)
	require.NoError(t, err)

	return NewSubscriptionRepository(NewDB(pool)), pool
}

func TestSubscriptionRepository_Lifecycle(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()
	end := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Microsecond)

	created, err := repo.CommitTransition(ctx, subscription.Transition{
		Subscription: &subscription.Subscription{
			EstablishmentID:        sql.NullString{String: "e-1", Valid: true},
			PlanID:                 "pro",
			Provider:               subscription.ProviderStripe,
			ProviderSubscriptionID: sql.NullString{String: "sub_abc", Valid: true},
			Status:                 subscription.StatusActive,
			CurrentPeriodEnd:       end,
			LastPaymentStatus:      sql.NullString{String: "paid", Valid: true},
		},
		History: &subscription.PaymentHistoryEntry{
			Provider:              subscription.ProviderStripe,
			ProviderTransactionID: "in_1",
			Amount:                decimal.RequireFromString("49.90"),
			Status:                subscription.PaymentSucceeded,
		},
		Establishment: &subscription.EstablishmentMirror{
			EstablishmentID: "e-1",
			Status:          subscription.EstablishmentActive,
			EndDate:         &end,
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	found, err := repo.FindByProviderSubscriptionID(ctx, subscription.ProviderStripe, "sub_abc")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.True(t, end.Equal(found.CurrentPeriodEnd))

	var mirrored string
	require.NoError(t, pool.QueryRow(ctx, `SELECT subscription_status FROM establishments WHERE id = 'e-1'`).Scan(&mirrored))
	assert.Equal(t, "active", mirrored)

	// duplicate transaction rolls the whole transition back
	dup := found.Clone()
	dup.RetryCount = 5
	_, err = repo.CommitTransition(ctx, subscription.Transition{
		Subscription:      dup,
		ExpectedUpdatedAt: &found.UpdatedAt,
		History: &subscription.PaymentHistoryEntry{
			Provider:              subscription.ProviderStripe,
			ProviderTransactionID: "in_1",
			Status:                subscription.PaymentSucceeded,
		},
	})
	assert.ErrorIs(t, err, xerrors.ErrDuplicateEntry)

	again, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.RetryCount)

	// guarded update
	next := again.Clone()
	next.Status = subscription.StatusPastDue
	next.RetryCount = 1
	updated, err := repo.CommitTransition(ctx, subscription.Transition{Subscription: next, ExpectedUpdatedAt: &again.UpdatedAt})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(again.UpdatedAt))

	_, err = repo.CommitTransition(ctx, subscription.Transition{Subscription: next, ExpectedUpdatedAt: &again.UpdatedAt})
	assert.ErrorIs(t, err, xerrors.ErrConflict)

	pastDue, err := repo.ListByStatus(ctx, subscription.StatusPastDue)
	require.NoError(t, err)
	require.Len(t, pastDue, 1)

	history, err := repo.ListHistory(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, decimal.RequireFromString("49.90").Equal(history[0].Amount))

	exists, err := repo.HistoryExists(ctx, subscription.ProviderStripe, "in_1", subscription.PaymentSucceeded)
	require.NoError(t, err)
	assert.True(t, exists)

	phone, err := repo.FindContactPhone(ctx, sql.NullString{String: "u-1", Valid: true}, sql.NullString{String: "e-1", Valid: true})
	require.NoError(t, err)
	assert.Equal(t, "+5511988887777", phone)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}
