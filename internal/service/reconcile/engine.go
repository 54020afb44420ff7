// Package reconcile applies verified provider payments to subscriptions.
package reconcile

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/service/notification"
	"billing-service/internal/service/resolver"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
)

// Event is a payment that was re-fetched from its provider.
type Event struct {
	Provider subscription.Provider
	Payment  *provider.Payment
	// Query carries identifiers taken from the webhook itself. Payment
	// fields fill whatever is left empty.
	Query resolver.Query
}

type Result struct {
	Outcome      Outcome
	Match        resolver.Match
	Subscription *subscription.Subscription
}

type Options struct {
	Now          func() time.Time
	IntervalDays func(planID string) int
	// MaxAttempts bounds re-decisions after an optimistic concurrency miss.
	MaxAttempts int
}

// Metadata keys providers echo back from checkout.
const (
	MetaUserID          = "user_id"
	MetaEstablishmentID = "establishment_id"
	MetaPlanID          = "plan_id"
)

// MatchOwnerPlan is reported when the payment's (owner, plan) pair located
// the subscription after the resolver chain missed.
const MatchOwnerPlan resolver.Match = "owner_plan"

type Engine struct {
	repo     subscription.Repository
	resolver *resolver.Resolver
	notifier notification.Sink
	opts     Options
	logger   *zap.Logger
}

func New(repo subscription.Repository, notifier notification.Sink, opts Options, logger *zap.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IntervalDays == nil {
		opts.IntervalDays = func(string) int { return 30 }
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Engine{
		repo:     repo,
		resolver: resolver.New(repo, logger),
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Apply moves the resolved subscription through the transition table. It
// is idempotent per (provider, transaction id, status). A lost optimistic
// race re-loads and re-decides up to MaxAttempts times.
func (e *Engine) Apply(ctx context.Context, ev Event) (*Result, error) {
	if ev.Payment == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "event without payment")
	}

	log := e.logger.With(
		zap.String("provider", string(ev.Provider)),
		zap.String("payment_id", ev.Payment.ID),
		zap.String("payment_status", ev.Payment.Status),
	)

	var status subscription.PaymentStatus
	switch ev.Payment.Outcome {
	case provider.OutcomeSucceeded:
		status = subscription.PaymentSucceeded
	case provider.OutcomeFailed:
		status = subscription.PaymentFailed
	default:
		log.Debug("payment not final, ignoring")
		return e.done(ev, &Result{Outcome: OutcomeIgnored}), nil
	}

	txID := strings.TrimSpace(ev.Payment.ID)
	if txID == "" && status == subscription.PaymentSucceeded {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "succeeded payment without transaction id")
	}

	if txID != "" {
		seen, err := e.repo.HistoryExists(ctx, ev.Provider, txID, status)
		if err != nil {
			return nil, xerrors.Wrap(err, "check payment history")
		}
		if seen {
			log.Debug("duplicate payment event")
			return e.done(ev, &Result{Outcome: OutcomeDuplicate}), nil
		}
	}

	query := e.buildQuery(ev)

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, match, err := e.locate(ctx, ev, query)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrResolutionMiss) {
				log.Info("no subscription matches payment",
					zap.String("provider_subscription_id", query.ProviderSubscriptionID),
					zap.String("customer_id", query.CustomerID),
					zap.String("establishment_id", query.EstablishmentID),
				)
				return e.done(ev, &Result{Outcome: OutcomeUnresolved}), nil
			}
			return nil, err
		}

		// A fresh checkout by an owner whose last subscription ended opens a
		// new row. Events addressed to the ended subscription itself do not.
		if current != nil && current.Status.IsTerminal() &&
			match != resolver.MatchProviderSubscription && status == subscription.PaymentSucceeded {
			if _, _, ok := paymentOwner(ev.Payment); ok {
				log.Info("owner resubscribed after a terminal subscription",
					zap.String("previous_subscription_id", current.ID),
				)
				current, match = nil, ""
			}
		}

		if current != nil && current.Status.IsTerminal() {
			log.Warn("payment event for terminal subscription ignored",
				zap.String("subscription_id", current.ID),
				zap.String("status", string(current.Status)),
			)
			return e.done(ev, &Result{Outcome: OutcomeIgnored, Match: match, Subscription: current}), nil
		}

		t, ok := e.decide(current, ev, status, txID)
		if !ok {
			log.Info("payment cannot open a subscription", zap.String("outcome", string(ev.Payment.Outcome)))
			return e.done(ev, &Result{Outcome: OutcomeUnresolved}), nil
		}

		stored, err := e.repo.CommitTransition(ctx, t)
		switch {
		case err == nil:
			outcome := OutcomeApplied
			if current == nil {
				outcome = OutcomeCreated
			}
			log.Info("payment reconciled",
				zap.String("subscription_id", stored.ID),
				zap.String("outcome", string(outcome)),
				zap.String("status", string(stored.Status)),
				zap.Time("current_period_end", stored.CurrentPeriodEnd),
				zap.Int("retry_count", stored.RetryCount),
			)
			e.notify(ctx, stored, status)
			return e.done(ev, &Result{Outcome: outcome, Match: match, Subscription: stored}), nil

		case xerrors.Is(err, xerrors.ErrDuplicateEntry):
			log.Debug("duplicate payment event lost the insert race")
			return e.done(ev, &Result{Outcome: OutcomeDuplicate, Match: match}), nil

		case xerrors.Is(err, xerrors.ErrConflict):
			metrics.ReconcileConflicts.Inc()
			log.Debug("concurrent update, re-deciding", zap.Int("attempt", attempt))
			continue

		default:
			return nil, xerrors.Wrap(err, "commit transition")
		}
	}

	return nil, xerrors.Wrapf(xerrors.ErrConflict, "gave up after %d concurrent updates", e.opts.MaxAttempts)
}

func (e *Engine) done(ev Event, r *Result) *Result {
	metrics.ReconcileOutcomes.WithLabelValues(string(ev.Provider), string(r.Outcome)).Inc()
	return r
}

func (e *Engine) buildQuery(ev Event) resolver.Query {
	q := ev.Query
	q.Provider = ev.Provider
	if q.ProviderSubscriptionID == "" {
		q.ProviderSubscriptionID = ev.Payment.ProviderSubscriptionID
	}
	if q.CustomerID == "" {
		q.CustomerID = ev.Payment.CustomerID
	}
	if q.EstablishmentID == "" {
		q.EstablishmentID = ev.Payment.Metadata[MetaEstablishmentID]
	}
	return q
}

// locate resolves the subscription. On a miss it falls back to the
// (owner, plan) pair carried by the payment so a first payment updates the
// authoritative row instead of creating a duplicate. A nil subscription with
// a nil error means the payment may open a new one.
func (e *Engine) locate(ctx context.Context, ev Event, q resolver.Query) (*subscription.Subscription, resolver.Match, error) {
	sub, match, err := e.resolver.Resolve(ctx, q)
	if err == nil {
		return sub, match, nil
	}
	if !xerrors.Is(err, xerrors.ErrResolutionMiss) {
		return nil, "", err
	}

	owner, planID, ok := paymentOwner(ev.Payment)
	if !ok {
		return nil, "", err
	}

	sub, findErr := e.repo.FindLatestByOwnerPlan(ctx, owner, planID)
	switch {
	case findErr == nil:
		return sub, MatchOwnerPlan, nil
	case xerrors.Is(findErr, xerrors.ErrNotFound):
		return nil, "", nil
	default:
		return nil, "", xerrors.Wrap(findErr, "find by owner and plan")
	}
}

// decide builds the transition for the located subscription, or for a new
// one when current is nil. It reports false when nothing can be written.
func (e *Engine) decide(current *subscription.Subscription, ev Event, status subscription.PaymentStatus, txID string) (subscription.Transition, bool) {
	now := e.opts.Now().UTC()
	p := ev.Payment

	var t subscription.Transition
	var next *subscription.Subscription

	if current == nil {
		if status != subscription.PaymentSucceeded {
			return t, false
		}
		owner, planID, ok := paymentOwner(p)
		if !ok {
			return t, false
		}
		next = &subscription.Subscription{
			PlanID:           planID,
			Provider:         ev.Provider,
			CurrentPeriodEnd: now,
		}
		if id := p.Metadata[MetaUserID]; id != "" {
			next.UserID = sql.NullString{String: id, Valid: true}
		}
		if id := p.Metadata[MetaEstablishmentID]; id != "" {
			next.EstablishmentID = sql.NullString{String: id, Valid: true}
		}
		switch owner.Kind {
		case subscription.OwnerUser:
			next.UserID = sql.NullString{String: owner.ID, Valid: true}
		case subscription.OwnerEstablishment:
			next.EstablishmentID = sql.NullString{String: owner.ID, Valid: true}
		}
	} else {
		next = current.Clone()
		expected := current.UpdatedAt
		t.ExpectedUpdatedAt = &expected
	}

	if !next.ProviderSubscriptionID.Valid && p.ProviderSubscriptionID != "" {
		next.ProviderSubscriptionID = sql.NullString{String: p.ProviderSubscriptionID, Valid: true}
	}
	next.LastPaymentStatus = sql.NullString{String: p.Status, Valid: p.Status != ""}

	switch status {
	case subscription.PaymentSucceeded:
		next.Status = subscription.StatusActive
		next.RetryCount = 0
		next.CurrentPeriodEnd = ExtendPeriod(now, next.CurrentPeriodEnd, e.opts.IntervalDays(next.PlanID))
		if next.EstablishmentID.Valid {
			end := next.CurrentPeriodEnd
			t.Establishment = &subscription.EstablishmentMirror{
				EstablishmentID: next.EstablishmentID.String,
				Status:          subscription.EstablishmentActive,
				EndDate:         &end,
			}
		}
	case subscription.PaymentFailed:
		next.Status = subscription.StatusPastDue
		next.RetryCount++
	}

	if txID != "" {
		t.History = &subscription.PaymentHistoryEntry{
			Provider:              ev.Provider,
			ProviderTransactionID: txID,
			Amount:                p.Amount,
			Status:                status,
		}
	}

	t.Subscription = next
	return t, true
}

// ExtendPeriod returns max(now, periodEnd) + days. Paying early never
// shortens the period and paying late never backdates it.
func ExtendPeriod(now, periodEnd time.Time, days int) time.Time {
	base := periodEnd
	if now.After(base) {
		base = now
	}
	return base.AddDate(0, 0, days)
}

// paymentOwner reads owner and plan from metadata, then from the external
// reference.
func paymentOwner(p *provider.Payment) (subscription.Owner, string, bool) {
	planID := p.Metadata[MetaPlanID]
	var owner subscription.Owner
	switch {
	case p.Metadata[MetaEstablishmentID] != "":
		owner = subscription.Owner{Kind: subscription.OwnerEstablishment, ID: p.Metadata[MetaEstablishmentID]}
	case p.Metadata[MetaUserID] != "":
		owner = subscription.Owner{Kind: subscription.OwnerUser, ID: p.Metadata[MetaUserID]}
	}
	if owner.Valid() && planID != "" {
		return owner, planID, true
	}
	return subscription.ParseExternalReference(p.ExternalReference)
}

func (e *Engine) notify(ctx context.Context, sub *subscription.Subscription, status subscription.PaymentStatus) {
	if e.notifier == nil {
		return
	}

	phone, err := e.repo.FindContactPhone(ctx, sub.UserID, sub.EstablishmentID)
	if err != nil {
		e.logger.Warn("contact lookup failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}

	var body string
	if status == subscription.PaymentSucceeded {
		body = notification.PaymentConfirmedMessage(sub.PlanID, sub.CurrentPeriodEnd)
	} else {
		body = notification.PaymentFailedMessage(sub.PlanID, sub.RetryCount)
	}

	var est *string
	if sub.EstablishmentID.Valid {
		id := sub.EstablishmentID.String
		est = &id
	}
	if err := e.notifier.Send(ctx, est, phone, body); err != nil {
		e.logger.Warn("notification failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}
