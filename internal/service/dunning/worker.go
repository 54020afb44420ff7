// Package dunning runs the periodic sweep over past-due subscriptions.
package dunning

import (
	"context"
	"sync"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/provider"
	"billing-service/internal/repository/redisstore"
	"billing-service/internal/service/notification"

	"go.uber.org/zap"
)

const (
	// WarnAfterDays and SuspendAfterDays bound the grace window:
	// (WarnAfterDays, SuspendAfterDays] warns, beyond it suspends.
	WarnAfterDays    = 3
	SuspendAfterDays = 7

	retryBatch = 100
)

// Locker elects one sweeping replica.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// RetryQueue holds provider suspensions that failed transiently.
type RetryQueue interface {
	Schedule(ctx context.Context, item redisstore.SuspendRetry, now time.Time) (bool, error)
	Due(ctx context.Context, now time.Time, limit int64) ([]redisstore.SuspendRetry, error)
	Remove(ctx context.Context, subscriptionID string) error
	Len(ctx context.Context) (int64, error)
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

// SweepReport summarizes one run.
type SweepReport struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	LockHeld       bool          `json:"lock_held_elsewhere"`
	Scanned        int           `json:"scanned"`
	Warned         int           `json:"warned"`
	Escalated      int           `json:"escalated"`
	Skipped        int           `json:"skipped"`
	Errors         int           `json:"errors"`
	RetriesDrained int           `json:"retries_drained"`
}

type Worker struct {
	repo      subscription.Repository
	providers *provider.Registry
	notifier  notification.Sink
	cfg       Config
	logger    *zap.Logger

	lock    Locker
	retries RetryQueue
	now     func() time.Time

	running sync.Mutex
}

type Option func(*Worker)

func WithLocker(l Locker) Option {
	return func(w *Worker) { w.lock = l }
}

func WithRetryQueue(q RetryQueue) Option {
	return func(w *Worker) { w.retries = q }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(repo subscription.Repository, providers *provider.Registry, notifier notification.Sink, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	w := &Worker{
		repo:      repo,
		providers: providers,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.Named("dunning"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start blocks until ctx is cancelled, sweeping after the initial delay and
// then on every interval.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("dunning worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("initial_delay", w.cfg.InitialDelay),
	)

	timer := time.NewTimer(w.cfg.InitialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		w.logger.Info("dunning worker stopped before first sweep")
		return
	case <-timer.C:
	}

	w.sweep(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dunning worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	report, err := w.RunOnce(ctx)
	switch {
	case xerrors.Is(err, xerrors.ErrConflict):
		w.logger.Info("dunning sweep skipped, another sweep is running")
		return
	case err != nil:
		w.logger.Error("dunning sweep failed", zap.Error(err), zap.Any("report", report))
		return
	}
	w.logger.Info("dunning sweep finished", zap.Any("report", report))
}

// RunOnce performs a single sweep. Concurrent calls in the same process get
// xerrors.ErrConflict; a lock held by another replica yields a report with
// LockHeld set.
func (w *Worker) RunOnce(ctx context.Context) (SweepReport, error) {
	if !w.running.TryLock() {
		return SweepReport{}, xerrors.Wrap(xerrors.ErrConflict, "dunning sweep already running")
	}
	defer w.running.Unlock()

	report := SweepReport{StartedAt: w.now().UTC()}
	start := time.Now()
	defer func() {
		metrics.DunningSweepDuration.Observe(time.Since(start).Seconds())
	}()

	if w.lock != nil {
		release, ok, err := w.lock.Acquire(ctx)
		switch {
		case err != nil:
			w.logger.Warn("sweep lock unavailable, sweeping anyway", zap.Error(err))
		case !ok:
			w.logger.Info("sweep lock held by another replica, skipping run")
			report.LockHeld = true
			return report, nil
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					w.logger.Warn("failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	w.drainRetries(ctx, &report)

	subs, err := w.repo.ListByStatus(ctx, subscription.StatusPastDue)
	if err != nil {
		return report, xerrors.Wrap(err, "list past due subscriptions")
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Scanned++
		w.process(ctx, sub, &report)
	}

	report.Duration = time.Since(start)
	return report, nil
}

// DaysLate is the number of whole days now is past end, never negative.
func DaysLate(now, end time.Time) int {
	if !now.After(end) {
		return 0
	}
	return int(now.Sub(end) / (24 * time.Hour))
}

func (w *Worker) process(ctx context.Context, sub *subscription.Subscription, report *SweepReport) {
	daysLate := DaysLate(w.now(), sub.CurrentPeriodEnd)
	log := w.logger.With(zap.String("subscription_id", sub.ID), zap.Int("days_late", daysLate))

	switch {
	case daysLate <= WarnAfterDays:
		report.Skipped++
		metrics.DunningActions.WithLabelValues("skipped").Inc()

	case daysLate <= SuspendAfterDays:
		log.Info("past due subscription in grace window, warning owner")
		w.notify(ctx, sub, notification.DunningWarningMessage(sub.PlanID, daysLate))
		report.Warned++
		metrics.DunningActions.WithLabelValues("warned").Inc()

	default:
		escalated, err := w.escalate(ctx, sub.ID)
		switch {
		case err != nil:
			log.Error("escalation failed", zap.Error(err))
			report.Errors++
		case escalated:
			report.Escalated++
		default:
			report.Skipped++
		}
	}
}

// escalate re-reads the subscription, suspends it at the provider and
// cancels it locally. It reports false when the row changed underneath.
func (w *Worker) escalate(ctx context.Context, id string) (bool, error) {
	fresh, err := w.repo.FindByID(ctx, id)
	if err != nil {
		return false, xerrors.Wrap(err, "reload subscription")
	}

	log := w.logger.With(zap.String("subscription_id", fresh.ID))
	if fresh.Status != subscription.StatusPastDue || DaysLate(w.now(), fresh.CurrentPeriodEnd) <= SuspendAfterDays {
		log.Info("subscription changed since listing, skipping", zap.String("status", string(fresh.Status)))
		metrics.DunningActions.WithLabelValues("skipped").Inc()
		return false, nil
	}

	paused := false
	if fresh.ProviderSubscriptionID.Valid && fresh.ProviderSubscriptionID.String != "" {
		paused = w.suspendAtProvider(ctx, fresh)
	}

	next := fresh.Clone()
	next.Status = subscription.StatusCanceled
	expected := fresh.UpdatedAt

	t := subscription.Transition{Subscription: next, ExpectedUpdatedAt: &expected}
	if next.EstablishmentID.Valid {
		t.Establishment = &subscription.EstablishmentMirror{
			EstablishmentID: next.EstablishmentID.String,
			Status:          subscription.EstablishmentSuspended,
		}
	}

	stored, err := w.repo.CommitTransition(ctx, t)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrConflict) {
			w.lostCancel(ctx, fresh, paused)
			return false, nil
		}
		return false, xerrors.Wrap(err, "cancel subscription")
	}

	log.Warn("subscription suspended for non-payment",
		zap.String("plan_id", stored.PlanID),
		zap.Time("current_period_end", stored.CurrentPeriodEnd),
	)
	metrics.DunningActions.WithLabelValues("suspended").Inc()
	w.notify(ctx, stored, notification.SuspendedMessage(stored.PlanID))
	return true, nil
}

// lostCancel handles a cancel that lost to a concurrent write after the
// provider was already asked to suspend. A row that recovered meanwhile must
// not be paused later by a queued retry, and a provider pause that already
// went through is surfaced as suspend_diverged.
func (w *Worker) lostCancel(ctx context.Context, sub *subscription.Subscription, paused bool) {
	log := w.logger.With(zap.String("subscription_id", sub.ID))
	if !sub.ProviderSubscriptionID.Valid || sub.ProviderSubscriptionID.String == "" {
		log.Info("subscription updated concurrently, leaving it for the next sweep")
		metrics.DunningActions.WithLabelValues("skipped").Inc()
		return
	}

	log = log.With(
		zap.String("provider", string(sub.Provider)),
		zap.String("provider_subscription_id", sub.ProviderSubscriptionID.String),
		zap.Bool("provider_paused", paused),
	)

	current, err := w.repo.FindByID(ctx, sub.ID)
	if err != nil {
		log.Warn("subscription updated concurrently after provider suspend, reload failed", zap.Error(err))
		if paused {
			metrics.DunningActions.WithLabelValues("suspend_diverged").Inc()
		}
		return
	}

	if current.Status == subscription.StatusPastDue {
		log.Warn("subscription updated concurrently after provider suspend, leaving it for the next sweep")
		metrics.DunningActions.WithLabelValues("skipped").Inc()
		return
	}

	if w.retries != nil {
		if rerr := w.retries.Remove(ctx, sub.ID); rerr != nil {
			log.Warn("could not drop queued provider suspend", zap.Error(rerr))
		}
	}

	if !paused || current.Status == subscription.StatusCanceled || current.Status == subscription.StatusSuspended {
		log.Info("subscription changed during escalation", zap.String("status", string(current.Status)))
		metrics.DunningActions.WithLabelValues("skipped").Inc()
		return
	}

	log.Warn("provider subscription paused but local subscription recovered, resume it at the provider",
		zap.String("status", string(current.Status)),
	)
	metrics.DunningActions.WithLabelValues("suspend_diverged").Inc()
}

// suspendAtProvider never blocks the local cancellation. Transient failures
// go to the retry queue. It reports whether the provider accepted the call.
func (w *Worker) suspendAtProvider(ctx context.Context, sub *subscription.Subscription) bool {
	log := w.logger.With(
		zap.String("subscription_id", sub.ID),
		zap.String("provider", string(sub.Provider)),
		zap.String("provider_subscription_id", sub.ProviderSubscriptionID.String),
	)

	adapter, err := w.providers.Get(sub.Provider)
	if err != nil {
		log.Error("no adapter for subscription provider", zap.Error(err))
		return false
	}

	err = adapter.Suspend(ctx, sub.ProviderSubscriptionID.String)
	if err == nil {
		return true
	}

	metrics.DunningActions.WithLabelValues("suspend_failed").Inc()
	if !xerrors.IsRetryable(err) || w.retries == nil {
		log.Error("provider suspend failed", zap.Error(err))
		return false
	}

	queued, qerr := w.retries.Schedule(ctx, redisstore.SuspendRetry{
		SubscriptionID:         sub.ID,
		Provider:               string(sub.Provider),
		ProviderSubscriptionID: sub.ProviderSubscriptionID.String,
		LastError:              err.Error(),
	}, w.now())
	switch {
	case qerr != nil:
		log.Error("provider suspend failed and could not be queued", zap.Error(err), zap.NamedError("queue_error", qerr))
	case queued:
		log.Warn("provider suspend failed, queued for retry", zap.Error(err))
	default:
		log.Error("provider suspend failed, retry budget exhausted", zap.Error(err))
	}
	return false
}

func (w *Worker) drainRetries(ctx context.Context, report *SweepReport) {
	if w.retries == nil {
		return
	}

	due, err := w.retries.Due(ctx, w.now(), retryBatch)
	if err != nil {
		w.logger.Warn("could not read suspend retry queue", zap.Error(err))
		return
	}

	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		log := w.logger.With(
			zap.String("subscription_id", item.SubscriptionID),
			zap.Int("attempts", item.Attempts),
		)

		if current, ferr := w.repo.FindByID(ctx, item.SubscriptionID); ferr == nil &&
			(current.Status == subscription.StatusActive || current.Status == subscription.StatusTrial) {
			log.Info("subscription recovered, dropping queued provider suspend", zap.String("status", string(current.Status)))
			_ = w.retries.Remove(ctx, item.SubscriptionID)
			continue
		}

		adapter, err := w.providers.Get(subscription.Provider(item.Provider))
		if err != nil {
			log.Error("dropping suspend retry for unknown provider", zap.String("provider", item.Provider))
			_ = w.retries.Remove(ctx, item.SubscriptionID)
			continue
		}

		err = adapter.Suspend(ctx, item.ProviderSubscriptionID)
		switch {
		case err == nil:
			log.Info("queued provider suspend succeeded")
			report.RetriesDrained++
			if rerr := w.retries.Remove(ctx, item.SubscriptionID); rerr != nil {
				log.Warn("could not remove drained retry", zap.Error(rerr))
			}
		case xerrors.IsRetryable(err):
			item.LastError = err.Error()
			queued, qerr := w.retries.Schedule(ctx, item, w.now())
			if qerr != nil {
				log.Warn("could not reschedule suspend retry", zap.Error(qerr))
			} else if !queued {
				log.Error("giving up on provider suspend", zap.Error(err))
			}
		default:
			log.Error("provider suspend failed permanently, dropping retry", zap.Error(err))
			_ = w.retries.Remove(ctx, item.SubscriptionID)
		}
	}

	if n, err := w.retries.Len(ctx); err == nil {
		metrics.SuspendRetryQueueDepth.Set(float64(n))
	}
}

func (w *Worker) notify(ctx context.Context, sub *subscription.Subscription, body string) {
	if w.notifier == nil {
		return
	}
	phone, err := w.repo.FindContactPhone(ctx, sub.UserID, sub.EstablishmentID)
	if err != nil {
		w.logger.Warn("contact lookup failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		return
	}
	var est *string
	if sub.EstablishmentID.Valid {
		id := sub.EstablishmentID.String
		est = &id
	}
	if err := w.notifier.Send(ctx, est, phone, body); err != nil {
		w.logger.Warn("notification failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}
