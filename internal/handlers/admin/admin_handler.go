// internal/handlers/admin/admin_handler.go
package admin

import (
	"context"
	"net/http"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/middleware"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/response"
	"billing-service/internal/service/dunning"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SubscriptionReader is the read side of the subscription store.
type SubscriptionReader interface {
	FindByID(ctx context.Context, id string) (*subscription.Subscription, error)
	ListByStatus(ctx context.Context, status subscription.SubscriptionStatus) ([]*subscription.Subscription, error)
	ListHistory(ctx context.Context, subscriptionID string) ([]*subscription.PaymentHistoryEntry, error)
}

// SweepRunner triggers a dunning sweep.
type SweepRunner interface {
	RunOnce(ctx context.Context) (dunning.SweepReport, error)
}

// manualSweepTimeout bounds a sweep started from the API. The sweep is
// detached from the request so a dropped client cannot abort it midway.
const manualSweepTimeout = 10 * time.Minute

type AdminHandler struct {
	subscriptions SubscriptionReader
	sweeper       SweepRunner
	logger        *zap.Logger
}

func NewAdminHandler(subscriptions SubscriptionReader, sweeper SweepRunner, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		subscriptions: subscriptions,
		sweeper:       sweeper,
		logger:        logger,
	}
}

// ========== Subscriptions ==========

// GetSubscription returns one subscription
func (h *AdminHandler) GetSubscription(c *gin.Context) {
	sub, err := h.subscriptions.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.NotFound(c, "subscription not found")
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to load subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription retrieved", subscription.ToResponse(sub))
}

// ListPayments returns the payment history of a subscription
func (h *AdminHandler) ListPayments(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.subscriptions.FindByID(c.Request.Context(), id); err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			response.NotFound(c, "subscription not found")
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to load subscription", err)
		return
	}

	history, err := h.subscriptions.ListHistory(c.Request.Context(), id)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list payments", err)
		return
	}

	response.Success(c, http.StatusOK, "payments retrieved", history)
}

// ListSubscriptions filters by ?status=
func (h *AdminHandler) ListSubscriptions(c *gin.Context) {
	status := subscription.SubscriptionStatus(c.Query("status"))
	valid := []subscription.SubscriptionStatus{
		subscription.StatusTrial,
		subscription.StatusActive,
		subscription.StatusPastDue,
		subscription.StatusCanceled,
		subscription.StatusSuspended,
	}
	if status != "" && !lo.Contains(valid, status) {
		response.ValidationError(c, "invalid status filter", nil)
		return
	}

	subs, err := h.subscriptions.ListByStatus(c.Request.Context(), status)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list subscriptions", err)
		return
	}

	response.Success(c, http.StatusOK, "subscriptions retrieved", lo.Map(subs, func(s *subscription.Subscription, _ int) *subscription.SubscriptionResponse {
		return subscription.ToResponse(s)
	}))
}

// ========== Dunning ==========

// RunDunning triggers a sweep and waits for its report
func (h *AdminHandler) RunDunning(c *gin.Context) {
	h.logger.Info("manual dunning sweep requested", zap.String("operator_id", middleware.GetOperatorID(c)))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), manualSweepTimeout)
	defer cancel()

	report, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrConflict) {
			response.Conflict(c, "a sweep is already running")
			return
		}
		response.Error(c, http.StatusInternalServerError, "dunning sweep failed", err, report)
		return
	}

	response.Success(c, http.StatusOK, "dunning sweep finished", report)
}
