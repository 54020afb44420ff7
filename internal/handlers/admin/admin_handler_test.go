package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/middleware"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/jwt"
	"billing-service/internal/pkg/response"
	"billing-service/internal/repository/memory"
	"billing-service/internal/service/dunning"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeVerifier map[string]*jwt.Claims

func (f fakeVerifier) Verify(token string) (*jwt.Claims, error) {
	if c, ok := f[token]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

type fakeSweeper struct {
	report dunning.SweepReport
	err    error
	calls  int

	ctxErr      error
	hasDeadline bool
}

func (f *fakeSweeper) RunOnce(ctx context.Context) (dunning.SweepReport, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	_, f.hasDeadline = ctx.Deadline()
	return f.report, f.err
}

func setup(t *testing.T, sweeper *fakeSweeper) (*gin.Engine, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	verifier := fakeVerifier{
		"admin":  {Roles: []string{"billing_admin"}},
		"viewer": {Roles: []string{"support"}},
	}
	auth := middleware.NewAuthMiddleware(verifier)
	h := NewAdminHandler(store, sweeper, zaptest.NewLogger(t))

	r := gin.New()
	admin := r.Group("/admin")
	admin.Use(auth.BillingAdminOnly()...)
	admin.GET("/subscriptions", h.ListSubscriptions)
	admin.GET("/subscriptions/:id", h.GetSubscription)
	admin.GET("/subscriptions/:id/payments", h.ListPayments)
	admin.POST("/dunning/run", h.RunDunning)
	return r, store
}

func do(r *gin.Engine, method, path, token string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestAdmin_RequiresBillingAdmin(t *testing.T) {
	r, _ := setup(t, &fakeSweeper{})

	w, _ := do(r, http.MethodGet, "/admin/subscriptions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(r, http.MethodGet, "/admin/subscriptions", "forged")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(r, http.MethodGet, "/admin/subscriptions", "viewer")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(r, http.MethodGet, "/admin/subscriptions", "admin")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_DisabledWithoutVerifier(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := middleware.NewAuthMiddleware(nil)
	h := NewAdminHandler(memory.NewStore(), &fakeSweeper{}, zaptest.NewLogger(t))

	r := gin.New()
	r.GET("/admin/subscriptions", append(auth.BillingAdminOnly(), h.ListSubscriptions)...)

	w, _ := do(r, http.MethodGet, "/admin/subscriptions", "admin")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_Subscriptions(t *testing.T) {
	r, store := setup(t, &fakeSweeper{})
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	pastDue := store.Put(&subscription.Subscription{
		EstablishmentID:  sql.NullString{String: "e-1", Valid: true},
		PlanID:           "pro",
		Provider:         subscription.ProviderStripe,
		Status:           subscription.StatusPastDue,
		CurrentPeriodEnd: end,
	})
	store.Put(&subscription.Subscription{
		UserID:           sql.NullString{String: "u-1", Valid: true},
		PlanID:           "basic",
		Provider:         subscription.ProviderMercadoPago,
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: end.Add(24 * time.Hour),
	})

	t.Run("get", func(t *testing.T) {
		w, resp := do(r, http.MethodGet, "/admin/subscriptions/"+pastDue.ID, "admin")
		require.Equal(t, http.StatusOK, w.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, pastDue.ID, data["id"])
		assert.Equal(t, "past_due", data["status"])
		assert.Equal(t, "e-1", data["establishment_id"])
	})

	t.Run("get missing", func(t *testing.T) {
		w, _ := do(r, http.MethodGet, "/admin/subscriptions/nope", "admin")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("list by status", func(t *testing.T) {
		w, resp := do(r, http.MethodGet, "/admin/subscriptions?status=past_due", "admin")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, resp.Data, 1)

		w, resp = do(r, http.MethodGet, "/admin/subscriptions", "admin")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, resp.Data, 2)
	})

	t.Run("invalid status", func(t *testing.T) {
		w, _ := do(r, http.MethodGet, "/admin/subscriptions?status=frozen", "admin")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("payments", func(t *testing.T) {
		w, _ := do(r, http.MethodGet, "/admin/subscriptions/"+pastDue.ID+"/payments", "admin")
		assert.Equal(t, http.StatusOK, w.Code)

		w, _ = do(r, http.MethodGet, "/admin/subscriptions/nope/payments", "admin")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAdmin_RunDunning(t *testing.T) {
	sweeper := &fakeSweeper{report: dunning.SweepReport{Scanned: 3, Warned: 1, Escalated: 1}}
	r, _ := setup(t, sweeper)

	w, resp := do(r, http.MethodPost, "/admin/dunning/run", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, sweeper.calls)
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 3, data["scanned"])
	assert.EqualValues(t, 1, data["escalated"])

	sweeper.err = xerrors.Wrap(xerrors.ErrConflict, "sweep in progress")
	w, _ = do(r, http.MethodPost, "/admin/dunning/run", "admin")
	assert.Equal(t, http.StatusConflict, w.Code)

	sweeper.err = errors.New("database gone")
	w, _ = do(r, http.MethodPost, "/admin/dunning/run", "admin")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdmin_RunDunningOutlivesClientDisconnect(t *testing.T) {
	sweeper := &fakeSweeper{report: dunning.SweepReport{Scanned: 1}}
	r, _ := setup(t, sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/admin/dunning/run", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer admin")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 1, sweeper.calls)
	assert.NoError(t, sweeper.ctxErr, "sweep must not inherit the request cancellation")
	assert.True(t, sweeper.hasDeadline, "sweep runs under a bounded timeout")
	assert.Equal(t, http.StatusOK, w.Code)
}
