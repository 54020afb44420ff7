// internal/app/router.go
package app

import (
	adminHandler "billing-service/internal/handlers/admin"
	checkoutHandler "billing-service/internal/handlers/checkout"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	WebhookHandler  *webhookHandler.WebhookHandler
	CheckoutHandler *checkoutHandler.CheckoutHandler
	AdminHandler    *adminHandler.AdminHandler
	AuthMiddleware  *middleware.AuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Metrics ====================
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ==================== Provider Webhooks ====================
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/mercadopago", h.WebhookHandler.MercadoPago)
		webhooks.POST("/stripe", h.WebhookHandler.Stripe)
	}

	// ==================== Checkout ====================
	checkout := api.Group("/checkout/:provider")
	{
		checkout.POST("/preference", h.CheckoutHandler.CreatePreference)
		checkout.POST("/pix", h.CheckoutHandler.CreatePixPayment)
		checkout.POST("/charge", h.CheckoutHandler.CreateCharge)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.BillingAdminOnly()...)
	{
		admin.GET("/subscriptions", h.AdminHandler.ListSubscriptions)
		admin.GET("/subscriptions/:id", h.AdminHandler.GetSubscription)
		admin.GET("/subscriptions/:id/payments", h.AdminHandler.ListPayments)
		admin.POST("/dunning/run", h.AdminHandler.RunDunning)
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
