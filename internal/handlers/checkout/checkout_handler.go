// internal/handlers/checkout/checkout_handler.go
package checkout

import (
	"net/http"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/pkg/response"
	service "billing-service/internal/service/checkout"

	"github.com/gin-gonic/gin"
)

type CheckoutHandler struct {
	checkoutService *service.CheckoutService
}

func NewCheckoutHandler(checkoutService *service.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
	}
}

// CreatePreference starts a hosted checkout
func (h *CheckoutHandler) CreatePreference(c *gin.Context) {
	var req subscription.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.checkoutService.CreatePreference(c.Request.Context(), c.Param("provider"), &req)
	if err != nil {
		response.FromError(c, "failed to create checkout preference", err)
		return
	}

	response.Success(c, http.StatusCreated, "checkout preference created", result)
}

// CreatePixPayment issues a pix QR code
func (h *CheckoutHandler) CreatePixPayment(c *gin.Context) {
	var req subscription.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.checkoutService.CreatePixPayment(c.Request.Context(), c.Param("provider"), &req)
	if err != nil {
		response.FromError(c, "failed to create pix payment", err)
		return
	}

	response.Success(c, http.StatusCreated, "pix payment created", result)
}

// CreateCharge charges a saved payment method
func (h *CheckoutHandler) CreateCharge(c *gin.Context) {
	var req subscription.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	result, err := h.checkoutService.CreateCharge(c.Request.Context(), c.Param("provider"), &req)
	if err != nil {
		response.FromError(c, "failed to create charge", err)
		return
	}

	response.Success(c, http.StatusCreated, "charge created", result)
}
