package paymethods

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for saved payment methods.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment method handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required payment method routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payment-methods", h.Create)
	r.GET("/payment-methods", h.List)
	r.GET("/payment-methods/:id", h.Get)
	r.DELETE("/payment-methods/:id", h.Delete)
}

// Create handles POST /v1/payment-methods
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.OwnerID = c.GetString("authUserID")

	m, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondMethodError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paymentMethod": m})
}

// Get handles GET /v1/payment-methods/:id
func (h *Handler) Get(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		respondMethodError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentMethod": m})
}

// List handles GET /v1/payment-methods
func (h *Handler) List(c *gin.Context) {
	methods, err := h.service.List(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		respondMethodError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentMethods": methods, "count": len(methods)})
}

// Delete handles DELETE /v1/payment-methods/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.GetString("authUserID"), c.Param("id")); err != nil {
		respondMethodError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func respondMethodError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment method not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You do not own this payment method"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
