package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kudipeer/kudipeer/internal/ads"
	"github.com/kudipeer/kudipeer/internal/ledger"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/pay", h.MarkPaid)
	r.POST("/orders/:id/release", h.Release)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/resolve", h.ResolveDispute)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.TakerID = c.GetString("authUserID")

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(),
		c.GetString("authUserID"), c.GetString("authUserRole") == "admin", c.Param("id"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

// MarkPaid handles POST /v1/orders/:id/pay
func (h *Handler) MarkPaid(c *gin.Context) {
	order, err := h.service.MarkPaid(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Release handles POST /v1/orders/:id/release
func (h *Handler) Release(c *gin.Context) {
	order, err := h.service.Release(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	order, err := h.service.Cancel(c.Request.Context(), c.GetString("authUserID"), c.Param("id"), req.Reason)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// RaiseDispute handles POST /v1/orders/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	order, err := h.service.RaiseDispute(c.Request.Context(), c.GetString("authUserID"), c.Param("id"), req.Reason)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Decision Decision `json:"decision"`
		Notes    string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	order, err := h.service.ResolveDispute(c.Request.Context(),
		c.GetString("authUserID"), c.Param("id"), req.Decision, req.Notes, c.ClientIP())
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func respondOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ads.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Not found"})
	case errors.Is(err, ErrValidation), errors.Is(err, ErrAmountOutOfRange), errors.Is(err, ErrSelfTrade):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ads.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Inventory changed concurrently, retry"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
