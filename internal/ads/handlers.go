package ads

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ad operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new ad handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) ad routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ads", h.ListAds)
	r.GET("/ads/:id", h.GetAd)
}

// RegisterProtectedRoutes sets up auth-required ad routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/ads", h.CreateAd)
	r.POST("/ads/:id/status", h.SetStatus)
	r.POST("/ads/:id/close", h.CloseAd)
}

// CreateAd handles POST /v1/ads
func (h *Handler) CreateAd(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.MakerID = c.GetString("authUserID")

	ad, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondAdError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ad": ad})
}

// GetAd handles GET /v1/ads/:id
func (h *Handler) GetAd(c *gin.Context) {
	ad, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAdError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ad": ad})
}

// ListAds handles GET /v1/ads
func (h *Handler) ListAds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	f := Filter{
		Side:     Side(c.Query("side")),
		Currency: c.Query("currency"),
		Status:   Status(c.DefaultQuery("status", string(StatusActive))),
		MakerID:  c.Query("maker"),
		Limit:    limit,
	}
	adsList, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondAdError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ads": adsList, "count": len(adsList)})
}

// SetStatus handles POST /v1/ads/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	err := h.service.SetStatus(c.Request.Context(), c.GetString("authUserID"), c.Param("id"), req.Status)
	if err != nil {
		respondAdError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// CloseAd handles POST /v1/ads/:id/close
func (h *Handler) CloseAd(c *gin.Context) {
	err := h.service.Close(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		respondAdError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusClosed})
}

func respondAdError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Ad not found"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotMaker):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the ad maker may do this"})
	case errors.Is(err, ErrOpenOrders):
		c.JSON(http.StatusConflict, gin.H{"error": "open_orders", "message": "Ad still has open orders"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Ad changed concurrently, retry"})
	case errors.Is(err, ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "not_active", "message": "Ad is closed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
