package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kudipeer/kudipeer/internal/orders"
)

// Handler provides HTTP endpoints for order chat.
type Handler struct {
	service *Service
}

// NewHandler creates a new chat handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required chat routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/messages", h.ListMessages)
	r.POST("/orders/:id/messages", h.PostMessage)
}

// PostMessage handles POST /v1/orders/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	m, err := h.service.Post(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Body)
	if err != nil {
		respondChatError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListMessages handles GET /v1/orders/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	isAdmin := c.GetString("authUserRole") == "admin"
	msgs, err := h.service.List(c.Request.Context(), c.GetString("authUserID"), isAdmin, c.Param("id"), limit)
	if err != nil {
		respondChatError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func respondChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only trade parties may access this chat"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Message body must be 1-2000 characters"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
