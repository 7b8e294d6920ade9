package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kudipeer/kudipeer/internal/idgen"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required wallet routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/wallet", h.CreateWallet)
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/history", h.History)
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Reconciliation)
}

// CreateWallet handles POST /v1/wallet
func (h *Handler) CreateWallet(c *gin.Context) {
	userID := c.GetString("authUserID")
	acct, err := h.service.CreateAccount(c.Request.Context(), idgen.WithPrefix("acct_"), userID)
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			existing, gerr := h.service.AccountByUser(c.Request.Context(), userID)
			if gerr == nil {
				c.JSON(http.StatusOK, gin.H{"account": existing})
				return
			}
		}
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	acct, err := h.service.AccountByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// History handles GET /v1/wallet/history
func (h *Handler) History(c *gin.Context) {
	acct, err := h.service.AccountByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), acct.ID, limit)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Reconciliation handles GET /v1/admin/reconciliation
func (h *Handler) Reconciliation(c *gin.Context) {
	balance, locked, err := h.service.SumBalances(c.Request.Context())
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalBalance": balance, "totalLocked": locked})
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Wallet already exists"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
