package transfers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kudipeer/kudipeer/internal/bank"
	"github.com/kudipeer/kudipeer/internal/idempotency"
	"github.com/kudipeer/kudipeer/internal/ledger"
)

// CreditParser verifies a raw webhook payload and reduces it to a bank
// credit.
type CreditParser interface {
	ParseCredit(payload []byte, sigHeader string) (*bank.Credit, error)
}

// Handler provides HTTP endpoints for transfers, withdrawals and the
// inbound bank webhook.
type Handler struct {
	service *Service
	parser  CreditParser
}

// NewHandler creates a new transfer handler. parser may be nil when no
// bank webhook is configured.
func NewHandler(service *Service, parser CreditParser) *Handler {
	return &Handler{service: service, parser: parser}
}

// RegisterRoutes sets up public webhook routes. The webhook is
// authenticated by signature, not by session.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/bank", h.BankWebhook)
}

// RegisterProtectedRoutes sets up auth-required transfer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transfers/token", h.IssueToken)
	r.POST("/transfers", h.Transfer)
	r.POST("/withdrawals", h.Withdraw)
}

// IssueToken handles POST /v1/transfers/token
func (h *Handler) IssueToken(c *gin.Context) {
	t, err := h.service.IssueToken(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": t.Value, "expiresAt": t.ExpiresAt})
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	entries, err := h.service.Transfer(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Withdraw handles POST /v1/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	entries, err := h.service.Withdraw(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entries": entries})
}

// BankWebhook handles POST /v1/webhooks/bank. A verified duplicate is
// acknowledged with 200 so the provider stops redelivering.
func (h *Handler) BankWebhook(c *gin.Context) {
	if h.parser == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "not_configured", "message": "No bank provider configured"})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read payload"})
		return
	}
	credit, err := h.parser.ParseCredit(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		respondTransferError(c, err)
		return
	}
	if _, err := h.service.WebhookCredit(c.Request.Context(), credit); err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func respondTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, idempotency.ErrTokenInvalid):
		c.JSON(http.StatusForbidden, gin.H{"error": "token_invalid", "message": "Transfer token is invalid or spent"})
	case errors.Is(err, ErrSelfTransfer):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_transfer", "message": "Cannot transfer to yourself"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Insufficient available balance"})
	case errors.Is(err, bank.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	case errors.Is(err, bank.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event", "message": "Webhook event is malformed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
