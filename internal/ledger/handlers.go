package ledger

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/validation"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	tokens []string
	logger *slog.Logger
}

// NewHandler creates a new ledger handler. Deposits are accepted only for tokens.
func NewHandler(ledger *Ledger, tokens []string, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, tokens: tokens, logger: logger}
}

// RegisterRoutes sets up routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:token", h.GetBalance)
	r.GET("/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/deposits", h.RecordDeposit)
	r.GET("/admin/audit", h.QueryAudit)
}

// GetBalance handles GET /balances/:token
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.GetString(ctxUserID), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": gin.H{
			"userId":    balance.UserID,
			"token":     balance.Token,
			"available": money.FormatToken(balance.Available),
			"escrowed":  money.FormatToken(balance.Escrowed),
			"total":     money.FormatToken(balance.Total()),
		},
	})
}

// GetHistory handles GET /ledger?token=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), c.GetString(ctxUserID), c.Query("token"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest records funds that arrived from outside (admin use).
type DepositRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /admin/deposits. Replaying a reference is a no-op.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("userId", req.UserID, 128),
		validation.MaxLength("reference", req.Reference, 256),
		validation.PositiveAmount("amount", req.Amount),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	token := normToken(req.Token)
	if !slices.Contains(h.tokens, token) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_token",
			"message": "Token is not supported: " + token,
		})
		return
	}

	amount, _ := money.ParsePositive(req.Amount)
	if err := h.ledger.Deposit(c.Request.Context(), req.UserID, token, amount, req.Reference); err != nil {
		h.logger.Error("deposit failed", "userId", req.UserID, "reference", req.Reference, "error", err)
		c.JSON(apperr.HTTPStatus(err), gin.H{
			"error":   apperr.Code(err),
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":    "credited",
		"reference": req.Reference,
	})
}

// QueryAudit handles GET /admin/audit?user=&from=&to=&operation=&limit=
func (h *Handler) QueryAudit(c *gin.Context) {
	if h.ledger.auditLogger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Audit logging is not enabled",
		})
		return
	}

	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "user query parameter is required",
		})
		return
	}

	from := time.Time{}
	to := time.Now()
	if s := c.Query("from"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			from = t
		}
	}
	if s := c.Query("to"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			to = t
		}
	}
	limit := 100
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.ledger.auditLogger.QueryAudit(c.Request.Context(), user, from, to, c.Query("operation"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to query audit log",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
