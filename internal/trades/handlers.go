package trades

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/money"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for trades.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new trade handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterRoutes sets up trade routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.ListMine)
	r.GET("/trades/:id", h.Get)
	r.POST("/trades/:id/payment-made", h.PaymentMade)
	r.POST("/trades/:id/confirm", h.Confirm)
	r.POST("/trades/:id/cancel", h.Cancel)
}

// Get handles GET /trades/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	if !t.IsParticipant(c.GetString(ctxUserID)) {
		Fail(c, ErrTradeNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": View(t)})
}

// ListMine handles GET /trades?limit=
func (h *Handler) ListMine(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := h.controller.ListByUser(c.Request.Context(), c.GetString(ctxUserID), limit)
	if err != nil {
		Fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, t := range list {
		out = append(out, View(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

// PaymentMade handles POST /trades/:id/payment-made
func (h *Handler) PaymentMade(c *gin.Context) {
	t, err := h.controller.MarkPaymentMade(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": View(t)})
}

// Confirm handles POST /trades/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	t, err := h.controller.ConfirmPayment(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": View(t)})
}

// CancelRequest is the body of POST /trades/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if len(req.Reason) > 500 {
		req.Reason = req.Reason[:500]
	}
	t, err := h.controller.Cancel(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Reason)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": View(t)})
}

// View renders a trade with fixed-precision amounts.
func View(t *Trade) gin.H {
	v := gin.H{
		"id":                t.ID,
		"buyerId":           t.BuyerID,
		"sellerId":          t.SellerID,
		"token":             t.Token,
		"amount":            money.FormatToken(t.Amount),
		"pricePerUnit":      money.FormatFiat(t.PricePerUnit),
		"totalValue":        money.FormatFiat(t.TotalValue),
		"buyerCommission":   money.FormatFiat(t.BuyerCommission),
		"sellerCommission":  money.FormatFiat(t.SellerCommission),
		"makerSide":         t.MakerSide,
		"paymentMethods":    t.PaymentMethods,
		"status":            t.Status,
		"escrowId":          t.EscrowID,
		"expiresAt":         t.ExpiresAt,
		"commissionSettled": t.CommissionSettled,
		"createdAt":         t.CreatedAt,
		"updatedAt":         t.UpdatedAt,
	}
	optional := map[string]string{
		"buyOrderId":        t.BuyOrderID,
		"sellOrderId":       t.SellOrderID,
		"disputeReason":     t.DisputeReason,
		"disputeResolution": t.DisputeResolution,
		"cancelReason":      t.CancelReason,
	}
	for k, s := range optional {
		if s != "" {
			v[k] = s
		}
	}
	if t.CompletedAt != nil {
		v["completedAt"] = t.CompletedAt
	}
	if t.CancelledAt != nil {
		v["cancelledAt"] = t.CancelledAt
	}
	if t.ResolvedAt != nil {
		v["resolvedAt"] = t.ResolvedAt
	}
	return v
}

// Fail writes err in the standard error shape.
func Fail(c *gin.Context, err error) {
	msg := err.Error()
	if apperr.HTTPStatus(err) == http.StatusInternalServerError && !errors.Is(err, apperr.ErrManualIntervention) {
		msg = "Internal error"
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.Code(err),
		"message": msg,
	})
}
