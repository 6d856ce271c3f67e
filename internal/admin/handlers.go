package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/escrow"
	"github.com/p2pdesk/settlement/internal/logging"
	"github.com/p2pdesk/settlement/internal/trades"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides admin HTTP endpoints.
type Handler struct {
	due     DueLister
	sweeper Sweeper
	escrow  EscrowService
	now     func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(due DueLister, sweeper Sweeper, escrow EscrowService) *Handler {
	return &Handler{due: due, sweeper: sweeper, escrow: escrow, now: time.Now}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/trades/stuck", h.listStuck)
	r.POST("/admin/trades/sweep", h.sweep)
	r.POST("/admin/escrow/:id/release", h.forceRelease)
	r.POST("/admin/escrow/:id/refund", h.forceRefund)
}

// listStuck returns open trades whose payment window has closed.
func (h *Handler) listStuck(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	due, err := h.due.ListDue(c.Request.Context(), h.now(), limit)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(due))
	for _, t := range due {
		out = append(out, trades.View(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

// sweep runs the timeout sweep and the commission retry now instead of
// waiting for the timer.
func (h *Handler) sweep(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.sweeper.Sweep(ctx)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	settled, err := h.sweeper.SettleCommissions(ctx, 100)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": n, "commissionsSettled": settled})
}

type releaseRequest struct {
	ToUserID string `json:"toUserId" binding:"required"`
	Note     string `json:"note"`
}

// forceRelease pays a locked record out to its counterparty.
func (h *Handler) forceRelease(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "toUserId is required",
		})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.escrow.Release(ctx, c.Param("id"), strings.TrimSpace(req.ToUserID))
	if err != nil {
		trades.Fail(c, err)
		return
	}
	logging.L(ctx).Warn("escrow released by admin",
		"escrowId", rec.ID, "to", rec.ReleasedTo, "admin", c.GetString(ctxUserID), "note", req.Note)
	c.JSON(http.StatusOK, gin.H{"escrow": escrow.View(rec)})
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// forceRefund returns a locked record to its owner.
func (h *Handler) forceRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	ctx := c.Request.Context()
	rec, err := h.escrow.Refund(ctx, c.Param("id"), "admin: "+strings.TrimSpace(req.Reason))
	if err != nil {
		trades.Fail(c, err)
		return
	}
	logging.L(ctx).Warn("escrow refunded by admin",
		"escrowId", rec.ID, "owner", rec.OwnerID, "admin", c.GetString(ctxUserID))
	c.JSON(http.StatusOK, gin.H{"escrow": escrow.View(rec)})
}
