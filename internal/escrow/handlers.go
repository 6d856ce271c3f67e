package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/money"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides read-only HTTP endpoints for escrow records.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up escrow routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow", h.ListMine)
	r.GET("/escrow/:id", h.Get)
}

// Get handles GET /escrow/:id. Only the owner or the counterparty may read it.
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to retrieve escrow",
		})
		return
	}
	if !rec.Involves(c.GetString(ctxUserID)) {
		// Same answer as a missing record, so ids cannot be probed.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": View(rec)})
}

// ListMine handles GET /escrow?limit=
func (h *Handler) ListMine(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	records, err := h.manager.ListByOwner(c.Request.Context(), c.GetString(ctxUserID), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_error",
			"message": "Failed to list escrows",
		})
		return
	}
	out := make([]gin.H, 0, len(records))
	for _, r := range records {
		out = append(out, View(r))
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out, "count": len(out)})
}

// View renders a record for JSON responses.
func View(r *Record) gin.H {
	v := gin.H{
		"id":        r.ID,
		"ownerId":   r.OwnerID,
		"token":     r.Token,
		"amount":    money.FormatToken(r.Amount),
		"status":    r.Status,
		"backing":   r.Backing,
		"createdAt": r.CreatedAt,
	}
	optional := map[string]string{
		"counterpartyId": r.CounterpartyID,
		"tradeId":        r.TradeID,
		"parentId":       r.ParentID,
		"externalRef":    r.ExternalRef,
		"releasedTo":     r.ReleasedTo,
		"reason":         r.Reason,
	}
	for k, s := range optional {
		if s != "" {
			v[k] = s
		}
	}
	if r.CompletedAt != nil {
		v["completedAt"] = r.CompletedAt
	}
	return v
}
