package matching

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/trades"
	"github.com/p2pdesk/settlement/internal/validation"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for matching.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new matching handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up taker routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/take", h.Take)
}

// RegisterAdminRoutes sets up the manual matching trigger.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/matching/run", h.Run)
}

// TakeRequest is the body of POST /orders/:id/take.
type TakeRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Take handles POST /orders/:id/take
func (h *Handler) Take(c *gin.Context) {
	var req TakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	amount, _ := money.ParsePositive(req.Amount)

	t, err := h.engine.CreateTradeFromOrder(c.Request.Context(), c.GetString(ctxUserID), c.Param("id"), amount)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": trades.View(t)})
}

// Run handles POST /matching/run
func (h *Handler) Run(c *gin.Context) {
	result, err := h.engine.MatchAll(c.Request.Context())
	if err != nil {
		trades.Fail(c, err)
		return
	}
	created := make([]gin.H, 0, len(result.Trades))
	for _, t := range result.Trades {
		created = append(created, trades.View(t))
	}
	failures := result.Failures
	if failures == nil {
		failures = []PairFailure{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": created, "failures": failures})
}
