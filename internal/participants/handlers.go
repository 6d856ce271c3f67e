package participants

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/validation"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for participant profiles.
type Handler struct {
	dir *Directory
}

// NewHandler creates a new participant handler.
func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/profile", h.GetMine)
	r.POST("/profile/blocks", h.Block)
	r.DELETE("/profile/blocks/:userId", h.Unblock)
}

// RegisterAdminRoutes sets up admin-only profile routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/participants/:id", h.Get)
	r.PUT("/admin/participants/:id", h.Put)
}

// GetMine handles GET /profile
func (h *Handler) GetMine(c *gin.Context) {
	h.respond(c, c.GetString(ctxUserID))
}

// Get handles GET /admin/participants/:id
func (h *Handler) Get(c *gin.Context) {
	h.respond(c, c.Param("id"))
}

func (h *Handler) respond(c *gin.Context, userID string) {
	p, err := h.dir.Profile(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "profile_error",
			"message": "Failed to retrieve profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// ProfileRequest replaces a user's trading profile (admin use).
type ProfileRequest struct {
	TradingEnabled    bool     `json:"tradingEnabled"`
	VerificationLevel int      `json:"verificationLevel"`
	SingleTradeLimit  string   `json:"singleTradeLimit"`
	DailyLimit        string   `json:"dailyLimit"`
	Blocked           []string `json:"blocked"`
}

// Put handles PUT /admin/participants/:id
func (h *Handler) Put(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	userID := c.Param("id")
	p := &Profile{
		UserID:            userID,
		TradingEnabled:    req.TradingEnabled,
		VerificationLevel: req.VerificationLevel,
		Blocked:           req.Blocked,
	}
	var err error
	if req.SingleTradeLimit != "" {
		if p.SingleTradeLimit, err = money.Parse(req.SingleTradeLimit); err != nil {
			h.fail(c, apperr.Validation("singleTradeLimit: %v", err))
			return
		}
	}
	if req.DailyLimit != "" {
		if p.DailyLimit, err = money.Parse(req.DailyLimit); err != nil {
			h.fail(c, apperr.Validation("dailyLimit: %v", err))
			return
		}
	}
	if err := h.dir.Save(c.Request.Context(), p); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// Block handles POST /profile/blocks {"userId": "..."}
func (h *Handler) Block(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}
	if errs := validation.Validate(validation.MaxLength("userId", req.UserID, 128)); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	p, err := h.dir.Block(c.Request.Context(), c.GetString(ctxUserID), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// Unblock handles DELETE /profile/blocks/:userId
func (h *Handler) Unblock(c *gin.Context) {
	p, err := h.dir.Unblock(c.Request.Context(), c.GetString(ctxUserID), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

func (h *Handler) fail(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.Code(err),
		"message": err.Error(),
	})
}
