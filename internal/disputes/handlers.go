package disputes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/trades"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes for trade participants.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/dispute", h.Initiate)
	r.GET("/trades/:id/dispute", h.Get)
	r.POST("/trades/:id/evidence", h.SubmitEvidence)
}

// RegisterModeratorRoutes sets up routes that need moderator rights. The
// group must already require the admin secret.
func (h *Handler) RegisterModeratorRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/resolve", h.Resolve)
	r.GET("/disputes", h.ListOpen)
}

// InitiateRequest is the body of POST /trades/:id/dispute.
type InitiateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Initiate handles POST /trades/:id/dispute
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if !bind(c, &req) {
		return
	}
	dc, err := h.service.Initiate(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Reason)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dc})
}

// Get handles GET /trades/:id/dispute
func (h *Handler) Get(c *gin.Context) {
	dc, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// EvidenceRequest is the body of POST /trades/:id/evidence.
type EvidenceRequest struct {
	Evidence string `json:"evidence" binding:"required"`
}

// SubmitEvidence handles POST /trades/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if !bind(c, &req) {
		return
	}
	dc, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), req.Evidence)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc})
}

// ResolveRequest is the body of POST /trades/:id/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}

// Resolve handles POST /trades/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Notes) > maxReasonLength {
		req.Notes = req.Notes[:maxReasonLength]
	}
	dc, t, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID), Outcome(req.Outcome), req.Notes)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dc, "trade": trades.View(t)})
}

// ListOpen handles GET /disputes?limit=
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		trades.Fail(c, err)
		return
	}
	if list == nil {
		list = []*Case{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}
