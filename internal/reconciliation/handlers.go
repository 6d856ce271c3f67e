package reconciliation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	runner *Runner
	alerts AlertStore
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner, alerts AlertStore) *Handler {
	return &Handler{runner: runner, alerts: alerts}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconciliation/run", h.Run)
	r.GET("/admin/reconciliation/alerts", h.ListAlerts)
}

// Run handles POST /admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": "Failed to run reconciliation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ListAlerts handles GET /admin/reconciliation/alerts?limit=
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	alerts, err := h.alerts.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "alerts_error",
			"message": "Failed to list alerts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
