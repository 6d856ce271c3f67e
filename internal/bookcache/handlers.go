package bookcache

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves order book reads.
type Handler struct {
	cache *Cache
}

// NewHandler creates a new order book handler.
func NewHandler(cache *Cache) *Handler {
	return &Handler{cache: cache}
}

// RegisterRoutes sets up the public order book route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orderbook/:token", h.Get)
}

// Get handles GET /orderbook/:token
func (h *Handler) Get(c *gin.Context) {
	s, err := h.cache.Get(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load order book",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderbook": s})
}
