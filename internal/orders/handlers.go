package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/apperr"
	"github.com/p2pdesk/settlement/internal/money"
	"github.com/p2pdesk/settlement/internal/validation"
)

// ctxUserID is the gin key auth.Middleware stores the caller under.
const ctxUserID = "authUserID"

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes for the authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders", h.ListMine)
	r.GET("/orders/:id", h.Get)
	r.DELETE("/orders/:id", h.Cancel)
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	Side                 string   `json:"side" binding:"required"`
	Token                string   `json:"token" binding:"required"`
	Amount               string   `json:"amount" binding:"required"`
	PricePerUnit         string   `json:"pricePerUnit" binding:"required"`
	MinTradeAmount       string   `json:"minTradeAmount"`
	MaxTradeAmount       string   `json:"maxTradeAmount"`
	PaymentMethods       []string `json:"paymentMethods"`
	MinCounterpartyLevel int      `json:"minCounterpartyLevel"`
}

// Create handles POST /orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("side", req.Side, string(SideBuy), string(SideSell)),
		validation.MaxLength("token", req.Token, 16),
		validation.PositiveAmount("amount", req.Amount),
		validation.PositiveAmount("pricePerUnit", req.PricePerUnit),
		validation.PositiveAmount("maxTradeAmount", req.MaxTradeAmount),
		validation.NotEmpty("paymentMethods", req.PaymentMethods),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	amount, _ := money.ParsePositive(req.Amount)
	price, _ := money.ParsePositive(req.PricePerUnit)
	var minAmt, maxAmt decimal.Decimal
	if req.MinTradeAmount != "" {
		var err error
		if minAmt, err = money.Parse(req.MinTradeAmount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "minTradeAmount: " + err.Error(),
			})
			return
		}
	}
	if req.MaxTradeAmount != "" {
		maxAmt, _ = money.ParsePositive(req.MaxTradeAmount)
	}

	o, err := h.service.Create(c.Request.Context(), CreateRequest{
		OwnerID:              c.GetString(ctxUserID),
		Side:                 Side(req.Side),
		Token:                req.Token,
		Amount:               amount,
		PricePerUnit:         price,
		MinTradeAmount:       minAmt,
		MaxTradeAmount:       maxAmt,
		PaymentMethods:       req.PaymentMethods,
		MinCounterpartyLevel: req.MinCounterpartyLevel,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": View(o)})
}

// Get handles GET /orders/:id. Open orders are public; closed ones only to their owner.
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if !o.IsOpen() && o.OwnerID != c.GetString(ctxUserID) {
		fail(c, ErrOrderNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": View(o)})
}

// ListMine handles GET /orders?limit=
func (h *Handler) ListMine(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := h.service.ListByOwner(c.Request.Context(), c.GetString(ctxUserID), limit)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, o := range list {
		out = append(out, View(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out, "count": len(out)})
}

// Cancel handles DELETE /orders/:id
func (h *Handler) Cancel(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.GetString(ctxUserID), c.Param("id"))
	if err != nil && o == nil {
		fail(c, err)
		return
	}
	resp := gin.H{"order": View(o)}
	if err != nil {
		resp["warning"] = "order cancelled but escrow refund is pending manual review"
	}
	c.JSON(http.StatusOK, resp)
}

// View renders an order with fixed-precision amounts.
func View(o *Order) gin.H {
	v := gin.H{
		"id":                   o.ID,
		"ownerId":              o.OwnerID,
		"side":                 o.Side,
		"token":                o.Token,
		"totalAmount":          money.FormatToken(o.TotalAmount),
		"remainingAmount":      money.FormatToken(o.RemainingAmount),
		"filledAmount":         money.FormatToken(o.FilledAmount),
		"pricePerUnit":         money.FormatFiat(o.PricePerUnit),
		"minTradeAmount":       money.FormatToken(o.MinTradeAmount),
		"maxTradeAmount":       money.FormatToken(o.MaxTradeAmount),
		"paymentMethods":       o.PaymentMethods,
		"minCounterpartyLevel": o.MinCounterpartyLevel,
		"status":               o.Status,
		"createdAt":            o.CreatedAt,
		"updatedAt":            o.UpdatedAt,
	}
	if o.EscrowRef != "" {
		v["escrowRef"] = o.EscrowRef
	}
	return v
}

func fail(c *gin.Context, err error) {
	msg := err.Error()
	if apperr.HTTPStatus(err) == http.StatusInternalServerError && !errors.Is(err, apperr.ErrManualIntervention) {
		msg = "Internal error"
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{
		"error":   apperr.Code(err),
		"message": msg,
	})
}
