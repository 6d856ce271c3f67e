package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/settlement/internal/config"
)

const adminSecret = "test-admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		AdminSecret:          adminSecret,
		Moderators:           []string{"mod"},
		PlatformAccount:      "platform",
		SupportedTokens:      []string{"USDT"},
		CommissionRate:       decimal.RequireFromString("0.01"),
		TradeTimeout:         30 * time.Minute,
		DisputeExtension:     72 * time.Hour,
		CompromiseBuyerShare: decimal.RequireFromString("0.5"),
		EscrowBacking:        config.BackingDatabase,
		ChainCallTimeout:     5 * time.Second,
		SweepInterval:        time.Minute,
		MatchInterval:        time.Minute,
		ReconcileInterval:    time.Minute,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

type call struct {
	method string
	path   string
	body   string
	user   string
	admin  bool
}

func do(t *testing.T, s *Server, c call) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if c.admin {
		req.Header.Set("X-Admin-Secret", adminSecret)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func field(t *testing.T, m map[string]any, path ...string) any {
	t.Helper()
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "no object at %q", p)
		cur = obj[p]
	}
	return cur
}

// openTrade deposits for the seller, posts a sell order and lets the buyer
// take part of it. It returns the trade id.
func openTrade(t *testing.T, s *Server) string {
	t.Helper()
	code, _ := do(t, s, call{
		method: http.MethodPost, path: "/v1/admin/deposits", admin: true,
		body: `{"userId":"seller","token":"USDT","amount":"100","reference":"dep-1"}`,
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp := do(t, s, call{
		method: http.MethodPost, path: "/v1/orders", user: "seller",
		body: `{"side":"sell","token":"USDT","amount":"50","pricePerUnit":"15.00",
			"minTradeAmount":"1","maxTradeAmount":"50","paymentMethods":["bank"]}`,
	})
	require.Equal(t, http.StatusCreated, code)
	orderID := field(t, resp, "order", "id").(string)

	code, resp = do(t, s, call{
		method: http.MethodPost, path: "/v1/orders/" + orderID + "/take", user: "buyer",
		body: `{"amount":"10"}`,
	})
	require.Equal(t, http.StatusCreated, code, resp)
	assert.Equal(t, "payment_pending", field(t, resp, "trade", "status"))
	return field(t, resp, "trade", "id").(string)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	code, resp := do(t, s, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, Version, resp["version"])

	code, _ = do(t, s, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready before Run")
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestPlatformInfo(t *testing.T) {
	s := newTestServer(t)
	code, resp := do(t, s, call{method: http.MethodGet, path: "/v1/platform"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "database", resp["escrowBacking"])
	assert.Equal(t, []any{"USDT"}, resp["tokens"])
}

func TestAuthBoundaries(t *testing.T) {
	s := newTestServer(t)

	code, _ := do(t, s, call{method: http.MethodGet, path: "/v1/trades"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, s, call{
		method: http.MethodPost, path: "/v1/admin/deposits", user: "alice",
		body: `{"userId":"alice","token":"USDT","amount":"1","reference":"r"}`,
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, s, call{method: http.MethodGet, path: "/v1/disputes", user: "mod"})
	assert.Equal(t, http.StatusForbidden, code, "moderator routes need the admin secret")

	code, _ = do(t, s, call{method: http.MethodGet, path: "/v1/disputes", user: "mod", admin: true})
	assert.Equal(t, http.StatusOK, code)
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tradeID := openTrade(t, s)

	code, resp := do(t, s, call{method: http.MethodGet, path: "/v1/orderbook/usdt"})
	require.Equal(t, http.StatusOK, code)
	asks := field(t, resp, "orderbook", "asks").([]any)
	require.Len(t, asks, 1)
	assert.Equal(t, "40.000000", asks[0].(map[string]any)["amount"])

	code, _ = do(t, s, call{method: http.MethodPost, path: "/v1/trades/" + tradeID + "/confirm", user: "buyer"})
	assert.Equal(t, http.StatusForbidden, code, "only the seller confirms")

	code, resp = do(t, s, call{method: http.MethodPost, path: "/v1/trades/" + tradeID + "/payment-made", user: "buyer"})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "payment_made", field(t, resp, "trade", "status"))

	code, resp = do(t, s, call{method: http.MethodPost, path: "/v1/trades/" + tradeID + "/confirm", user: "seller"})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "completed", field(t, resp, "trade", "status"))

	code, resp = do(t, s, call{method: http.MethodGet, path: "/v1/balances/USDT", user: "buyer"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10.000000", field(t, resp, "balance", "available"))

	code, resp = do(t, s, call{method: http.MethodGet, path: "/v1/balances/USDT", user: "seller"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.000000", field(t, resp, "balance", "escrowed"))

	code, resp = do(t, s, call{method: http.MethodPost, path: "/v1/admin/reconciliation/run", admin: true})
	require.Equal(t, http.StatusOK, code, resp)
}

func TestDisputeResolutionOverHTTP(t *testing.T) {
	s := newTestServer(t)
	tradeID := openTrade(t, s)

	code, _ := do(t, s, call{method: http.MethodPost, path: "/v1/trades/" + tradeID + "/payment-made", user: "buyer"})
	require.Equal(t, http.StatusOK, code)

	code, resp := do(t, s, call{
		method: http.MethodPost, path: "/v1/trades/" + tradeID + "/dispute", user: "buyer",
		body: `{"reason":"seller is not answering"}`,
	})
	require.Equal(t, http.StatusCreated, code, resp)

	code, _ = do(t, s, call{
		method: http.MethodPost, path: "/v1/trades/" + tradeID + "/resolve", user: "seller", admin: true,
		body: `{"outcome":"seller_wins"}`,
	})
	assert.Equal(t, http.StatusForbidden, code, "parties cannot moderate")

	code, resp = do(t, s, call{
		method: http.MethodPost, path: "/v1/trades/" + tradeID + "/resolve", user: "mod", admin: true,
		body: `{"outcome":"buyer_wins","notes":"bank statement checks out"}`,
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "completed", field(t, resp, "trade", "status"))

	code, resp = do(t, s, call{method: http.MethodGet, path: "/v1/balances/USDT", user: "buyer"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10.000000", field(t, resp, "balance", "available"))
}

func TestNew_RejectsBadRedisURL(t *testing.T) {
	_, err := New(testConfig(), func(s *Server) { s.cfg.RedisURL = "not a url" })
	require.Error(t, err)
}

func TestNew_SimulatedBacking(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.EscrowBacking = config.BackingSimulated })
	assert.Equal(t, "onchain", string(s.escrow.Backing()))
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/settlement",
		maskDSN("postgres://app:hunter2@db:5432/settlement"))
}

func TestAdminStuckTrades(t *testing.T) {
	s := newTestServer(t)
	openTrade(t, s)

	code, resp := do(t, s, call{method: http.MethodGet, path: "/v1/admin/trades/stuck", admin: true})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, float64(0), resp["count"])

	code, _ = do(t, s, call{method: http.MethodPost, path: "/v1/admin/trades/sweep", user: "buyer"})
	assert.Equal(t, http.StatusForbidden, code)
}
