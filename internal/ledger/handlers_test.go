package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandler(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l, _ := newTestLedger()
	h := NewHandler(l, []string{"USDT", "USDC"}, slog.New(slog.DiscardHandler))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-User-ID"); u != "" {
			c.Set(ctxUserID, u)
		}
		c.Next()
	})
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterAdminRoutes(g)
	return r, l
}

func TestHandler_GetBalance(t *testing.T) {
	r, l := setupHandler(t)
	require.NoError(t, l.Deposit(context.Background(), "alice", "USDT", d("12.5"), "dep_1"))
	require.NoError(t, l.EscrowLock(context.Background(), "alice", "USDT", d("2.5"), "esc_1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/balances/usdt", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Balance map[string]string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "10.000000", body.Balance["available"])
	assert.Equal(t, "2.500000", body.Balance["escrowed"])
	assert.Equal(t, "12.500000", body.Balance["total"])
}

func TestHandler_RecordDeposit(t *testing.T) {
	r, l := setupHandler(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"ok", `{"userId":"bob","token":"usdc","amount":"7.25","reference":"0xfeed"}`, http.StatusCreated},
		{"replay", `{"userId":"bob","token":"usdc","amount":"7.25","reference":"0xfeed"}`, http.StatusCreated},
		{"missing field", `{"userId":"bob","token":"usdc","amount":"1"}`, http.StatusBadRequest},
		{"bad amount", `{"userId":"bob","token":"usdc","amount":"-3","reference":"r"}`, http.StatusBadRequest},
		{"unsupported token", `{"userId":"bob","token":"DOGE","amount":"1","reference":"r2"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/deposits", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	bal, err := l.GetBalance(context.Background(), "bob", "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d("7.25")), "available = %s", bal.Available)
}

func TestHandler_HistoryAndAudit(t *testing.T) {
	r, l := setupHandler(t)
	require.NoError(t, l.Deposit(context.Background(), "alice", "USDT", d("1"), "dep_1"))

	req := httptest.NewRequest(http.MethodGet, "/v1/ledger?token=USDT", nil)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/audit", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/audit?user=alice&operation=deposit", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
