package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/auth"
	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/exchange"
	"github.com/nathanyu/securities-exchange/internal/marketdata"
)

type testServer struct {
	router   *gin.Engine
	exchange *exchange.Exchange
	users    *auth.Store
	admin    domain.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	x := exchange.New(exchange.Options{MaxBookDepth: 25, MaxTradeHistory: 100}, logger)
	users := auth.NewStore()
	admin, err := users.Register("admin", domain.RoleAdmin)
	require.NoError(t, err)

	h := New(x, users, marketdata.NewStream(logger), "USD", logger)
	r := gin.New()
	h.RegisterRoutes(r)

	return &testServer{router: r, exchange: x, users: users, admin: admin}
}

func (ts *testServer) do(t *testing.T, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "TOKEN "+apiKey)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) registerUser(t *testing.T, name string) domain.User {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/public/register", "", `{"name":"`+name+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var user domain.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
	return user
}

func (ts *testServer) listInstrument(t *testing.T, ticker string) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/admin/instrument", ts.admin.APIKey,
		`{"ticker":"`+ticker+`","name":"`+ticker+` Corp"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRegister_Validation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/public/register", "", `{"name":"ab"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.registerUser(t, "alice")
	w = ts.do(t, http.MethodPost, "/api/v1/public/register", "", `{"name":"alice"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAddInstrument_AdminOnly(t *testing.T) {
	ts := newTestServer(t)
	user := ts.registerUser(t, "alice")

	w := ts.do(t, http.MethodPost, "/api/v1/admin/instrument", user.APIKey,
		`{"ticker":"XYZ","name":"XYZ Corp"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/instrument", ts.admin.APIKey,
		`{"ticker":"xyz!","name":"bad ticker"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.listInstrument(t, "XYZ")
	w = ts.do(t, http.MethodPost, "/api/v1/admin/instrument", ts.admin.APIKey,
		`{"ticker":"XYZ","name":"XYZ Corp"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestInstrumentAdminGetUpdate(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")

	w := ts.do(t, http.MethodGet, "/api/v1/admin/instrument/XYZ", ts.admin.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	var inst domain.Instrument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inst))
	assert.Equal(t, "USD", inst.Quote)

	w = ts.do(t, http.MethodGet, "/api/v1/admin/instrument/NOPE", ts.admin.APIKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/admin/instrument/XYZ", ts.admin.APIKey,
		`{"name":"XYZ Holdings"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inst))
	assert.Equal(t, "XYZ Holdings", inst.Name)

	// Quote currency cannot change once listed.
	w = ts.do(t, http.MethodPut, "/api/v1/admin/instrument/XYZ", ts.admin.APIKey,
		`{"name":"XYZ Holdings","quote":"EUR"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteInstrument_ReleasesRestingOrders(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")
	alice := ts.registerUser(t, "alice")

	w := ts.do(t, http.MethodPost, "/api/v1/balance/deposit", alice.APIKey,
		`{"ticker":"USD","amount":100}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"BUY","ticker":"XYZ","qty":10,"price":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/api/v1/admin/instrument/XYZ", ts.admin.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The reservation came back with the delist.
	w = ts.do(t, http.MethodGet, "/api/v1/balance", alice.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	var balances map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balances))
	assert.Equal(t, int64(100), balances["USD"])
}

func TestPlaceOrder_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")
	alice := ts.registerUser(t, "alice")
	bob := ts.registerUser(t, "bobby")

	w := ts.do(t, http.MethodPost, "/api/v1/balance/deposit", alice.APIKey,
		`{"ticker":"USD","amount":100}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/v1/balance/deposit", bob.APIKey,
		`{"ticker":"XYZ","amount":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Limit buy rests.
	w = ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"BUY","ticker":"XYZ","qty":10,"price":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var placed domain.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))
	assert.Equal(t, domain.OrderStatusNew, placed.Order.Status)

	// The book shows it.
	w = ts.do(t, http.MethodGet, "/api/v1/public/orderbook/XYZ", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var levels domain.BookLevels
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &levels))
	require.Len(t, levels.Bids, 1)
	assert.Equal(t, int64(10), levels.Bids[0].Quantity)

	// Crossing sell executes both sides.
	w = ts.do(t, http.MethodPost, "/api/v1/order", bob.APIKey,
		`{"direction":"SELL","ticker":"XYZ","qty":10,"price":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sold domain.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sold))
	assert.Equal(t, domain.OrderStatusExecuted, sold.Order.Status)
	require.Len(t, sold.Trades, 1)

	// Trade shows up in public history.
	w = ts.do(t, http.MethodGet, "/api/v1/public/transactions/XYZ", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trades []domain.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 1)

	// Balances settled.
	w = ts.do(t, http.MethodGet, "/api/v1/balance", alice.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	var balances map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balances))
	assert.Equal(t, int64(10), balances["XYZ"])
}

func TestPlaceOrder_Rejections(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")
	alice := ts.registerUser(t, "alice")

	// No balance.
	w := ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"BUY","ticker":"XYZ","qty":10,"price":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown instrument.
	w = ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"BUY","ticker":"NOPE","qty":10,"price":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unauthenticated.
	w = ts.do(t, http.MethodPost, "/api/v1/order", "",
		`{"direction":"BUY","ticker":"XYZ","qty":10,"price":10}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCancelOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")
	alice := ts.registerUser(t, "alice")
	mallory := ts.registerUser(t, "mallory")

	w := ts.do(t, http.MethodPost, "/api/v1/balance/deposit", alice.APIKey,
		`{"ticker":"XYZ","amount":5}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"SELL","ticker":"XYZ","qty":5,"price":20}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed domain.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))

	// Someone else cannot cancel it.
	w = ts.do(t, http.MethodDelete, "/api/v1/order/"+placed.Order.OrderID, mallory.APIKey, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/order/"+placed.Order.OrderID, alice.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled domain.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	// Cancelling a terminal order conflicts.
	w = ts.do(t, http.MethodDelete, "/api/v1/order/"+placed.Order.OrderID, alice.APIKey, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetOrder_HidesOthers(t *testing.T) {
	ts := newTestServer(t)
	ts.listInstrument(t, "XYZ")
	alice := ts.registerUser(t, "alice")
	mallory := ts.registerUser(t, "mallory")

	w := ts.do(t, http.MethodPost, "/api/v1/balance/deposit", alice.APIKey,
		`{"ticker":"XYZ","amount":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/order", alice.APIKey,
		`{"direction":"SELL","ticker":"XYZ","qty":5,"price":20}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var placed domain.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))

	w = ts.do(t, http.MethodGet, "/api/v1/order/"+placed.Order.OrderID, alice.APIKey, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/order/"+placed.Order.OrderID, mallory.APIKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.registerUser(t, "alice")

	w := ts.do(t, http.MethodPost, "/api/v1/balance/withdraw", alice.APIKey,
		`{"ticker":"USD","amount":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminDeposit(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.registerUser(t, "alice")

	w := ts.do(t, http.MethodPost, "/api/v1/admin/balance/deposit", ts.admin.APIKey,
		`{"user_id":"`+alice.ID+`","ticker":"USD","amount":500}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/balance", alice.APIKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	var balances map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balances))
	assert.Equal(t, int64(500), balances["USD"])

	// Unknown target user.
	w = ts.do(t, http.MethodPost, "/api/v1/admin/balance/deposit", ts.admin.APIKey,
		`{"user_id":"nobody","ticker":"USD","amount":500}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
