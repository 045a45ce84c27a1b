package handler

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/auth"
	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/exchange"
	"github.com/nathanyu/securities-exchange/internal/marketdata"
	"github.com/nathanyu/securities-exchange/internal/middleware"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	exchange     *exchange.Exchange
	users        *auth.Store
	stream       *marketdata.Stream
	defaultQuote string
	logger       *zap.Logger
}

// New creates a Handler.
func New(x *exchange.Exchange, users *auth.Store, stream *marketdata.Stream, defaultQuote string, logger *zap.Logger) *Handler {
	return &Handler{
		exchange:     x,
		users:        users,
		stream:       stream,
		defaultQuote: defaultQuote,
		logger:       logger,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/ws/trades", h.stream.ServeWS)

	public := r.Group("/api/v1/public")
	{
		public.POST("/register", h.Register)
		public.GET("/instrument", h.ListInstruments)
		public.GET("/orderbook/:ticker", h.GetOrderBook)
		public.GET("/transactions/:ticker", h.GetTransactions)
	}

	authed := r.Group("/api/v1", auth.Middleware(h.users))
	{
		authed.GET("/balance", h.GetBalances)
		authed.POST("/balance/deposit", h.Deposit)
		authed.POST("/balance/withdraw", h.Withdraw)

		authed.POST("/order", h.PlaceOrder)
		authed.GET("/order", h.ListOrders)
		authed.GET("/order/:id", h.GetOrder)
		authed.DELETE("/order/:id", h.CancelOrder)
	}

	admin := r.Group("/api/v1/admin", auth.Middleware(h.users), auth.RequireAdmin())
	{
		admin.POST("/instrument", h.AddInstrument)
		admin.GET("/instrument/:ticker", h.GetInstrument)
		admin.PUT("/instrument/:ticker", h.UpdateInstrument)
		admin.DELETE("/instrument/:ticker", h.DeleteInstrument)
		admin.POST("/balance/deposit", h.AdminDeposit)
		admin.POST("/balance/withdraw", h.AdminWithdraw)
		admin.DELETE("/user/:id", h.DeleteUser)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "securities-exchange",
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusInternalServerError
	default:
		// UnknownInstrument, InsufficientBalance, InvalidOrder
		return http.StatusBadRequest
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("internal consistency failure", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// RegisterRequest is the body for POST /api/v1/public/register.
type RegisterRequest struct {
	Name string `json:"name" binding:"required,min=3,max=100"`
}

// Register creates a user and returns its API key.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(req.Name, domain.RoleUser)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListInstruments returns the listed instruments.
func (h *Handler) ListInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, h.exchange.Instruments())
}

// GetOrderBook handles GET /api/v1/public/orderbook/:ticker.
func (h *Handler) GetOrderBook(c *gin.Context) {
	depth, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	levels, err := h.exchange.BookLevels(c.Param("ticker"), depth)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, levels)
}

// GetTransactions handles GET /api/v1/public/transactions/:ticker.
func (h *Handler) GetTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	trades, err := h.exchange.TradeHistory(c.Param("ticker"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetBalances returns the caller's available balances by asset.
func (h *Handler) GetBalances(c *gin.Context) {
	user := auth.CurrentUser(c)
	c.JSON(http.StatusOK, h.exchange.Balances(user.ID))
}

// BalanceRequest is the body for deposit and withdraw.
type BalanceRequest struct {
	Ticker string `json:"ticker" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// Deposit credits the caller's balance.
func (h *Handler) Deposit(c *gin.Context) {
	var req BalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.exchange.Deposit(auth.CurrentUser(c).ID, req.Ticker, req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Withdraw debits the caller's balance.
func (h *Handler) Withdraw(c *gin.Context) {
	var req BalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.exchange.Withdraw(auth.CurrentUser(c).ID, req.Ticker, req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PlaceOrderRequest is the body for POST /api/v1/order. A present price
// makes the order a limit order; an absent price makes it a market order.
type PlaceOrderRequest struct {
	Direction domain.Side `json:"direction" binding:"required"`
	Ticker    string      `json:"ticker" binding:"required"`
	Qty       int64       `json:"qty" binding:"required,gt=0"`
	Price     *int64      `json:"price" binding:"omitempty,gt=0"`
}

// PlaceOrder submits an order and returns its final snapshot plus the
// trades generated by this submission.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := domain.OrderKindMarket
	var price int64
	if req.Price != nil {
		kind = domain.OrderKindLimit
		price = *req.Price
	}

	result, err := h.exchange.SubmitOrder(auth.CurrentUser(c).ID, req.Ticker, req.Direction, kind, price, req.Qty)
	if err != nil {
		middleware.OrdersTotal.WithLabelValues(req.Ticker, "rejected").Inc()
		h.fail(c, err)
		return
	}

	middleware.OrdersTotal.WithLabelValues(req.Ticker, "accepted").Inc()
	middleware.TradesTotal.WithLabelValues(req.Ticker).Add(float64(len(result.Trades)))
	c.JSON(http.StatusCreated, result)
}

// ListOrders returns the caller's orders.
func (h *Handler) ListOrders(c *gin.Context) {
	c.JSON(http.StatusOK, h.exchange.ListOrders(auth.CurrentUser(c).ID))
}

// GetOrder returns one of the caller's orders by id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.exchange.GetOrder(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if order.UserID != auth.CurrentUser(c).ID {
		// Do not reveal other users' orders.
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder cancels one of the caller's working orders.
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.exchange.CancelOrder(c.Param("id"), auth.CurrentUser(c).ID)
	if err != nil {
		middleware.CancelsTotal.WithLabelValues("rejected").Inc()
		h.fail(c, err)
		return
	}
	middleware.CancelsTotal.WithLabelValues("cancelled").Inc()
	c.JSON(http.StatusOK, order)
}

// InstrumentRequest is the body for POST /api/v1/admin/instrument.
type InstrumentRequest struct {
	Ticker string `json:"ticker" binding:"required"`
	Name   string `json:"name" binding:"required,max=100"`
	Quote  string `json:"quote"`
}

// AddInstrument lists a new instrument.
func (h *Handler) AddInstrument(c *gin.Context) {
	var req InstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !tickerPattern.MatchString(req.Ticker) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ticker must match ^[A-Z]{2,10}$"})
		return
	}

	quote := req.Quote
	if quote == "" {
		quote = h.defaultQuote
	}
	inst := domain.Instrument{Ticker: req.Ticker, Name: req.Name, Quote: quote}
	if err := h.exchange.AddInstrument(inst); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// GetInstrument returns one listed instrument.
func (h *Handler) GetInstrument(c *gin.Context) {
	inst, err := h.exchange.Instrument(c.Param("ticker"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// UpdateInstrumentRequest is the body for PUT /api/v1/admin/instrument/:ticker.
type UpdateInstrumentRequest struct {
	Name  string `json:"name" binding:"required,max=100"`
	Quote string `json:"quote"`
}

// UpdateInstrument renames a listed instrument. The quote currency is
// immutable; sending a different one conflicts.
func (h *Handler) UpdateInstrument(c *gin.Context) {
	var req UpdateInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := h.exchange.UpdateInstrument(c.Param("ticker"), req.Name, req.Quote)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DeleteInstrument delists an instrument.
func (h *Handler) DeleteInstrument(c *gin.Context) {
	if err := h.exchange.RemoveInstrument(c.Param("ticker")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AdminBalanceRequest is the body for admin deposit and withdraw.
type AdminBalanceRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Ticker string `json:"ticker" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// AdminDeposit credits any user's balance.
func (h *Handler) AdminDeposit(c *gin.Context) {
	var req AdminBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.users.Get(req.UserID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if err := h.exchange.Deposit(req.UserID, req.Ticker, req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AdminWithdraw debits any user's balance.
func (h *Handler) AdminWithdraw(c *gin.Context) {
	var req AdminBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.exchange.Withdraw(req.UserID, req.Ticker, req.Amount); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteUser removes a user account.
func (h *Handler) DeleteUser(c *gin.Context) {
	user, err := h.users.Delete(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
