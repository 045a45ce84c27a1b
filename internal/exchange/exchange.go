package exchange

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/eventlog"
	"github.com/nathanyu/securities-exchange/internal/ledger"
	"github.com/nathanyu/securities-exchange/internal/matching"
	"github.com/nathanyu/securities-exchange/internal/registry"
	"github.com/nathanyu/securities-exchange/internal/sequencer"
)

// Exchange is the facade the service layer talks to. It owns the
// instrument catalog and one matching engine per instrument, plus the
// shared ledger, order registry and event log. There are no process-wide
// singletons; everything hangs off this instance.
type Exchange struct {
	mu          sync.RWMutex // guards instruments and engines
	instruments map[string]domain.Instrument
	engines     map[string]*matching.Engine

	ledger   *ledger.Ledger
	registry *registry.Registry
	events   *eventlog.Log
	seq      *sequencer.Sequencer
	logger   *zap.Logger

	maxBookDepth    int
	maxTradeHistory int

	onTrade func(domain.Trade)
}

// Options bound the read endpoints.
type Options struct {
	MaxBookDepth    int
	MaxTradeHistory int
}

// New creates an empty exchange.
func New(opts Options, logger *zap.Logger) *Exchange {
	seq := sequencer.New()
	return &Exchange{
		instruments:     make(map[string]domain.Instrument),
		engines:         make(map[string]*matching.Engine),
		ledger:          ledger.New(),
		registry:        registry.New(),
		events:          eventlog.New(seq),
		seq:             seq,
		logger:          logger,
		maxBookDepth:    opts.MaxBookDepth,
		maxTradeHistory: opts.MaxTradeHistory,
	}
}

// OnTrade registers a callback invoked for every executed trade, on any
// instrument. Must be set before instruments are listed.
func (x *Exchange) OnTrade(fn func(domain.Trade)) {
	x.onTrade = fn
}

// EventLog exposes the append-only event log.
func (x *Exchange) EventLog() *eventlog.Log {
	return x.events
}

// AddInstrument lists a new instrument and spins up its engine.
func (x *Exchange) AddInstrument(inst domain.Instrument) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.instruments[inst.Ticker]; exists {
		return fmt.Errorf("%w: instrument %s", domain.ErrConflict, inst.Ticker)
	}

	engine := matching.New(inst, x.ledger, x.registry, x.events, x.seq, x.logger)
	if x.onTrade != nil {
		engine.OnTrade(x.onTrade)
	}
	x.instruments[inst.Ticker] = inst
	x.engines[inst.Ticker] = engine
	x.logger.Info("instrument listed", zap.String("ticker", inst.Ticker), zap.String("quote", inst.Quote))
	return nil
}

// RemoveInstrument delists an instrument. Resting orders are
// system-cancelled first so their reservations are released; dropping
// the engine must never strand reserved funds.
func (x *Exchange) RemoveInstrument(ticker string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	engine, exists := x.engines[ticker]
	if !exists {
		return fmt.Errorf("%w: instrument %s", domain.ErrNotFound, ticker)
	}
	if err := engine.CancelAll(); err != nil {
		return err
	}
	delete(x.instruments, ticker)
	delete(x.engines, ticker)
	x.logger.Info("instrument delisted", zap.String("ticker", ticker))
	return nil
}

// UpdateInstrument changes the listed name of an instrument. The quote
// currency is fixed at listing time; open reservations are denominated
// in it, so a change is rejected.
func (x *Exchange) UpdateInstrument(ticker, name, quote string) (domain.Instrument, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	inst, exists := x.instruments[ticker]
	if !exists {
		return domain.Instrument{}, fmt.Errorf("%w: instrument %s", domain.ErrNotFound, ticker)
	}
	if quote != "" && quote != inst.Quote {
		return domain.Instrument{}, fmt.Errorf("%w: quote currency of %s cannot change after listing", domain.ErrConflict, ticker)
	}
	inst.Name = name
	x.instruments[ticker] = inst
	return inst, nil
}

// Instrument returns one listed instrument by ticker.
func (x *Exchange) Instrument(ticker string) (domain.Instrument, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	inst, exists := x.instruments[ticker]
	if !exists {
		return domain.Instrument{}, fmt.Errorf("%w: instrument %s", domain.ErrNotFound, ticker)
	}
	return inst, nil
}

// Instruments returns the listed instruments.
func (x *Exchange) Instruments() []domain.Instrument {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]domain.Instrument, 0, len(x.instruments))
	for _, inst := range x.instruments {
		out = append(out, inst)
	}
	return out
}

func (x *Exchange) engine(ticker string) (*matching.Engine, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	engine, ok := x.engines[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, ticker)
	}
	return engine, nil
}

// SubmitOrder routes a validated order to the instrument's engine.
func (x *Exchange) SubmitOrder(owner, ticker string, side domain.Side, kind domain.OrderKind, price, quantity int64) (domain.SubmitResult, error) {
	engine, err := x.engine(ticker)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return engine.Submit(owner, side, kind, price, quantity)
}

// CancelOrder cancels a working order on behalf of requester.
func (x *Exchange) CancelOrder(orderID, requester string) (domain.Order, error) {
	snap, ok := x.registry.Get(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	engine, err := x.engine(snap.Ticker)
	if err != nil {
		// A delisted instrument's orders were all system-cancelled on
		// the way out, so report the terminal state, not a routing error.
		if snap.UserID != requester {
			return domain.Order{}, fmt.Errorf("%w: order %s belongs to another user", domain.ErrForbidden, orderID)
		}
		if snap.Status.Terminal() {
			return domain.Order{}, fmt.Errorf("%w: order %s is already %s", domain.ErrInvalidState, orderID, snap.Status)
		}
		return domain.Order{}, err
	}
	return engine.Cancel(orderID, requester)
}

// GetOrder returns a snapshot of an order.
func (x *Exchange) GetOrder(orderID string) (domain.Order, error) {
	snap, ok := x.registry.Get(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return snap, nil
}

// ListOrders returns all orders belonging to owner.
func (x *Exchange) ListOrders(owner string) []domain.Order {
	return x.registry.Owned(owner)
}

// BookLevels returns the aggregated L2 book for an instrument, depth
// capped at the configured maximum.
func (x *Exchange) BookLevels(ticker string, depth int) (domain.BookLevels, error) {
	engine, err := x.engine(ticker)
	if err != nil {
		return domain.BookLevels{}, err
	}
	if depth <= 0 || depth > x.maxBookDepth {
		depth = x.maxBookDepth
	}
	return engine.Levels(depth), nil
}

// TradeHistory returns recent trades for an instrument, newest first,
// limit capped at the configured maximum.
func (x *Exchange) TradeHistory(ticker string, limit int) ([]domain.Trade, error) {
	if _, err := x.engine(ticker); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > x.maxTradeHistory {
		limit = x.maxTradeHistory
	}
	return x.events.Trades(ticker, limit), nil
}

// Deposit credits a user's available balance.
func (x *Exchange) Deposit(user, asset string, amount int64) error {
	return x.ledger.Deposit(user, asset, amount)
}

// Withdraw debits a user's available balance.
func (x *Exchange) Withdraw(user, asset string, amount int64) error {
	return x.ledger.Withdraw(user, asset, amount)
}

// Balances returns a user's available balances keyed by asset.
func (x *Exchange) Balances(user string) map[string]int64 {
	return x.ledger.Balances(user)
}

// Balance returns a user's available and reserved amounts for one asset.
func (x *Exchange) Balance(user, asset string) (available, reserved int64) {
	return x.ledger.Balance(user, asset)
}
