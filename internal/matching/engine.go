package matching

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/eventlog"
	"github.com/nathanyu/securities-exchange/internal/ledger"
	"github.com/nathanyu/securities-exchange/internal/orderbook"
	"github.com/nathanyu/securities-exchange/internal/registry"
	"github.com/nathanyu/securities-exchange/internal/sequencer"
)

// Engine matches orders for a single instrument. One mutex forms the
// instrument's exclusive section: submissions and cancellations for the
// same instrument are totally ordered by arrival, which is what makes
// price-time priority well-defined. Engines for different instruments
// never block each other.
type Engine struct {
	mu sync.Mutex

	inst     domain.Instrument
	book     *orderbook.OrderBook
	ledger   *ledger.Ledger
	registry *registry.Registry
	events   *eventlog.Log
	seq      *sequencer.Sequencer
	logger   *zap.Logger

	// onTrade, when set, is invoked for every executed trade after
	// settlement, still inside the instrument section. It must not block.
	onTrade func(domain.Trade)
}

// New creates a matching engine for one instrument.
func New(inst domain.Instrument, lg *ledger.Ledger, reg *registry.Registry, events *eventlog.Log, seq *sequencer.Sequencer, logger *zap.Logger) *Engine {
	return &Engine{
		inst:     inst,
		book:     orderbook.New(inst.Ticker),
		ledger:   lg,
		registry: reg,
		events:   events,
		seq:      seq,
		logger:   logger.With(zap.String("ticker", inst.Ticker)),
	}
}

// OnTrade registers a callback invoked for every executed trade.
func (e *Engine) OnTrade(fn func(domain.Trade)) {
	e.onTrade = fn
}

// Instrument returns the instrument this engine serves.
func (e *Engine) Instrument() domain.Instrument {
	return e.inst
}

// Submit runs one order through reservation, matching and settlement.
// It is synchronous: by the time it returns, the order has been fully
// matched, rested, or cancelled, and the result snapshot reflects its
// final state for this call.
func (e *Engine) Submit(userID string, side domain.Side, kind domain.OrderKind, price, quantity int64) (domain.SubmitResult, error) {
	if err := validate(side, kind, price, quantity); err != nil {
		return domain.SubmitResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order := &domain.Order{
		OrderID:           uuid.New().String(),
		UserID:            userID,
		Ticker:            e.inst.Ticker,
		Side:              side,
		Kind:              kind,
		Price:             price,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            domain.OrderStatusNew,
		CreatedAt:         time.Now(),
	}

	reserveAsset, reserveAmount, err := e.reservation(order)
	if err != nil {
		e.events.AppendRejected(order.Snapshot(), err.Error())
		return domain.SubmitResult{}, err
	}
	if err := e.ledger.Reserve(userID, reserveAsset, reserveAmount); err != nil {
		e.events.AppendRejected(order.Snapshot(), err.Error())
		return domain.SubmitResult{}, err
	}

	// Accepted: the order gets its sequence number and becomes canonical.
	order.SequenceID = e.seq.NextOrder()
	e.registry.Add(order, reserveAsset, reserveAmount)
	e.events.AppendOrder(domain.EventOrderAccepted, order.Snapshot())

	trades, err := e.match(order, reserveAmount)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	if order.RemainingQuantity > 0 {
		if kind == domain.OrderKindLimit {
			e.book.Insert(order)
			e.events.AppendOrder(domain.EventOrderRested, order.Snapshot())
		} else {
			// Market orders never rest.
			if err := e.systemCancel(order); err != nil {
				return domain.SubmitResult{}, err
			}
		}
	} else if err := e.releaseRemainder(order); err != nil {
		return domain.SubmitResult{}, err
	}

	return domain.SubmitResult{Order: order.Snapshot(), Trades: trades}, nil
}

// reservation computes what Submit must hold before matching: the traded
// asset for sells, the quote currency for buys. A market buy reserves a
// worst-case amount priced off the current best ask; with an empty ask
// book no price can be determined and the order is rejected.
func (e *Engine) reservation(order *domain.Order) (asset string, amount int64, err error) {
	if order.Side == domain.SideSell {
		return e.inst.Ticker, order.RemainingQuantity, nil
	}

	price := order.Price
	if order.Kind == domain.OrderKindMarket {
		best, ok := e.book.BestPrice(domain.SideSell)
		if !ok {
			return "", 0, fmt.Errorf("%w: empty book, no price determinable for market buy",
				domain.ErrInsufficientBalance)
		}
		price = best
	}
	if order.Quantity > math.MaxInt64/price {
		return "", 0, fmt.Errorf("%w: quantity x price overflows", domain.ErrInvalidOrder)
	}
	return e.inst.Quote, order.Quantity * price, nil
}

// match executes the incoming order against the opposite side while an
// eligible level exists. Every trade executes at the resting order's
// price and settles through the ledger before the next iteration.
func (e *Engine) match(order *domain.Order, reserveAmount int64) ([]domain.Trade, error) {
	var trades []domain.Trade
	reserveLeft := reserveAmount

	for order.RemainingQuantity > 0 {
		resting := e.book.BestOpposite(order.Side)
		if resting == nil {
			break
		}
		if order.Kind == domain.OrderKindLimit {
			if order.Side == domain.SideBuy && resting.Price > order.Price {
				break
			}
			if order.Side == domain.SideSell && resting.Price < order.Price {
				break
			}
		}

		qty := min(order.RemainingQuantity, resting.RemainingQuantity)
		cost := qty * resting.Price // maker price

		// A sweeping market buy can out-run its worst-case reservation
		// once the best ask moves above the price it was sized at; the
		// remainder is system-cancelled below.
		if order.Side == domain.SideBuy && cost > reserveLeft {
			if order.Kind == domain.OrderKindMarket {
				break
			}
			return trades, fmt.Errorf("%w: limit buy reservation %d cannot cover leg cost %d",
				domain.ErrInvariantViolation, reserveLeft, cost)
		}

		buyer, seller := order, resting
		if order.Side == domain.SideSell {
			buyer, seller = resting, order
		}

		if err := e.ledger.Settle(ledger.Settlement{
			Buyer:    buyer.UserID,
			Seller:   seller.UserID,
			Asset:    e.inst.Ticker,
			Quote:    e.inst.Quote,
			Quantity: qty,
			Cost:     cost,
		}); err != nil {
			return trades, err
		}

		incomingUsed, restingUsed := cost, qty
		if order.Side == domain.SideSell {
			incomingUsed, restingUsed = qty, cost
		}
		if _, err := e.registry.ApplyFill(order.OrderID, qty, incomingUsed); err != nil {
			return trades, err
		}
		restingStatus, err := e.registry.ApplyFill(resting.OrderID, qty, restingUsed)
		if err != nil {
			return trades, err
		}
		reserveLeft -= incomingUsed

		e.book.Reduce(resting.OrderID, qty)
		if restingStatus == domain.OrderStatusExecuted {
			if err := e.releaseRemainder(resting); err != nil {
				return trades, err
			}
		}

		trade := domain.Trade{
			TradeID:      uuid.New().String(),
			Ticker:       e.inst.Ticker,
			MakerOrderID: resting.OrderID,
			TakerOrderID: order.OrderID,
			Price:        resting.Price,
			Quantity:     qty,
			Timestamp:    time.Now(),
			SequenceID:   e.seq.NextTrade(),
		}
		e.events.AppendTrade(trade)
		trades = append(trades, trade)
		if e.onTrade != nil {
			e.onTrade(trade)
		}

		e.logger.Debug("trade executed",
			zap.String("trade_id", trade.TradeID),
			zap.Int64("price", trade.Price),
			zap.Int64("quantity", trade.Quantity))
	}

	return trades, nil
}

// Cancel transitions a working order to CANCELLED, removes it from the
// book and releases its remaining reservation. Runs inside the same
// exclusive section as Submit, so a cancel racing an in-flight match
// observes the terminal state and reports ErrInvalidState.
func (e *Engine) Cancel(orderID, requester string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, ok := e.registry.Get(orderID)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	if snap.UserID != requester {
		return domain.Order{}, fmt.Errorf("%w: order %s belongs to another user", domain.ErrForbidden, orderID)
	}
	if err := e.registry.MarkTerminal(orderID, domain.OrderStatusCancelled); err != nil {
		return domain.Order{}, err
	}

	e.book.Remove(orderID)

	asset, amount := e.registry.TakeReservation(orderID)
	if amount > 0 {
		if err := e.ledger.Release(snap.UserID, asset, amount); err != nil {
			return domain.Order{}, err
		}
	}

	snap, _ = e.registry.Get(orderID)
	e.events.AppendOrder(domain.EventOrderCancelled, snap)
	e.logger.Debug("order cancelled", zap.String("order_id", orderID))
	return snap, nil
}

// CancelAll system-cancels every resting order and releases its
// remaining reservation. Called when the instrument is delisted, so no
// working order can outlive its engine with funds still reserved.
func (e *Engine) CancelAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, order := range e.book.Resting() {
		if err := e.registry.MarkTerminal(order.OrderID, domain.OrderStatusSystemCancelled); err != nil {
			return err
		}
		e.book.Remove(order.OrderID)
		if err := e.releaseRemainder(order); err != nil {
			return err
		}
		e.events.AppendOrder(domain.EventOrderCancelled, order.Snapshot())
		e.logger.Debug("order system-cancelled on delist", zap.String("order_id", order.OrderID))
	}
	return nil
}

// Levels returns the aggregated book snapshot down to depth levels per
// side, taken inside the instrument section.
func (e *Engine) Levels(depth int) domain.BookLevels {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Levels(depth)
}

// systemCancel terminates the unfilled remainder of a market order and
// releases its unused reservation.
func (e *Engine) systemCancel(order *domain.Order) error {
	if err := e.registry.MarkTerminal(order.OrderID, domain.OrderStatusSystemCancelled); err != nil {
		return err
	}
	if err := e.releaseRemainder(order); err != nil {
		return err
	}
	e.events.AppendOrder(domain.EventOrderCancelled, order.Snapshot())
	return nil
}

// releaseRemainder gives back whatever is left of the order's
// reservation. A fully executed limit buy can leave a residual when it
// traded below its own limit price.
func (e *Engine) releaseRemainder(order *domain.Order) error {
	asset, amount := e.registry.TakeReservation(order.OrderID)
	if amount == 0 {
		return nil
	}
	return e.ledger.Release(order.UserID, asset, amount)
}

// validate applies the static order checks: positive quantity, a
// positive price iff the order is a limit order, no product overflow.
func validate(side domain.Side, kind domain.OrderKind, price, quantity int64) error {
	if side != domain.SideBuy && side != domain.SideSell {
		return fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, side)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}
	switch kind {
	case domain.OrderKindLimit:
		if price <= 0 {
			return fmt.Errorf("%w: limit order requires a positive price", domain.ErrInvalidOrder)
		}
		if quantity > math.MaxInt64/price {
			return fmt.Errorf("%w: quantity x price overflows", domain.ErrInvalidOrder)
		}
	case domain.OrderKindMarket:
		if price != 0 {
			return fmt.Errorf("%w: market order carries no price", domain.ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidOrder, kind)
	}
	return nil
}
