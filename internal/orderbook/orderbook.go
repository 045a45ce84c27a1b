package orderbook

import (
	"container/list"
	"sort"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

// orderEntry maps an order to its linked list element for O(1) removal.
type orderEntry struct {
	order   *domain.Order
	element *list.Element
	level   *bookLevel
}

// bookLevel is a price level on one side of the book.
// It holds a doubly-linked list of orders at this price (FIFO).
type bookLevel struct {
	price       int64
	totalVolume int64
	orders      *list.List // of *domain.Order
}

// bookSide is one side (bid or ask) of an order book. Levels are indexed
// by price and additionally kept in a sorted slice, best price first, so
// level insertion and removal are O(log P) and the best level is O(1).
type bookSide struct {
	side   domain.Side
	levels map[int64]*bookLevel
	prices []int64 // sorted best-first: bids descending, asks ascending
}

func newBookSide(side domain.Side) *bookSide {
	return &bookSide{
		side:   side,
		levels: make(map[int64]*bookLevel),
	}
}

// searchPos returns the insertion position of price in the best-first slice.
func (b *bookSide) searchPos(price int64) int {
	if b.side == domain.SideBuy {
		return sort.Search(len(b.prices), func(i int) bool { return b.prices[i] <= price })
	}
	return sort.Search(len(b.prices), func(i int) bool { return b.prices[i] >= price })
}

func (b *bookSide) addOrder(order *domain.Order) *orderEntry {
	level, exists := b.levels[order.Price]
	if !exists {
		level = &bookLevel{
			price:  order.Price,
			orders: list.New(),
		}
		b.levels[order.Price] = level

		pos := b.searchPos(order.Price)
		b.prices = append(b.prices, 0)
		copy(b.prices[pos+1:], b.prices[pos:])
		b.prices[pos] = order.Price
	}

	level.totalVolume += order.RemainingQuantity
	elem := level.orders.PushBack(order)
	return &orderEntry{order: order, element: elem, level: level}
}

func (b *bookSide) removeOrder(entry *orderEntry) {
	level := entry.level
	level.orders.Remove(entry.element)
	level.totalVolume -= entry.order.RemainingQuantity

	if level.orders.Len() == 0 {
		b.dropLevel(level.price)
	}
}

// dropLevel deletes an emptied price level. A level present in the book
// is never empty.
func (b *bookSide) dropLevel(price int64) {
	delete(b.levels, price)
	pos := b.searchPos(price)
	if pos < len(b.prices) && b.prices[pos] == price {
		b.prices = append(b.prices[:pos], b.prices[pos+1:]...)
	}
}

func (b *bookSide) bestLevel() *bookLevel {
	if len(b.prices) == 0 {
		return nil
	}
	return b.levels[b.prices[0]]
}

// OrderBook holds the two-sided book for a single instrument. It is not
// safe for concurrent use; the matching engine serializes access per
// instrument.
type OrderBook struct {
	ticker   string
	bids     *bookSide
	asks     *bookSide
	orderMap map[string]*orderEntry // orderID -> entry
}

// New creates an order book for an instrument.
func New(ticker string) *OrderBook {
	return &OrderBook{
		ticker:   ticker,
		bids:     newBookSide(domain.SideBuy),
		asks:     newBookSide(domain.SideSell),
		orderMap: make(map[string]*orderEntry),
	}
}

func (ob *OrderBook) sideOf(side domain.Side) *bookSide {
	if side == domain.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// Insert rests an order at the back of its price level's queue, creating
// the level in sorted position if needed.
func (ob *OrderBook) Insert(order *domain.Order) {
	entry := ob.sideOf(order.Side).addOrder(order)
	ob.orderMap[order.OrderID] = entry
}

// Remove takes an order out of the book by id. Returns nil if the id is
// not resting in this book.
func (ob *OrderBook) Remove(orderID string) *domain.Order {
	entry, exists := ob.orderMap[orderID]
	if !exists {
		return nil
	}
	ob.sideOf(entry.order.Side).removeOrder(entry)
	delete(ob.orderMap, orderID)
	return entry.order
}

// Resting returns every order currently resting in the book, in no
// particular order.
func (ob *OrderBook) Resting() []*domain.Order {
	orders := make([]*domain.Order, 0, len(ob.orderMap))
	for _, entry := range ob.orderMap {
		orders = append(orders, entry.order)
	}
	return orders
}

// Contains reports whether an order id is resting in this book.
func (ob *OrderBook) Contains(orderID string) bool {
	_, ok := ob.orderMap[orderID]
	return ok
}

// BestOpposite returns the front resting order of the best level on the
// side opposite `side`, or nil if that side is empty.
func (ob *OrderBook) BestOpposite(side domain.Side) *domain.Order {
	level := ob.sideOf(side.Opposite()).bestLevel()
	if level == nil {
		return nil
	}
	return level.orders.Front().Value.(*domain.Order)
}

// BestPrice returns the best price on `side`, or ok=false if it is empty.
func (ob *OrderBook) BestPrice(side domain.Side) (int64, bool) {
	level := ob.sideOf(side).bestLevel()
	if level == nil {
		return 0, false
	}
	return level.price, true
}

// Reduce records a fill of qty against a resting order: the level's
// aggregate volume shrinks and a fully filled order leaves the book. The
// caller has already updated the order's filled/remaining quantities.
func (ob *OrderBook) Reduce(orderID string, qty int64) {
	entry, exists := ob.orderMap[orderID]
	if !exists {
		return
	}

	entry.level.totalVolume -= qty
	if entry.order.RemainingQuantity == 0 {
		side := ob.sideOf(entry.order.Side)
		entry.level.orders.Remove(entry.element)
		if entry.level.orders.Len() == 0 {
			side.dropLevel(entry.level.price)
		}
		delete(ob.orderMap, orderID)
	}
}

// Levels returns the aggregated L2 snapshot down to depth levels per
// side. The price slices are already sorted best-first, so no re-scan of
// raw orders is needed.
func (ob *OrderBook) Levels(depth int) domain.BookLevels {
	return domain.BookLevels{
		Ticker: ob.ticker,
		Bids:   ob.bids.aggregate(depth),
		Asks:   ob.asks.aggregate(depth),
	}
}

func (b *bookSide) aggregate(depth int) []domain.PriceLevel {
	n := len(b.prices)
	if depth > 0 && n > depth {
		n = depth
	}

	levels := make([]domain.PriceLevel, n)
	for i := 0; i < n; i++ {
		level := b.levels[b.prices[i]]
		levels[i] = domain.PriceLevel{
			Price:    level.price,
			Quantity: level.totalVolume,
		}
	}
	return levels
}
