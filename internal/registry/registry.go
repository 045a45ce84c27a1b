package registry

import (
	"fmt"
	"sync"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

// record is the canonical state of one order plus its reservation
// bookkeeping: which asset was reserved for it and how much of that
// reservation is still outstanding. Fills consume reservation; whatever
// is left when the order goes terminal must be released.
type record struct {
	order           *domain.Order
	reserveAsset    string
	reserveRemained int64
}

// Registry holds canonical order records indexed by id. Orders are
// created on acceptance, mutated only through fills and cancellation, and
// become immutable once terminal.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	byOwner map[string][]string // userID -> order ids, in acceptance order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[string]*record),
		byOwner: make(map[string][]string),
	}
}

// Add registers a newly accepted order together with its reservation.
func (r *Registry) Add(order *domain.Order, reserveAsset string, reserveAmount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[order.OrderID] = &record{
		order:           order,
		reserveAsset:    reserveAsset,
		reserveRemained: reserveAmount,
	}
	r.byOwner[order.UserID] = append(r.byOwner[order.UserID], order.OrderID)
}

// Get returns a snapshot of the order, or ok=false if unknown.
func (r *Registry) Get(orderID string) (domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return rec.order.Snapshot(), true
}

// Owned returns snapshots of all orders submitted by owner, in
// acceptance order.
func (r *Registry) Owned(owner string) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[owner]
	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			orders = append(orders, rec.order.Snapshot())
		}
	}
	return orders
}

// ApplyFill records a fill of qty against the order, consuming
// reservationUsed of its outstanding reservation. The order transitions
// to PARTIALLY_EXECUTED, or to EXECUTED when fully filled. Returns the
// resulting status.
func (r *Registry) ApplyFill(orderID string, qty, reservationUsed int64) (domain.OrderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[orderID]
	if !ok {
		return "", fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	o := rec.order
	if o.Status.Terminal() {
		return "", fmt.Errorf("%w: fill against terminal order %s", domain.ErrInvariantViolation, orderID)
	}
	if qty <= 0 || qty > o.RemainingQuantity {
		return "", fmt.Errorf("%w: fill qty %d, remaining %d on order %s",
			domain.ErrInvariantViolation, qty, o.RemainingQuantity, orderID)
	}
	if reservationUsed > rec.reserveRemained {
		return "", fmt.Errorf("%w: fill consumes %d %s, reservation remaining %d on order %s",
			domain.ErrInvariantViolation, reservationUsed, rec.reserveAsset, rec.reserveRemained, orderID)
	}

	o.FilledQuantity += qty
	o.RemainingQuantity -= qty
	rec.reserveRemained -= reservationUsed

	if o.RemainingQuantity == 0 {
		o.Status = domain.OrderStatusExecuted
	} else {
		o.Status = domain.OrderStatusPartiallyExecuted
	}
	return o.Status, nil
}

// MarkTerminal transitions a working order to the given terminal status.
// Rejects with ErrInvalidState when the order is already terminal.
func (r *Registry) MarkTerminal(orderID string, status domain.OrderStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvariantViolation, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	if rec.order.Status.Terminal() {
		return fmt.Errorf("%w: order %s is already %s", domain.ErrInvalidState, orderID, rec.order.Status)
	}
	rec.order.Status = status
	return nil
}

// TakeReservation zeroes the order's outstanding reservation and returns
// the asset and amount the caller must release back to the owner. Called
// exactly once, when the order reaches a terminal state.
func (r *Registry) TakeReservation(orderID string) (asset string, amount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[orderID]
	if !ok {
		return "", 0
	}
	asset = rec.reserveAsset
	amount = rec.reserveRemained
	rec.reserveRemained = 0
	return asset, amount
}

// ReservationRemaining returns how much of the order's reservation is
// still outstanding.
func (r *Registry) ReservationRemaining(orderID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[orderID]
	if !ok {
		return 0
	}
	return rec.reserveRemained
}
