package eventlog

import (
	"sync"
	"time"

	"github.com/nathanyu/securities-exchange/internal/domain"
	"github.com/nathanyu/securities-exchange/internal/sequencer"
)

// Log is the append-only record of accepted orders, trades and
// cancellations — the source of truth for recovery and audit. Entries
// are never mutated or deleted.
type Log struct {
	mu      sync.RWMutex
	seq     *sequencer.Sequencer
	entries []domain.Event

	// per-instrument trade index, in execution order
	tradesByTicker map[string][]domain.Trade
}

// New creates an empty event log drawing sequence numbers from seq.
func New(seq *sequencer.Sequencer) *Log {
	return &Log{
		seq:            seq,
		tradesByTicker: make(map[string][]domain.Trade),
	}
}

// AppendOrder records an order lifecycle event with a snapshot of the
// order at that moment.
func (l *Log) AppendOrder(t domain.EventType, order domain.Order) {
	l.append(domain.Event{
		Type:  t,
		Order: &order,
	})
}

// AppendRejected records a rejected submission and the reason.
func (l *Log) AppendRejected(order domain.Order, reason string) {
	l.append(domain.Event{
		Type:   domain.EventOrderRejected,
		Order:  &order,
		Reason: reason,
	})
}

// AppendTrade records an executed trade.
func (l *Log) AppendTrade(trade domain.Trade) {
	l.mu.Lock()
	l.tradesByTicker[trade.Ticker] = append(l.tradesByTicker[trade.Ticker], trade)
	l.mu.Unlock()

	l.append(domain.Event{
		Type:  domain.EventTrade,
		Trade: &trade,
	})
}

func (l *Log) append(ev domain.Event) {
	l.mu.Lock()
	// Stamped under the lock so slice order always agrees with
	// sequence-ID order.
	ev.SequenceID = l.seq.NextEvent()
	ev.Timestamp = time.Now()
	l.entries = append(l.entries, ev)
	l.mu.Unlock()
}

// Entries returns a copy of the full log in append order.
func (l *Log) Entries() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of log entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Trades returns up to limit most recent trades for a ticker, newest
// first.
func (l *Log) Trades(ticker string, limit int) []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	trades := l.tradesByTicker[ticker]
	n := len(trades)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]domain.Trade, n)
	for i := 0; i < n; i++ {
		out[i] = trades[len(trades)-1-i]
	}
	return out
}
