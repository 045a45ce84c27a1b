package sequencer

import "sync/atomic"

// Sequencer hands out the monotonic sequence numbers that order the
// exchange's history: one stream for accepted orders (breaks price-time
// priority ties), one for trades, one for event log entries.
//
// Counters start at zero; the first assigned number is 1.
type Sequencer struct {
	orderSeq atomic.Uint64
	tradeSeq atomic.Uint64
	eventSeq atomic.Uint64
}

// New creates a Sequencer.
func New() *Sequencer {
	return &Sequencer{}
}

// NextOrder returns the next order acceptance sequence number.
func (s *Sequencer) NextOrder() uint64 {
	return s.orderSeq.Add(1)
}

// NextTrade returns the next trade sequence number.
func (s *Sequencer) NextTrade() uint64 {
	return s.tradeSeq.Add(1)
}

// NextEvent returns the next event log sequence number.
func (s *Sequencer) NextEvent() uint64 {
	return s.eventSeq.Add(1)
}

// CurrentOrder returns the last assigned order sequence number.
func (s *Sequencer) CurrentOrder() uint64 {
	return s.orderSeq.Load()
}

// CurrentTrade returns the last assigned trade sequence number.
func (s *Sequencer) CurrentTrade() uint64 {
	return s.tradeSeq.Load()
}

// CurrentEvent returns the last assigned event sequence number.
func (s *Sequencer) CurrentEvent() uint64 {
	return s.eventSeq.Load()
}
