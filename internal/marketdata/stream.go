package marketdata

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

// Subscription is one consumer of the trade feed. A slow consumer drops
// messages rather than backing up the matching path.
type Subscription struct {
	ticker string // empty subscribes to all instruments
	ch     chan domain.Trade
}

// C returns the subscription's receive channel.
func (s *Subscription) C() <-chan domain.Trade {
	return s.ch
}

// Stream fans executed trades out to subscribers, including websocket
// clients.
type Stream struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStream creates a trade stream.
func NewStream(logger *zap.Logger) *Stream {
	return &Stream{
		subs: make(map[*Subscription]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Subscribe registers a consumer for one ticker (or all, when ticker is
// empty) with the given channel buffer.
func (s *Stream) Subscribe(ticker string, buffer int) *Subscription {
	sub := &Subscription{ticker: ticker, ch: make(chan domain.Trade, buffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (s *Stream) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
	s.mu.Unlock()
}

// Publish broadcasts a trade to matching subscribers without blocking.
func (s *Stream) Publish(trade domain.Trade) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for sub := range s.subs {
		if sub.ticker != "" && sub.ticker != trade.Ticker {
			continue
		}
		select {
		case sub.ch <- trade:
		default:
		}
	}
}

// ServeWS upgrades the request to a websocket and streams trades for the
// `ticker` query parameter (all instruments when absent) until the client
// disconnects.
func (s *Stream) ServeWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.Subscribe(c.Query("ticker"), 256)
	done := make(chan struct{})

	// Reader goroutine: only there to observe the close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case trade, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(trade); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
