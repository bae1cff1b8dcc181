package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/pkg/websocket"
)

const defaultBybitWS = "wss://stream.bybit.com/v5/public/linear"

// TickerStream maintains a live mark/last price off the public linear
// stream. Readers that find the price stale fall back to REST.
type TickerStream struct {
	symbol string
	logger core.ILogger
	ws     *websocket.Client

	mu        sync.RWMutex
	lastPrice decimal.Decimal
	markPrice decimal.Decimal
	updatedAt time.Time
}

// NewTickerStream creates a stream for one symbol; Start begins streaming
func NewTickerStream(wsURL, symbol string, logger core.ILogger) *TickerStream {
	if wsURL == "" {
		wsURL = defaultBybitWS
	}
	s := &TickerStream{
		symbol: symbol,
		logger: logger.WithField("component", "ticker_stream"),
	}
	s.ws = websocket.NewClient(wsURL, s.handleMessage, s.logger)
	s.ws.SetOnConnected(func() {
		err := s.ws.Send(map[string]interface{}{
			"op":   "subscribe",
			"args": []string{"tickers." + symbol},
		})
		if err != nil {
			s.logger.Warn("Ticker subscribe failed", "error", err)
		}
	})
	return s
}

func (s *TickerStream) Start() { s.ws.Start() }
func (s *TickerStream) Stop()  { s.ws.Stop() }

func (s *TickerStream) handleMessage(message []byte) {
	var frame struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}
	if frame.Topic == "" || frame.Data.Symbol != s.symbol {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The ticker topic sends deltas; absent fields keep their last value.
	if p := parseDecimal(frame.Data.LastPrice); !p.IsZero() {
		s.lastPrice = p
	}
	if p := parseDecimal(frame.Data.MarkPrice); !p.IsZero() {
		s.markPrice = p
	}
	s.updatedAt = time.Now().UTC()
}

// LastPrice returns the newest streamed price and whether it is fresh
// within maxAge.
func (s *TickerStream) LastPrice(maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastPrice.IsZero() || time.Since(s.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return s.lastPrice, true
}

// MarkPrice returns the newest streamed mark price and its freshness
func (s *TickerStream) MarkPrice(maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.markPrice.IsZero() || time.Since(s.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return s.markPrice, true
}
