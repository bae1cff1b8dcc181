// Package core defines the shared domain types and interfaces of the
// execution and decision core.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the venue surface consumed by the core. Order placement is
// owned by the external executor; the core reads state and manages stops.
type IExchange interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	GetPosition(ctx context.Context, symbol string) (*ExchangePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*ExchangeOrder, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*ExchangeOrder, error)
	GetClosedOrder(ctx context.Context, symbol, orderID string) (*ExchangeOrder, error)

	GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*Candle, error)
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetOrderBookSpread(ctx context.Context, symbol string) (spreadPct float64, bidDepth decimal.Decimal, askDepth decimal.Decimal, err error)

	LoadMarkets(ctx context.Context, symbol string) (*MarketInfo, error)

	// SetTradingStop synchronizes a server-side stop for the open position.
	SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal) error
}

// IAlerter delivers operator-facing notifications off the trading path
type IAlerter interface {
	Info(title, message string, fields map[string]string)
	Warn(title, message string, fields map[string]string)
	Critical(title, message string, fields map[string]string)
}

// NopAlerter discards alerts; used when Telegram credentials are absent
type NopAlerter struct{}

func (NopAlerter) Info(string, string, map[string]string)     {}
func (NopAlerter) Warn(string, string, map[string]string)     {}
func (NopAlerter) Critical(string, string, map[string]string) {}

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// RealClock is the production clock
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
