package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubExchange struct {
	stopCalls []decimal.Decimal
	stopErr   error
}

func (s *stubExchange) GetName() string                          { return "stub" }
func (s *stubExchange) CheckHealth(ctx context.Context) error    { return nil }
func (s *stubExchange) GetPosition(ctx context.Context, symbol string) (*core.ExchangePosition, error) {
	return nil, nil
}
func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.ExchangeOrder, error) {
	return nil, nil
}
func (s *stubExchange) GetOrder(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	return nil, nil
}
func (s *stubExchange) GetClosedOrder(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	return nil, nil
}
func (s *stubExchange) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubExchange) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*core.Candle, error) {
	return nil, nil
}
func (s *stubExchange) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubExchange) GetOrderBookSpread(ctx context.Context, symbol string) (float64, decimal.Decimal, decimal.Decimal, error) {
	return 0, decimal.Zero, decimal.Zero, nil
}
func (s *stubExchange) LoadMarkets(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	return nil, nil
}
func (s *stubExchange) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal) error {
	s.stopCalls = append(s.stopCalls, stopPrice)
	return s.stopErr
}

type recordingAlerter struct {
	mu        sync.Mutex
	criticals []string
}

func (r *recordingAlerter) Info(title, message string, fields map[string]string) {}
func (r *recordingAlerter) Warn(title, message string, fields map[string]string) {}
func (r *recordingAlerter) Critical(title, message string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.criticals = append(r.criticals, title)
}

func newTestEventHandler(market MarketSource, exch core.IExchange, alerter core.IAlerter, clock core.Clock) *EventHandler {
	return NewEventHandler(nil, market, exch, nil, nil, alerter, &mockLogger{}, clock)
}

func eventBundle(pos *core.ExchangePosition, snap *core.Snapshot) *Bundle {
	return &Bundle{Symbol: "BTCUSDT", Position: pos, Snapshot: snap}
}

func healthySnapshot() *core.Snapshot {
	return &core.Snapshot{
		Price:       decimal.RequireFromString("50000"),
		SpreadOK:    true,
		LiquidityOK: true,
		Kijun:       decimal.RequireFromString("50000"),
	}
}

func TestGuardUnknownActionHolds(t *testing.T) {
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, nil)

	out := &EventOutcome{Action: "PANIC_SELL_EVERYTHING"}
	h.guard(eventBundle(longPosition("50000", "0.1"), healthySnapshot()), out)

	assert.Equal(t, "HOLD", out.Action)
	require.Len(t, out.GuardReasons, 1)
	assert.Contains(t, out.GuardReasons[0], "unrecognized action")
}

func TestGuardFlatPositionBlocksExits(t *testing.T) {
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, nil)

	for _, action := range []string{"RISK_OFF_REDUCE", "HARD_EXIT", "REVERSE", "HEDGE"} {
		out := &EventOutcome{Action: action}
		h.guard(eventBundle(nil, healthySnapshot()), out)
		assert.Equal(t, "HOLD", out.Action, "%s against flat must hold", action)
		assert.Contains(t, out.GuardReasons, "no position")
	}

	// FREEZE_NEW_ENTRY is meaningful while flat.
	out := &EventOutcome{Action: "FREEZE_NEW_ENTRY", Params: EventParams{FreezeMinutes: 30}}
	h.guard(eventBundle(nil, healthySnapshot()), out)
	assert.Equal(t, "FREEZE_NEW_ENTRY", out.Action)
}

func TestGuardLiquidityStressUpgradesToHardExit(t *testing.T) {
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, nil)

	stressed := healthySnapshot()
	stressed.SpreadOK = false

	for _, action := range []string{"REVERSE", "HEDGE"} {
		out := &EventOutcome{Action: action}
		h.guard(eventBundle(longPosition("50000", "0.1"), stressed), out)
		assert.Equal(t, "HARD_EXIT", out.Action)
		require.Len(t, out.GuardReasons, 1)
		assert.Contains(t, out.GuardReasons[0], "liquidity stress")
	}

	// Risk-reducing actions pass through stress untouched.
	out := &EventOutcome{Action: "RISK_OFF_REDUCE", Params: EventParams{ReduceRatio: 0.5}}
	h.guard(eventBundle(longPosition("50000", "0.1"), stressed), out)
	assert.Equal(t, "RISK_OFF_REDUCE", out.Action)
}

func TestGuardClampsModelParameters(t *testing.T) {
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, nil)

	out := &EventOutcome{
		Action:     "risk_off_reduce ",
		Confidence: 3.5,
		Params: EventParams{
			ReduceRatio:      0.95,
			ReverseSizeRatio: 1.0,
			HedgeSizeRatio:   -0.2,
			FreezeMinutes:    600,
		},
	}
	h.guard(eventBundle(longPosition("50000", "0.1"), healthySnapshot()), out)

	assert.Equal(t, "RISK_OFF_REDUCE", out.Action, "action is normalized before matching")
	assert.Equal(t, maxReduceRatio, out.Params.ReduceRatio)
	assert.Equal(t, maxReverseRatio, out.Params.ReverseSizeRatio)
	assert.Equal(t, 0.0, out.Params.HedgeSizeRatio)
	assert.Equal(t, maxFreezeMinutes, out.Params.FreezeMinutes)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestAnalyzeWithoutProviderHolds(t *testing.T) {
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, nil)

	out := h.analyze(context.Background(), core.CallAutoEmergency,
		eventBundle(longPosition("50000", "0.1"), healthySnapshot()))
	assert.Equal(t, "HOLD", out.Action)
	assert.True(t, out.FallbackUsed)
}

func TestDispatchFreezeEngagesEntryLock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, clock)

	require.False(t, h.EntryLocked())

	out := &EventOutcome{Action: "FREEZE_NEW_ENTRY", Params: EventParams{FreezeMinutes: 30}}
	err := h.dispatch(context.Background(), eventBundle(nil, healthySnapshot()), out)
	require.NoError(t, err)
	assert.True(t, h.EntryLocked())

	clock.Advance(31 * time.Minute)
	assert.False(t, h.EntryLocked())
}

func TestBuildReduceUpgradesBelowMinQty(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, &stubExchange{}, nil, clock)

	base := func(action core.ActionType, dir core.Direction, priority int) *core.QueueEntry {
		return &core.QueueEntry{Symbol: "BTCUSDT", ActionType: action, Direction: dir, Priority: priority}
	}

	// 30% of 0.002 aligns to zero while the position itself is closable:
	// the reduce upgrades to a full close.
	out := &EventOutcome{Action: "RISK_OFF_REDUCE", Params: EventParams{ReduceRatio: 0.3}}
	entry, err := h.buildReduce(context.Background(),
		eventBundle(longPosition("50000", "0.002"), healthySnapshot()), out, base,
		decimal.RequireFromString("0.002"), core.DirectionLong)
	require.NoError(t, err)

	assert.Equal(t, "HARD_EXIT", out.Action)
	assert.Equal(t, core.ActionFullClose, entry.ActionType)
	assert.True(t, entry.TargetQty.Equal(decimal.RequireFromString("0.002")))
	assert.JSONEq(t, `{"reduce_upgraded_to_close":true}`, string(entry.Meta))

	// A healthy reduce stays a reduce.
	out = &EventOutcome{Action: "RISK_OFF_REDUCE", Params: EventParams{ReduceRatio: 0.5}}
	entry, err = h.buildReduce(context.Background(),
		eventBundle(longPosition("50000", "0.1"), healthySnapshot()), out, base,
		decimal.RequireFromString("0.1"), core.DirectionLong)
	require.NoError(t, err)
	assert.Equal(t, core.ActionReduce, entry.ActionType)
	assert.True(t, entry.TargetQty.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 0.5, entry.ReducePct)
}

func TestSyncServerStopAlertsOnFailure(t *testing.T) {
	exch := &stubExchange{stopErr: errors.New("venue down")}
	alerter := &recordingAlerter{}
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, exch, alerter, nil)

	out := &EventOutcome{SafetyChecks: SafetyChecks{StopOrderRequired: true, StopPrice: "48000"}}
	h.syncServerStop(context.Background(), eventBundle(longPosition("50000", "0.1"), healthySnapshot()), out)

	require.Len(t, exch.stopCalls, 1)
	assert.True(t, exch.stopCalls[0].Equal(decimal.RequireFromString("48000")))
	require.Len(t, alerter.criticals, 1)
	assert.Equal(t, "HARD STOP SET FAILED", alerter.criticals[0])
}

func TestSyncServerStopIgnoresUnusablePrice(t *testing.T) {
	exch := &stubExchange{}
	h := newTestEventHandler(&mockMarketSource{info: btcMarketInfo()}, exch, nil, nil)

	out := &EventOutcome{SafetyChecks: SafetyChecks{StopOrderRequired: true, StopPrice: "not a price"}}
	h.syncServerStop(context.Background(), eventBundle(longPosition("50000", "0.1"), healthySnapshot()), out)
	assert.Empty(t, exch.stopCalls)
}
