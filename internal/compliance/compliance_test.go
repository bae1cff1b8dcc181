package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"perpcore/internal/config"
	"perpcore/internal/core"
	apperrors "perpcore/pkg/errors"
	"perpcore/pkg/telemetry"
)

func init() {
	// The compliance layer bumps counters on every validation; a noop
	// meter keeps that from panicking in tests.
	meter := otel.GetMeterProvider().Meter("compliance_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

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

type mockMarketSource struct {
	info         *core.MarketInfo
	getErr       error
	refreshCalls int
}

func (m *mockMarketSource) Get(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.info, nil
}

func (m *mockMarketSource) ForceRefresh(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	m.refreshCalls++
	return m.info, nil
}

type auditRow struct {
	symbol       string
	approved     bool
	corrected    bool
	rejectReason string
	version      int64
}

type mockAuditSink struct {
	rows []auditRow
}

func (m *mockAuditSink) InsertComplianceAudit(ctx context.Context, symbol string, approved, corrected bool,
	rejectReason string, marketsVersion int64, marketsHash string, detail any) error {
	m.rows = append(m.rows, auditRow{symbol, approved, corrected, rejectReason, marketsVersion})
	return nil
}

func testMarketInfo() *core.MarketInfo {
	return &core.MarketInfo{
		Symbol:      "BTCUSDT",
		MinQty:      decimal.RequireFromString("0.001"),
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.5"),
		MinNotional: decimal.RequireFromString("5"),
		Version:     3,
		Hash:        "a1b2c3",
	}
}

func testComplianceConfig() *config.ComplianceConfig {
	return &config.ComplianceConfig{
		RateLimitSec:              1.0,
		ConsecutiveErrorThreshold: 3,
		ConsecutiveErrorBlockSec:  300,
		ProtectionWindowSec:       120,
		ProtectionThreshold:       3,
		ProtectionDurationSec:     300,
		MarketInfoTTLSec:          600,
	}
}

func newTestLayer(market MarketSource, audit AuditSink, clock core.Clock) *Layer {
	return NewLayer(testComplianceConfig(), market, audit, &mockLogger{}, clock)
}

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name           string
		params         OrderParams
		wantApproved   bool
		wantReason     string
		wantQty        string
		wantPrice      string
		wantUpgrade    bool
	}{
		{
			name: "aligned market order passes untouched",
			params: OrderParams{
				ActionType: core.ActionOpen, Direction: core.DirectionLong,
				Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000"),
			},
			wantApproved: true,
		},
		{
			name: "step size misalignment is corrected not denied",
			params: OrderParams{
				ActionType: core.ActionAdd, Direction: core.DirectionLong,
				Qty: decimal.RequireFromString("0.0015"), Price: decimal.RequireFromString("50000"),
			},
			wantApproved: true,
			wantQty:      "0.001",
		},
		{
			name: "qty exactly at min qty is accepted",
			params: OrderParams{
				ActionType: core.ActionOpen, Direction: core.DirectionShort,
				Qty: decimal.RequireFromString("0.001"), Price: decimal.RequireFromString("50000"),
			},
			wantApproved: true,
		},
		{
			name: "qty below min qty after alignment is denied",
			params: OrderParams{
				ActionType: core.ActionOpen, Direction: core.DirectionLong,
				Qty: decimal.RequireFromString("0.0009"), Price: decimal.RequireFromString("50000"),
			},
			wantApproved: false,
			wantReason:   "below_min_qty",
		},
		{
			name: "notional below minimum is denied",
			params: OrderParams{
				ActionType: core.ActionOpen, Direction: core.DirectionLong,
				Qty: decimal.RequireFromString("0.001"), Price: decimal.RequireFromString("1000"),
			},
			wantApproved: false,
			wantReason:   "below_min_notional",
		},
		{
			name: "limit price off tick is rounded to nearest tick",
			params: OrderParams{
				ActionType: core.ActionOpen, Direction: core.DirectionLong, IsLimit: true,
				Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000.3"),
			},
			wantApproved: true,
			wantPrice:    "50000.5",
		},
		{
			name: "reduce only over position qty is capped",
			params: OrderParams{
				ActionType: core.ActionReduce, Direction: core.DirectionShort, ReduceOnly: true,
				Qty: decimal.RequireFromString("0.02"), Price: decimal.RequireFromString("50000"),
				PositionQty: decimal.RequireFromString("0.01"),
			},
			wantApproved: true,
			wantQty:      "0.01",
		},
		{
			name: "reduce cap below min qty suggests full close",
			params: OrderParams{
				ActionType: core.ActionReduce, Direction: core.DirectionShort, ReduceOnly: true,
				Qty: decimal.RequireFromString("0.002"), Price: decimal.RequireFromString("50000"),
				PositionQty: decimal.RequireFromString("0.0004"),
			},
			wantApproved: false,
			wantReason:   "reduce_below_min_qty",
			wantUpgrade:  true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			market := &mockMarketSource{info: testMarketInfo()}
			audit := &mockAuditSink{}
			layer := newTestLayer(market, audit, nil)

			// Distinct symbol per case keeps the per-symbol rate limiter out
			// of the way.
			tt.params.Symbol = fmt.Sprintf("SYM%dUSDT", i)

			res, err := layer.Validate(context.Background(), tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApproved, res.Approved)
			assert.Equal(t, tt.wantReason, res.RejectReason)
			assert.Equal(t, tt.wantUpgrade, res.UpgradeToClose)

			if tt.wantQty != "" {
				require.NotNil(t, res.CorrectedQty)
				assert.True(t, res.CorrectedQty.Equal(decimal.RequireFromString(tt.wantQty)),
					"corrected qty %s, want %s", res.CorrectedQty, tt.wantQty)
				assert.True(t, res.FinalQty(tt.params.Qty).Equal(decimal.RequireFromString(tt.wantQty)))
			}
			if tt.wantPrice != "" {
				require.NotNil(t, res.CorrectedPrice)
				assert.True(t, res.CorrectedPrice.Equal(decimal.RequireFromString(tt.wantPrice)),
					"corrected price %s, want %s", res.CorrectedPrice, tt.wantPrice)
			}

			require.Len(t, audit.rows, 1)
			assert.Equal(t, tt.wantApproved, audit.rows[0].approved)
			assert.Equal(t, tt.wantReason, audit.rows[0].rejectReason)
			assert.Equal(t, int64(3), audit.rows[0].version)
		})
	}
}

func TestValidateFailsOpenWithoutMarketInfo(t *testing.T) {
	market := &mockMarketSource{getErr: errors.New("venue unreachable")}
	audit := &mockAuditSink{}
	layer := newTestLayer(market, audit, nil)

	res, err := layer.Validate(context.Background(), OrderParams{
		Symbol: "BTCUSDT", ActionType: core.ActionOpen,
		Qty: decimal.RequireFromString("0.000001"),
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Empty(t, audit.rows, "no audit row when rules could not be loaded")
}

func TestValidateRateLimitsPerSymbol(t *testing.T) {
	market := &mockMarketSource{info: testMarketInfo()}
	layer := newTestLayer(market, &mockAuditSink{}, nil)

	p := OrderParams{
		Symbol: "BTCUSDT", ActionType: core.ActionOpen, Direction: core.DirectionLong,
		Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000"),
	}

	first, err := layer.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, first.Approved)

	second, err := layer.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, second.Approved)
	assert.Equal(t, "rate_limited", second.RejectReason)

	// Other symbols carry their own budget.
	p.Symbol = "ETHUSDT"
	other, err := layer.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, other.Approved)
}

func TestConsecutiveErrorsAutoBlock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	market := &mockMarketSource{info: testMarketInfo()}
	layer := newTestLayer(market, &mockAuditSink{}, clock)

	p := OrderParams{
		Symbol: "BTCUSDT", ActionType: core.ActionOpen, Direction: core.DirectionLong,
		Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000"),
	}

	layer.RecordError("BTCUSDT", 10001)
	layer.RecordError("BTCUSDT", 10001)
	layer.RecordError("BTCUSDT", 10001)

	res, err := layer.Validate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "auto_blocked", res.RejectReason)
}

func TestAutoBlockExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	market := &mockMarketSource{info: testMarketInfo()}
	layer := newTestLayer(market, &mockAuditSink{}, clock)

	for i := 0; i < 3; i++ {
		layer.RecordError("BTCUSDT", 10006)
	}
	clock.Advance(301 * time.Second)

	res, err := layer.Validate(context.Background(), OrderParams{
		Symbol: "BTCUSDT", ActionType: core.ActionOpen, Direction: core.DirectionLong,
		Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestRecordSuccessLiftsBlock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	market := &mockMarketSource{info: testMarketInfo()}
	layer := newTestLayer(market, &mockAuditSink{}, clock)

	for i := 0; i < 3; i++ {
		layer.RecordError("BTCUSDT", 10001)
	}
	layer.RecordSuccess("BTCUSDT")

	res, err := layer.Validate(context.Background(), OrderParams{
		Symbol: "BTCUSDT", ActionType: core.ActionOpen, Direction: core.DirectionLong,
		Qty: decimal.RequireFromString("0.01"), Price: decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestProtectionModeBlocksRiskIncreasingOnly(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	layer := newTestLayer(&mockMarketSource{info: testMarketInfo()}, nil, clock)

	require.False(t, layer.ProtectionActive())

	// Three errors inside the 120s window trip protection. Spread across
	// symbols: the window is global.
	layer.RecordError("BTCUSDT", 110001)
	clock.Advance(10 * time.Second)
	layer.RecordError("ETHUSDT", 110001)
	clock.Advance(10 * time.Second)
	layer.RecordError("BTCUSDT", 110001)

	require.True(t, layer.ProtectionActive())

	blocked := []core.ActionType{core.ActionOpen, core.ActionAdd, core.ActionReverseOpen}
	for _, a := range blocked {
		ok, reason := layer.CheckProtectionModeForAction("BTCUSDT", a)
		assert.False(t, ok, "%s should be blocked", a)
		assert.Contains(t, reason, "보호 모드")
	}

	allowed := []core.ActionType{core.ActionReduce, core.ActionClose, core.ActionFullClose, core.ActionReverseClose}
	for _, a := range allowed {
		ok, _ := layer.CheckProtectionModeForAction("BTCUSDT", a)
		assert.True(t, ok, "%s should pass during protection", a)
	}

	clock.Advance(301 * time.Second)
	assert.False(t, layer.ProtectionActive())
	ok, _ := layer.CheckProtectionModeForAction("BTCUSDT", core.ActionOpen)
	assert.True(t, ok)
}

func TestProtectionWindowForgetsOldErrors(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	layer := newTestLayer(&mockMarketSource{info: testMarketInfo()}, nil, clock)

	layer.RecordError("BTCUSDT", 10006)
	layer.RecordError("BTCUSDT", 10006)
	clock.Advance(180 * time.Second)
	layer.RecordError("BTCUSDT", 10006)

	assert.False(t, layer.ProtectionActive(),
		"two stale errors plus one fresh must not trip protection")
}

func TestHandleVenueErrorForcesRefresh(t *testing.T) {
	market := &mockMarketSource{info: testMarketInfo()}
	layer := newTestLayer(market, nil, nil)

	info := layer.HandleVenueError(context.Background(), "BTCUSDT",
		errors.New("bybit 10001: invalid qty"))
	assert.Equal(t, 10001, info.Code)
	assert.Equal(t, 1, market.refreshCalls)

	info = layer.HandleVenueError(context.Background(), "BTCUSDT",
		errors.New("bybit 110001: insufficient balance"))
	assert.Equal(t, 110001, info.Code)
	assert.Equal(t, 1, market.refreshCalls, "balance errors must not refresh rules")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    int
		wantCat     ErrorCategory
		wantSev     ErrorSeverity
		wantCorrect bool
		wantRefresh bool
	}{
		{
			name:     "explicit bybit code wins",
			err:      errors.New("bybit 110043: reduce-only order qty exceeded"),
			wantCode: 110043, wantCat: CategoryPosition, wantSev: SeverityWarn, wantCorrect: true,
		},
		{
			name:     "insufficient funds sentinel",
			err:      fmt.Errorf("place order: %w", apperrors.ErrInsufficientFunds),
			wantCode: 110001, wantCat: CategoryBalance, wantSev: SeverityCritical,
		},
		{
			name:     "rate limit sentinel",
			err:      fmt.Errorf("http 429: %w", apperrors.ErrRateLimitExceeded),
			wantCode: 10006, wantCat: CategoryRateLimit, wantRefresh: true,
		},
		{
			name:        "invalid param sentinel with qty hint",
			err:         fmt.Errorf("qty not multiple of step: %w", apperrors.ErrInvalidOrderParameter),
			wantCode:    10001,
			wantCat:     CategoryParam,
			wantCorrect: true,
			wantRefresh: true,
		},
		{
			name:     "invalid param sentinel with price hint",
			err:      fmt.Errorf("price off tick: %w", apperrors.ErrInvalidOrderParameter),
			wantCode: 10003, wantCat: CategoryParam, wantCorrect: true, wantRefresh: true,
		},
		{
			name:     "invalid param sentinel without hint",
			err:      fmt.Errorf("bad request: %w", apperrors.ErrInvalidOrderParameter),
			wantCode: 20001, wantCat: CategoryParam,
		},
		{
			name:        "leverage text heuristic",
			err:         errors.New("current leverage exceeds the maximum"),
			wantCode:    130074,
			wantCat:     CategoryPosition,
			wantRefresh: true,
		},
		{
			name:     "unmapped error falls back to unknown",
			err:      errors.New("something entirely different"),
			wantCode: 0, wantCat: CategoryUnknown, wantSev: SeverityWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := MapError(tt.err)
			assert.Equal(t, tt.wantCode, info.Code)
			assert.Equal(t, tt.wantCat, info.Category)
			if tt.wantSev != "" {
				assert.Equal(t, tt.wantSev, info.Severity)
			}
			assert.Equal(t, tt.wantCorrect, info.AutoCorrectable)
			assert.Equal(t, tt.wantRefresh, info.ForceRefresh)
			assert.Contains(t, info.Message, fmt.Sprintf("코드 %d", tt.wantCode))
		})
	}
}
