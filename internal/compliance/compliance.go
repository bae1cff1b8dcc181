// Package compliance implements the pre-order validator and post-error
// classifier that stands between decisions and the venue.
package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/pkg/telemetry"
	"perpcore/pkg/tradingutils"
)

// OrderParams is what the executor submits for validation
type OrderParams struct {
	Symbol      string
	ActionType  core.ActionType
	Direction   core.Direction
	Qty         decimal.Decimal
	Price       decimal.Decimal
	IsLimit     bool
	ReduceOnly  bool
	PositionQty decimal.Decimal
}

// Result approves an order, possibly corrected, or denies it with a
// structured reason plus an operator-facing suggestion.
type Result struct {
	Approved       bool
	CorrectedQty   *decimal.Decimal
	CorrectedPrice *decimal.Decimal
	RejectReason   string
	SuggestedFix   string
	UpgradeToClose bool
}

func (r Result) Corrected() bool {
	return r.CorrectedQty != nil || r.CorrectedPrice != nil
}

// FinalQty returns the quantity the executor should send
func (r Result) FinalQty(requested decimal.Decimal) decimal.Decimal {
	if r.CorrectedQty != nil {
		return *r.CorrectedQty
	}
	return requested
}

// FinalPrice returns the price the executor should send
func (r Result) FinalPrice(requested decimal.Decimal) decimal.Decimal {
	if r.CorrectedPrice != nil {
		return *r.CorrectedPrice
	}
	return requested
}

// MarketSource provides venue rules for validation
type MarketSource interface {
	Get(ctx context.Context, symbol string) (*core.MarketInfo, error)
	ForceRefresh(ctx context.Context, symbol string) (*core.MarketInfo, error)
}

// AuditSink persists forensic validation outcomes
type AuditSink interface {
	InsertComplianceAudit(ctx context.Context, symbol string, approved, corrected bool,
		rejectReason string, marketsVersion int64, marketsHash string, detail any) error
}

// Layer is the exchange compliance layer. All methods are safe for
// concurrent use, though each daemon normally owns one instance.
type Layer struct {
	cfg    *config.ComplianceConfig
	market MarketSource
	audit  AuditSink
	logger core.ILogger
	clock  core.Clock

	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	consecErrors    map[string]int
	blockedUntil    map[string]time.Time
	errorWindow     []time.Time
	protectionUntil time.Time
}

// NewLayer creates a compliance layer
func NewLayer(cfg *config.ComplianceConfig, market MarketSource, audit AuditSink,
	logger core.ILogger, clock core.Clock) *Layer {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Layer{
		cfg:          cfg,
		market:       market,
		audit:        audit,
		logger:       logger.WithField("component", "compliance"),
		clock:        clock,
		limiters:     make(map[string]*rate.Limiter),
		consecErrors: make(map[string]int),
		blockedUntil: make(map[string]time.Time),
	}
}

// Validate runs the pre-order pipeline, short-circuiting on the first
// denial. Alignment steps correct instead of denying. Every outcome is
// written to the forensic audit with the market-info generation it used.
func (l *Layer) Validate(ctx context.Context, p OrderParams) (Result, error) {
	info, err := l.market.Get(ctx, p.Symbol)
	if err != nil {
		// Sanity checks fail open when rules cannot be loaded at all.
		l.logger.Warn("Market info unavailable, approving without rule checks",
			"symbol", p.Symbol, "error", err)
		return Result{Approved: true}, nil
	}

	res := l.runPipeline(p, info)

	telemetry.GetGlobalMetrics().ValidationsTotal.Add(ctx, 1)
	if !res.Approved {
		telemetry.GetGlobalMetrics().RejectionsTotal.Add(ctx, 1)
	}

	if l.audit != nil {
		detail := map[string]any{
			"action_type":  string(p.ActionType),
			"direction":    string(p.Direction),
			"qty":          p.Qty.String(),
			"price":        p.Price.String(),
			"reduce_only":  p.ReduceOnly,
			"position_qty": p.PositionQty.String(),
		}
		if res.CorrectedQty != nil {
			detail["corrected_qty"] = res.CorrectedQty.String()
		}
		if res.CorrectedPrice != nil {
			detail["corrected_price"] = res.CorrectedPrice.String()
		}
		if err := l.audit.InsertComplianceAudit(ctx, p.Symbol, res.Approved,
			res.Corrected(), res.RejectReason, info.Version, info.Hash, detail); err != nil {
			l.logger.Error("Compliance audit write failed", "symbol", p.Symbol, "error", err)
		}
	}
	return res, nil
}

func (l *Layer) runPipeline(p OrderParams, info *core.MarketInfo) Result {
	// 1. Per-symbol rate limit.
	if !l.limiter(p.Symbol).Allow() {
		return Result{
			RejectReason: "rate_limited",
			SuggestedFix: fmt.Sprintf("심볼당 %.1f초에 1건만 주문할 수 있습니다. 잠시 후 재시도하세요", l.rateLimitSec()),
		}
	}

	// 2. Consecutive-error auto-block.
	if until, blocked := l.autoBlockedUntil(p.Symbol); blocked {
		return Result{
			RejectReason: "auto_blocked",
			SuggestedFix: fmt.Sprintf("연속 오류로 차단되었습니다. %s 이후 재시도하세요", until.Format(time.RFC3339)),
		}
	}

	res := Result{Approved: true}
	qty := p.Qty

	// 3. Step-size alignment (correction).
	if !tradingutils.StepAligned(qty, info.StepSize) {
		aligned := tradingutils.AlignQty(qty, info.StepSize)
		qty = aligned
		res.CorrectedQty = &aligned
	}

	// 4. Minimum quantity.
	if qty.LessThan(info.MinQty) {
		return Result{
			RejectReason: "below_min_qty",
			SuggestedFix: fmt.Sprintf("수량 %s이 최소 수량 %s보다 작습니다", qty.String(), info.MinQty.String()),
		}
	}

	// 5. Minimum notional, when a price is known.
	if p.Price.IsPositive() && info.MinNotional.IsPositive() {
		if tradingutils.Notional(qty, p.Price).LessThan(info.MinNotional) {
			return Result{
				RejectReason: "below_min_notional",
				SuggestedFix: fmt.Sprintf("주문 금액이 최소 명목 금액 %s USDT보다 작습니다", info.MinNotional.String()),
			}
		}
	}

	// 6. Tick-size alignment for limit orders (correction).
	if p.IsLimit && p.Price.IsPositive() {
		alignedPrice := tradingutils.AlignPrice(p.Price, info.TickSize)
		if !alignedPrice.Equal(p.Price) {
			res.CorrectedPrice = &alignedPrice
		}
	}

	// 7. Reduce-only integrity: cap at position qty, deny if the cap
	// falls below minQty.
	if p.ReduceOnly && qty.GreaterThan(p.PositionQty) {
		capped := tradingutils.AlignQty(p.PositionQty, info.StepSize)
		if capped.LessThan(info.MinQty) {
			return Result{
				RejectReason: "reduce_below_min_qty",
				SuggestedFix: "잔여 포지션이 최소 수량 미만입니다. 전량 청산(FULL_CLOSE)으로 전환하세요",
				UpgradeToClose: true,
			}
		}
		qty = capped
		res.CorrectedQty = &capped
	}

	return res
}

// RecordError drives both the consecutive-error counter and the rolling
// protection window.
func (l *Layer) RecordError(symbol string, code int) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecErrors[symbol]++
	if l.consecErrors[symbol] >= l.cfg.ConsecutiveErrorThreshold {
		until := now.Add(time.Duration(l.cfg.ConsecutiveErrorBlockSec) * time.Second)
		l.blockedUntil[symbol] = until
		l.logger.Warn("Symbol auto-blocked after consecutive errors",
			"symbol", symbol, "errors", l.consecErrors[symbol], "until", until.Format(time.RFC3339))
	}

	// Protection window is independent of the per-symbol counter.
	cutoff := now.Add(-time.Duration(l.cfg.ProtectionWindowSec) * time.Second)
	window := l.errorWindow[:0]
	for _, ts := range l.errorWindow {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	l.errorWindow = append(window, now)

	if len(l.errorWindow) >= l.cfg.ProtectionThreshold && now.After(l.protectionUntil) {
		l.protectionUntil = now.Add(time.Duration(l.cfg.ProtectionDurationSec) * time.Second)
		telemetry.GetGlobalMetrics().SetProtectionMode(symbol, true)
		l.logger.Error("Protection mode activated",
			"symbol", symbol, "errors_in_window", len(l.errorWindow),
			"until", l.protectionUntil.Format(time.RFC3339), "code", code)
	}
}

// RecordSuccess resets the consecutive-error counter and lifts any
// auto-block. The protection window is deliberately left alone.
func (l *Layer) RecordSuccess(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecErrors[symbol] = 0
	delete(l.blockedUntil, symbol)
}

// CheckProtectionModeForAction is consulted by the executor before any
// action. Risk-increasing actions are blocked while protection is active;
// risk-reducing ones always pass.
func (l *Layer) CheckProtectionModeForAction(symbol string, action core.ActionType) (bool, string) {
	l.mu.Lock()
	active := l.clock.Now().Before(l.protectionUntil)
	until := l.protectionUntil
	l.mu.Unlock()

	if !active {
		telemetry.GetGlobalMetrics().SetProtectionMode(symbol, false)
		return true, ""
	}
	if !action.RiskIncreasing() {
		return true, ""
	}
	return false, fmt.Sprintf("보호 모드 활성화 중 (%s까지): %s 차단", until.Format(time.RFC3339), action)
}

// ProtectionActive reports the current protection state
func (l *Layer) ProtectionActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock.Now().Before(l.protectionUntil)
}

// HandleVenueError classifies an error, records it, and force-refreshes
// market info when the code indicates stale cached rules.
func (l *Layer) HandleVenueError(ctx context.Context, symbol string, err error) ErrorInfo {
	info := MapError(err)
	l.RecordError(symbol, info.Code)
	if info.ForceRefresh {
		if _, refreshErr := l.market.ForceRefresh(ctx, symbol); refreshErr != nil {
			l.logger.Warn("Forced market refresh failed", "symbol", symbol, "error", refreshErr)
		}
	}
	return info
}

func (l *Layer) limiter(symbol string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1/l.rateLimitSec()), 1)
		l.limiters[symbol] = lim
	}
	return lim
}

func (l *Layer) rateLimitSec() float64 {
	if l.cfg.RateLimitSec <= 0 {
		return 1.0
	}
	return l.cfg.RateLimitSec
}

func (l *Layer) autoBlockedUntil(symbol string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blockedUntil[symbol]
	if !ok || l.clock.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}
