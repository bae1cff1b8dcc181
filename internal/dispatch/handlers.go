package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/internal/decision"
)

var hundred = decimal.NewFromInt(100)

func (d *Dispatcher) handleStatus(ctx context.Context) (string, error) {
	state, err := d.store.GetPositionState(ctx, d.symbol)
	if err != nil {
		return "", err
	}
	pos, err := d.exchange.GetPosition(ctx, d.symbol)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s 전략 상태\n", d.symbol)
	if pos == nil || pos.Qty.IsZero() {
		b.WriteString("포지션: 없음\n")
	} else {
		fmt.Fprintf(&b, "포지션: %s 수량 %s @ %s\n",
			koreanSide(pos.Side), pos.Qty, pos.EntryPrice.Round(2))
		fmt.Fprintf(&b, "미실현 손익: %s USDT\n", pos.UnrealizedPnL.Round(4))
	}
	fmt.Fprintf(&b, "단계: %d/%d, 예산 사용 %.1f%%\n",
		state.Stage, core.MaxStages, state.TradeBudgetUsedPct)
	fmt.Fprintf(&b, "계획 상태: %s, 주문 상태: %s", state.PlanState, state.OrderState)
	return b.String(), nil
}

func (d *Dispatcher) handlePrice(ctx context.Context) (string, error) {
	price, err := d.exchange.GetTicker(ctx, d.symbol)
	if err != nil {
		return "", err
	}
	funding, err := d.exchange.GetFundingRate(ctx, d.symbol)
	if err != nil {
		return fmt.Sprintf("💰 %s 현재가: %s USDT", d.symbol, price.Round(2)), nil
	}
	return fmt.Sprintf("💰 %s 현재가: %s USDT (펀딩비 %s%%)",
		d.symbol, price.Round(2), funding.Mul(hundred).Round(4)), nil
}

func (d *Dispatcher) handleScores(ctx context.Context) (string, error) {
	snap, err := d.snaps.Build(ctx, d.symbol)
	if err != nil {
		return "", err
	}
	scores := decision.ComputeScores(snap)
	return fmt.Sprintf("📈 점수 요약\n롱: %.0f / 숏: %.0f\n국면: %s (신뢰도 %.2f)\nRSI: %.1f, ATR: %.2f%%",
		scores.Long, scores.Short, snap.Regime, snap.RegimeConfidence,
		snap.RSI14, snap.ATR14), nil
}

func (d *Dispatcher) handleReconcile(ctx context.Context) (string, error) {
	out := d.recon.Reconcile(ctx, d.symbol)
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 정합성 점검: %s\n", out.Result)
	fmt.Fprintf(&b, "거래소: %s %s / 전략: %s %s",
		koreanSide(out.ExchSide), out.ExchQty, koreanSide(out.StratSide), out.StratQty)
	if out.HealingAction != "" {
		fmt.Fprintf(&b, "\n복구 조치: %s", out.HealingAction)
	}
	return b.String(), nil
}

func (d *Dispatcher) handleSnapshot(ctx context.Context) (string, error) {
	snap, err := d.snaps.Build(ctx, d.symbol)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📷 시장 스냅샷 (%s)\n", snap.TS.Format("15:04:05"))
	fmt.Fprintf(&b, "가격: %s, 1분 %.2f%% / 5분 %.2f%% / 15분 %.2f%%\n",
		snap.Price.Round(2), snap.Ret1m, snap.Ret5m, snap.Ret15m)
	fmt.Fprintf(&b, "RSI %.1f, ATR %.2f%%, 거래량비 %.2f\n",
		snap.RSI14, snap.ATR14, snap.VolMA)
	fmt.Fprintf(&b, "스프레드 정상: %v, 유동성 정상: %v", snap.SpreadOK, snap.LiquidityOK)
	if snap.Degraded {
		b.WriteString("\n⚠️ 저하 모드 (DB 데이터만 사용)")
	}
	return b.String(), nil
}

func (d *Dispatcher) handleHealth(ctx context.Context) (string, error) {
	if err := d.exchange.CheckHealth(ctx); err != nil {
		return "❌ 거래소 연결 이상: " + err.Error(), nil
	}
	if err := d.store.Ping(ctx); err != nil {
		return "❌ DB 연결 이상: " + err.Error(), nil
	}
	return "✅ 거래소/DB 연결 정상", nil
}

func (d *Dispatcher) handleAudit(ctx context.Context) (string, error) {
	recs, err := d.store.RecentExecutions(ctx, d.symbol, 5)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "최근 실행 기록이 없습니다.", nil
	}
	var b strings.Builder
	b.WriteString("🧾 최근 실행 기록\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "#%d %s %s %s: %s (손익 %s)\n",
			r.ID, r.SentAt.Format("01-02 15:04"), r.ActionType, r.Status,
			r.FilledQty, r.RealizedPnL.Round(4))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (d *Dispatcher) handleNews(ctx context.Context) (string, error) {
	recs, err := d.store.RecentEventDecisions(ctx, d.symbol, 5)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "최근 이벤트 대응 기록이 없습니다.", nil
	}
	var b strings.Builder
	b.WriteString("📰 최근 이벤트 대응 기록\n")
	for _, r := range recs {
		fmt.Fprintf(&b, "#%d %s [%s] %s: %s\n",
			r.ID, r.TS.Format("01-02 15:04"), r.Mode, r.Action, r.Reason)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// handleDebug serves the debug_* query family: debug_on and debug_off
// toggle the reply footer, anything else reports the tracked state.
func (d *Dispatcher) handleDebug(ctx context.Context, queryType string) (string, error) {
	switch strings.TrimPrefix(queryType, "debug_") {
	case "on":
		d.debugMode = true
		return "디버그 모드 ON", nil
	case "off":
		d.debugMode = false
		return "디버그 모드 OFF", nil
	}

	mode := "OFF"
	if d.debugMode {
		mode = "ON"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔧 디버그 상태\n모드: %s\n", mode)
	var risk string
	if found, err := d.store.GetKV(ctx, riskModeKey, &risk); err == nil && found {
		fmt.Fprintf(&b, "리스크 모드: %s\n", risk)
	}
	if len(d.keywords) > 0 {
		fmt.Fprintf(&b, "감시 키워드: %s\n", strings.Join(d.keywords, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func koreanSide(s core.Side) string {
	switch s {
	case core.SideLong:
		return "롱"
	case core.SideShort:
		return "숏"
	}
	return "없음"
}
