// Package position runs the position manager daemon: an adaptive loop that
// observes the venue, classifies the cycle mode, decides, and enqueues.
// It never places orders itself.
package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/adaptive"
	"perpcore/internal/config"
	"perpcore/internal/control"
	"perpcore/internal/core"
	"perpcore/internal/decision"
	"perpcore/internal/events"
	"perpcore/internal/llm"
	"perpcore/internal/snapshot"
	"perpcore/internal/store"
	"perpcore/pkg/telemetry"
)

// PnL history windows for the adaptive layers: global win rate over the
// last 20 verified trades, per-entry-mode net over the last 50.
const (
	recentTradeSample = 20
	modeTradeSample   = 50
)

// ProtectionSource reports compliance protection state for health rollup
type ProtectionSource interface {
	ProtectionActive() bool
}

// Manager owns the per-cycle procedure
type Manager struct {
	cfg        *config.ManagerConfig
	safetyCfg  *config.SafetyConfig
	symbol     string
	store      *store.Store
	exchange   core.IExchange
	toggles    *control.Toggles
	snaps      *snapshot.Builder
	events     *events.Engine
	engine     *decision.Engine
	enqueuer   *decision.Enqueuer
	eventH     *decision.EventHandler
	layers     *adaptive.Layers
	client     *llm.Client
	gate       *llm.Gate
	market     decision.MarketSource
	protection ProtectionSource
	logger     core.ILogger
	clock      core.Clock

	prevSide    core.Side
	peakUPnLPct float64
}

// Deps bundles the manager's collaborators
type Deps struct {
	Store      *store.Store
	Exchange   core.IExchange
	Toggles    *control.Toggles
	Snapshots  *snapshot.Builder
	Events     *events.Engine
	Engine     *decision.Engine
	Enqueuer   *decision.Enqueuer
	EventH     *decision.EventHandler
	Layers     *adaptive.Layers
	Client     *llm.Client
	Gate       *llm.Gate
	Market     decision.MarketSource
	Protection ProtectionSource
	Logger     core.ILogger
	Clock      core.Clock
}

// NewManager creates the daemon for one symbol
func NewManager(cfg *config.ManagerConfig, safetyCfg *config.SafetyConfig,
	symbol string, d Deps) *Manager {
	clock := d.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Manager{
		cfg:        cfg,
		safetyCfg:  safetyCfg,
		symbol:     symbol,
		store:      d.Store,
		exchange:   d.Exchange,
		toggles:    d.Toggles,
		snaps:      d.Snapshots,
		events:     d.Events,
		engine:     d.Engine,
		enqueuer:   d.Enqueuer,
		eventH:     d.EventH,
		layers:     d.Layers,
		client:     d.Client,
		gate:       d.Gate,
		market:     d.Market,
		protection: d.Protection,
		logger:     d.Logger.WithField("component", "position_manager"),
		clock:      clock,
	}
}

// Run loops until the context is cancelled or the kill switch appears
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Position manager started", "symbol", m.symbol)
	for {
		sleep, stop := m.cycle(ctx)
		if stop {
			m.logger.Warn("Kill switch present, exiting", "symbol", m.symbol)
			return nil
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Position manager stopping", "symbol", m.symbol)
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// cycle runs one pass and returns the next sleep. Errors inside the cycle
// are logged, never fatal; the loop boundary is the catch-all.
func (m *Manager) cycle(ctx context.Context) (time.Duration, bool) {
	telemetry.GetGlobalMetrics().CyclesTotal.Add(ctx, 1)

	if m.toggles.KillSwitch() {
		return 0, true
	}
	if m.toggles.Paused() {
		m.logger.Debug("Paused", "symbol", m.symbol)
		return m.slow(), false
	}
	if !m.toggles.TestModeActive() {
		m.logger.Debug("Test mode inactive, idling")
		return m.slow(), false
	}

	pos, err := m.exchange.GetPosition(ctx, m.symbol)
	if err != nil {
		m.logger.Error("Position fetch failed", "symbol", m.symbol, "error", err)
		return m.slow(), false
	}
	telemetry.GetGlobalMetrics().SetPositionSize(m.symbol, posSize(pos))

	side := core.SideFlat
	if pos != nil {
		side = pos.Side
	}
	if side != m.prevSide {
		m.events.ResetEdges()
		m.peakUPnLPct = 0
		m.prevSide = side
	}

	if pos == nil || pos.Qty.IsZero() {
		m.syncState(ctx, pos)
		return m.slow(), false
	}

	snap, err := m.snaps.Build(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("Snapshot build failed, holding cycle",
			"symbol", m.symbol, "error", err)
		return m.normal(), false
	}
	if err := snap.Validate(); err != nil {
		m.logger.Warn("Snapshot invalid, holding cycle",
			"symbol", m.symbol, "error", err)
		return m.normal(), false
	}

	state, err := m.store.GetPositionState(ctx, m.symbol)
	if err != nil {
		m.logger.Error("Position state load failed", "symbol", m.symbol, "error", err)
		return m.normal(), false
	}

	scores := decision.ComputeScores(snap)
	evRes := m.events.Evaluate(ctx, snap, side, scores)

	d, provenance := m.decide(ctx, evRes, pos, state, snap, scores)
	d = m.applyAdaptive(ctx, d, pos, state, snap)

	// Defer to strategy-sourced rows already pending for the same action.
	if d.Action != core.DecideHold {
		pending, err := m.store.HasRecentIntentPending(ctx, m.symbol,
			actionTypeOf(d.Action), time.Duration(m.cfg.DeferWindowSec)*time.Second)
		if err != nil {
			m.logger.Warn("Defer check failed", "error", err)
		} else if pending {
			d = decision.Decision{Action: core.DecideHold, Reason: "deferred"}
		}
	}

	decisionID := m.persistDecision(ctx, evRes, d, pos, state, snap, scores, provenance)
	telemetry.GetGlobalMetrics().DecisionsTotal.Add(ctx, 1)

	if d.Action != core.DecideHold {
		sizing := m.sizingFor(d, pos, snap.Price)
		enqueued, dropReason, err := m.enqueuer.Enqueue(ctx, m.symbol, d, state, pos,
			sizing, "position_manager", decisionID)
		if err != nil {
			m.logger.Error("Enqueue failed", "action", d.Action, "error", err)
		} else if !enqueued {
			m.logger.Info("Decision dropped before enqueue",
				"action", d.Action, "reason", dropReason)
		}
	}

	m.events.RecordOutcome(evRes.Triggers, side, d.Action)
	m.syncState(ctx, pos)

	if len(evRes.Triggers) > 0 || d.Action != core.DecideHold {
		return m.fast(), false
	}
	return m.normal(), false
}

// decide branches on the cycle mode
func (m *Manager) decide(ctx context.Context, evRes events.Result,
	pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot, scores core.Scores) (decision.Decision, map[string]any) {

	switch evRes.Mode {
	case core.ModeEmergency:
		return m.deepPath(ctx, core.CallEmergency, evRes, pos, state, snap)
	case core.ModeEventDecision:
		return m.deepPath(ctx, core.CallAutoEmergency, evRes, pos, state, snap)
	case core.ModeEvent:
		return m.eventPath(ctx, evRes, pos, state, snap, scores)
	}

	d := m.engine.Decide(decision.Context{
		Position: pos,
		State:    state,
		Snapshot: snap,
		Scores:   scores,
		Price:    snap.Price,
	})
	return d, map[string]any{"engine": "deterministic"}
}

// deepPath delegates to the event-decision handler; the handler enqueues
// its own rows, so the manager only logs a HOLD for the audit trail.
func (m *Manager) deepPath(ctx context.Context, callType core.CallType,
	evRes events.Result, pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot) (decision.Decision, map[string]any) {

	bundle := m.buildBundle(ctx, evRes, pos, state, snap)
	out, err := m.eventH.Handle(ctx, callType, bundle)
	if err != nil {
		m.logger.Error("Event decision handling failed", "error", err)
	}
	prov := map[string]any{
		"engine":        "deep_analysis",
		"call_type":     string(callType),
		"event_class":   out.EventClass,
		"action":        out.Action,
		"confidence":    out.Confidence,
		"fallback_used": out.FallbackUsed,
		"guard_reasons": out.GuardReasons,
	}
	reason := out.ReasoningShort
	if reason == "" {
		reason = out.EventClass
	}
	return decision.Decision{Action: core.DecideHold, Reason: "delegated: " + reason}, prov
}

// advisory is the cheap/deep EVENT-mode response shape
type advisory struct {
	Action    string  `json:"action"`
	ReducePct float64 `json:"reduce_pct"`
	Reason    string  `json:"reason"`
	Conf      float64 `json:"confidence"`
}

const eventAdvicePrompt = `You advise a BTC perpetual position manager during a market event.
Respond ONLY with JSON: {"action": "HOLD"|"ADD"|"REDUCE"|"CLOSE"|"REVERSE",
"reduce_pct": number 0..1, "reason": string, "confidence": number 0..1}`

const miniAdvicePrompt = `You advise a BTC perpetual position manager during a market event.
Only HOLD or REDUCE are permitted. Respond ONLY with JSON:
{"action": "HOLD"|"REDUCE", "reduce_pct": number 0..1, "reason": string, "confidence": number 0..1}`

// miniReducePct is the conservative fraction the cheap path is held to
const miniReducePct = 0.25

// eventPath routes an admitted EVENT bundle to deep or mini analysis
func (m *Manager) eventPath(ctx context.Context, evRes events.Result,
	pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot, scores core.Scores) (decision.Decision, map[string]any) {

	fallback := func(why string) (decision.Decision, map[string]any) {
		d := m.engine.Decide(decision.Context{
			Position: pos, State: state, Snapshot: snap, Scores: scores, Price: snap.Price,
		})
		return d, map[string]any{"engine": "deterministic", "advisory_fallback": why}
	}

	if m.client == nil || !m.client.Configured() {
		return fallback("provider not configured")
	}

	model := m.client.DeepModel()
	mini := false
	granted, reason := m.gate.Acquire(ctx, core.CallAuto, model, "strategy")
	if !granted {
		model = m.client.MiniModel()
		mini = true
		granted, reason = m.gate.Acquire(ctx, core.CallAutoMini, model, "strategy")
		if !granted {
			return fallback("gate: " + reason)
		}
	}

	bundle := m.buildBundle(ctx, evRes, pos, state, snap)
	payload, err := marshalBundle(bundle)
	if err != nil {
		return fallback("bundle marshal failed")
	}
	prompt := eventAdvicePrompt
	if mini {
		prompt = miniAdvicePrompt
	}

	var adv advisory
	if err := m.client.CompleteJSON(ctx, model, prompt, payload, &adv); err != nil {
		m.logger.Warn("Event advisory parse failed, falling back", "error", err)
		return fallback("parse failed")
	}

	action, err := core.ParseDecisionAction(adv.Action)
	if err != nil {
		return fallback("unknown advisory action")
	}
	// Safety invariant: the cheap path may only hold or reduce, and any
	// reduce is pinned to a conservative fraction.
	if mini && action != core.DecideHold && action != core.DecideReduce {
		action = core.DecideHold
		adv.Reason = fmt.Sprintf("mini path restricted (%s denied)", adv.Action)
	}
	pct := adv.ReducePct
	if mini {
		pct = miniReducePct
	}

	d := decision.Decision{
		Action:    action,
		Direction: directionOfSide(pos.Side),
		Reason:    adv.Reason,
		ReducePct: pct,
	}
	if action == core.DecideReverse {
		d.Direction = directionOfSide(pos.Side.Opposite())
	}
	return d, map[string]any{
		"engine":     "advisory",
		"model":      model,
		"mini":       mini,
		"confidence": adv.Conf,
	}
}

func (m *Manager) buildBundle(ctx context.Context, evRes events.Result,
	pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot) *decision.Bundle {

	orders, err := m.exchange.GetOpenOrders(ctx, m.symbol)
	if err != nil {
		m.logger.Warn("Open orders fetch failed for bundle", "error", err)
	}
	recent, err := m.store.RecentExecutions(ctx, m.symbol, 10)
	if err != nil {
		m.logger.Warn("Recent executions fetch failed for bundle", "error", err)
	}
	openOrders := make([]core.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		if o != nil {
			openOrders = append(openOrders, *o)
		}
	}
	return &decision.Bundle{
		Symbol:     m.symbol,
		TS:         m.clock.Now(),
		Position:   pos,
		State:      state,
		OpenOrders: openOrders,
		Snapshot:   snap,
		Triggers:   evRes.Triggers,
		RecentExec: recent,
		Health: map[string]any{
			"degraded":   snap.Degraded,
			"protection": m.protectionActive(),
		},
		RiskConfig: map[string]any{
			"dynamic_sl_pct":   m.cfg.DynamicSLPct,
			"capital_cap_usdt": m.safetyCfg.CapitalCapUSDT,
			"max_stages":       core.MaxStages,
		},
	}
}

// applyAdaptive runs the layer stack and gates risk-increasing decisions.
// The layers are keyed by the position's entry mode, not the cycle mode:
// cooldowns, MeanRev protection and penalties all attach to how the
// position was entered.
func (m *Manager) applyAdaptive(ctx context.Context, d decision.Decision,
	pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot) decision.Decision {

	uPnL := unrealizedPct(pos, snap.Price)
	if uPnL > m.peakUPnLPct {
		m.peakUPnLPct = uPnL
	}

	entryMode := ""
	if state != nil {
		entryMode = state.EntryMode
	}
	if entryMode == "" {
		entryMode = adaptive.EntryModeFromRegime(snap.Regime)
	}

	globalPnLs, err := m.store.RecentTradePnLs(ctx, m.symbol, recentTradeSample)
	if err != nil {
		m.logger.Warn("Trade PnL history load failed", "error", err)
	}
	modePnLs, err := m.store.RecentTradePnLsByMode(ctx, m.symbol, entryMode, modeTradeSample)
	if err != nil {
		m.logger.Warn("Per-mode PnL history load failed", "mode", entryMode, "error", err)
	}
	health := "OK"
	if snap.Degraded || m.protectionActive() {
		health = "WARN"
	}

	res := m.layers.Evaluate(ctx, adaptive.Input{
		EntryMode:     entryMode,
		Side:          pos.Side,
		Action:        d.Action,
		Features:      featuresFrom(snap),
		UPnLPct:       uPnL,
		PeakUPnLPct:   m.peakUPnLPct,
		Health:        health,
		GlobalPnLs:    globalPnLs,
		ModePnLs:      modePnLs,
		TradeSwitchOn: true,
	})

	if d.Action == core.DecideAdd {
		if res.BlockAdd || res.BlockEntry {
			m.logger.Info("Adaptive layers blocked ADD", "reasons", fmt.Sprint(res.Reasons))
			return decision.Decision{Action: core.DecideHold, Reason: "adaptive block"}
		}
		if m.eventH != nil && m.eventH.EntryLocked() {
			return decision.Decision{Action: core.DecideHold, Reason: "entry lock active"}
		}
	}
	if d.Action == core.DecideReverse && res.BlockEntry {
		m.logger.Info("Adaptive layers degraded REVERSE to CLOSE",
			"reasons", fmt.Sprint(res.Reasons))
		return decision.Decision{
			Action:    core.DecideClose,
			Direction: directionOfSide(pos.Side),
			Reason:    d.Reason + " (reverse open blocked)",
		}
	}
	return d
}

func (m *Manager) persistDecision(ctx context.Context, evRes events.Result,
	d decision.Decision, pos *core.ExchangePosition, state *core.PositionState,
	snap *core.Snapshot, scores core.Scores, provenance map[string]any) *int64 {

	decisionCtx := map[string]any{
		"price":      snap.Price,
		"side":       string(pos.Side),
		"qty":        pos.Qty,
		"stage":      state.Stage,
		"scores":     map[string]float64{"long": scores.Long, "short": scores.Short},
		"regime":     string(snap.Regime),
		"degraded":   snap.Degraded,
		"triggers":   evRes.Triggers,
		"event_hash": evRes.EventHash,
		"suppressed": evRes.Suppressed,
	}
	id, err := m.store.InsertDecision(ctx, m.symbol, evRes.Mode, evRes.CallType,
		d.Action, d.Reason, decisionCtx, provenance)
	if err != nil {
		m.logger.Error("Decision log write failed", "error", err)
		return nil
	}
	return &id
}

// syncState mirrors the authoritative exchange position into position_state
func (m *Manager) syncState(ctx context.Context, pos *core.ExchangePosition) {
	state, err := m.store.GetPositionState(ctx, m.symbol)
	if err != nil {
		m.logger.Error("Position state load failed during sync", "error", err)
		return
	}
	changed := false
	if pos == nil || pos.Qty.IsZero() {
		if !state.IsFlat() {
			state.ClearToFlat(m.clock.Now())
			changed = true
		}
	} else {
		if state.Side != pos.Side || !state.TotalQty.Equal(pos.Qty) ||
			!state.AvgEntryPrice.Equal(pos.EntryPrice) {
			state.Side = pos.Side
			state.TotalQty = pos.Qty
			state.AvgEntryPrice = pos.EntryPrice
			changed = true
		}
	}
	if !changed {
		return
	}
	state.UpdatedAt = m.clock.Now()
	if err := m.store.SavePositionState(ctx, state); err != nil {
		m.logger.Error("Position state sync failed", "error", err)
	}
}

func (m *Manager) sizingFor(d decision.Decision, pos *core.ExchangePosition,
	price decimal.Decimal) decision.Sizing {

	switch d.Action {
	case core.DecideAdd, core.DecideReverse:
		usdt := decimal.NewFromFloat(m.safetyCfg.CapitalCapUSDT).
			Mul(decimal.NewFromFloat(m.cfg.AddSlicePct / 100))
		var qty decimal.Decimal
		if price.GreaterThan(decimal.Zero) {
			qty = usdt.Div(price)
		}
		return decision.Sizing{TargetQty: qty, TargetUSDT: usdt}
	}
	return decision.Sizing{}
}

func (m *Manager) protectionActive() bool {
	return m.protection != nil && m.protection.ProtectionActive()
}

func (m *Manager) fast() time.Duration {
	return time.Duration(m.cfg.SleepFastSec) * time.Second
}
func (m *Manager) normal() time.Duration {
	return time.Duration(m.cfg.SleepNormalSec) * time.Second
}
func (m *Manager) slow() time.Duration {
	return time.Duration(m.cfg.SleepSlowSec) * time.Second
}

func featuresFrom(s *core.Snapshot) adaptive.Features {
	rp := s.RangePosition
	imp := s.Impulse
	vz := s.VolMA
	f := adaptive.Features{
		Regime:        s.Regime,
		RangePosition: &rp,
		Impulse:       &imp,
		VolumeZ:       &vz,
	}
	if !s.VAH.IsZero() && !s.VAL.IsZero() {
		inVA := s.Price.GreaterThanOrEqual(s.VAL) && s.Price.LessThanOrEqual(s.VAH)
		f.PriceInValueArea = &inVA
	}
	return f
}

func unrealizedPct(pos *core.ExchangePosition, price decimal.Decimal) float64 {
	if pos == nil || pos.EntryPrice.IsZero() || price.IsZero() {
		return 0
	}
	diff, _ := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Float64()
	pct := diff * 100
	if pos.Side == core.SideShort {
		pct = -pct
	}
	return pct
}

func posSize(pos *core.ExchangePosition) float64 {
	if pos == nil {
		return 0
	}
	f, _ := pos.Qty.Float64()
	return f
}

func actionTypeOf(a core.DecisionAction) core.ActionType {
	switch a {
	case core.DecideAdd:
		return core.ActionAdd
	case core.DecideReduce:
		return core.ActionReduce
	case core.DecideClose:
		return core.ActionClose
	case core.DecideReverse:
		return core.ActionReverseOpen
	}
	return core.ActionOpen
}

func directionOfSide(s core.Side) core.Direction {
	if s == core.SideShort {
		return core.DirectionShort
	}
	return core.DirectionLong
}

func marshalBundle(b *decision.Bundle) (string, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
