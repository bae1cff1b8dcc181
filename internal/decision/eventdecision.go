package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpcore/internal/core"
	"perpcore/internal/events"
	"perpcore/internal/llm"
	"perpcore/internal/store"
	"perpcore/pkg/telemetry"
	"perpcore/pkg/tradingutils"
)

// Clamp ceilings for model-supplied parameters
const (
	maxReduceRatio   = 0.70
	maxReverseRatio  = 0.30
	maxHedgeRatio    = 0.30
	maxFreezeMinutes = 60
)

const eventRoute = "event_trigger"

const eventSystemPrompt = `You are the emergency risk desk of an automated BTC perpetual futures system.
Given a JSON snapshot bundle, decide the single safest action.
Respond ONLY with JSON:
{"event_class": string, "confidence": number 0..1,
 "action": "HOLD"|"RISK_OFF_REDUCE"|"HARD_EXIT"|"FREEZE_NEW_ENTRY"|"REVERSE"|"HEDGE",
 "params": {"reduce_ratio": number, "reverse_size_ratio": number, "hedge_size_ratio": number, "freeze_minutes": number},
 "reasoning_short": string,
 "safety_checks": {"stop_order_required": bool, "stop_price": string}}`

// Bundle is the context handed to the deep-analysis provider
type Bundle struct {
	Symbol     string                 `json:"symbol"`
	TS         time.Time              `json:"ts"`
	Position   *core.ExchangePosition `json:"position"`
	State      *core.PositionState    `json:"position_state"`
	OpenOrders []core.ExchangeOrder   `json:"open_orders"`
	Snapshot   *core.Snapshot         `json:"snapshot"`
	Triggers   []events.Trigger       `json:"triggers"`
	RecentExec []*core.ExecutionRecord `json:"recent_executions"`
	Health     map[string]any         `json:"health"`
	RiskConfig map[string]any         `json:"risk_config"`
}

// EventParams are the model-supplied sizing knobs, clamped before use
type EventParams struct {
	ReduceRatio      float64 `json:"reduce_ratio"`
	ReverseSizeRatio float64 `json:"reverse_size_ratio"`
	HedgeSizeRatio   float64 `json:"hedge_size_ratio"`
	FreezeMinutes    int     `json:"freeze_minutes"`
}

// SafetyChecks carries model-requested protective orders
type SafetyChecks struct {
	StopOrderRequired bool   `json:"stop_order_required"`
	StopPrice         string `json:"stop_price"`
}

// EventOutcome is the parsed provider response plus guard annotations
type EventOutcome struct {
	EventClass     string       `json:"event_class"`
	Confidence     float64      `json:"confidence"`
	Action         string       `json:"action"`
	Params         EventParams  `json:"params"`
	ReasoningShort string       `json:"reasoning_short"`
	SafetyChecks   SafetyChecks `json:"safety_checks"`
	FallbackUsed   bool         `json:"fallback_used"`

	GuardReasons []string `json:"guard_reasons,omitempty"`
	Enqueued     bool     `json:"-"`
}

func holdOutcome(reason string) *EventOutcome {
	return &EventOutcome{Action: "HOLD", ReasoningShort: reason, FallbackUsed: true}
}

// EventHandler runs the deep-analysis path for EVENT_DECISION bundles
type EventHandler struct {
	store    *store.Store
	market   MarketSource
	exchange core.IExchange
	client   *llm.Client
	gate     *llm.Gate
	alerter  core.IAlerter
	logger   core.ILogger
	clock    core.Clock

	mu             sync.Mutex
	entryLockUntil time.Time
}

// NewEventHandler creates the EVENT_DECISION handler
func NewEventHandler(st *store.Store, market MarketSource, exchange core.IExchange,
	client *llm.Client, gate *llm.Gate, alerter core.IAlerter,
	logger core.ILogger, clock core.Clock) *EventHandler {
	if clock == nil {
		clock = core.RealClock{}
	}
	if alerter == nil {
		alerter = core.NopAlerter{}
	}
	return &EventHandler{
		store:    st,
		market:   market,
		exchange: exchange,
		client:   client,
		gate:     gate,
		alerter:  alerter,
		logger:   logger.WithField("component", "event_decision"),
		clock:    clock,
	}
}

// EntryLocked reports whether FREEZE_NEW_ENTRY is currently in force
func (h *EventHandler) EntryLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock.Now().Before(h.entryLockUntil)
}

// Handle runs the full pipeline: provider call, guards, mapping, stop sync.
// Provider and parse failures never propagate; they collapse to HOLD.
func (h *EventHandler) Handle(ctx context.Context, callType core.CallType, bundle *Bundle) (*EventOutcome, error) {
	out := h.analyze(ctx, callType, bundle)
	h.guard(bundle, out)

	if err := h.dispatch(ctx, bundle, out); err != nil {
		return out, err
	}

	if out.SafetyChecks.StopOrderRequired {
		h.syncServerStop(ctx, bundle, out)
	}
	if h.isExit(out) {
		h.exitCleanup(ctx, bundle.Symbol)
	}
	return out, nil
}

// analyze calls the deep provider. Any denial or parse failure yields HOLD.
func (h *EventHandler) analyze(ctx context.Context, callType core.CallType, bundle *Bundle) *EventOutcome {
	if h.client == nil || !h.client.Configured() {
		return holdOutcome("provider not configured")
	}
	granted, reason := h.gate.Acquire(ctx, callType, h.client.DeepModel(), eventRoute)
	if !granted {
		h.logger.Warn("Deep analysis denied by gate", "reason", reason)
		return holdOutcome("gate: " + reason)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		h.logger.Error("Bundle marshal failed", "error", err)
		return holdOutcome("bundle marshal failed")
	}

	var out EventOutcome
	if err := h.client.CompleteJSON(ctx, h.client.DeepModel(),
		eventSystemPrompt, string(payload), &out); err != nil {
		h.logger.Warn("Deep analysis parse failed, holding", "error", err)
		return holdOutcome("parse failed")
	}
	return &out
}

// guard enforces the safety rules on the parsed action in place
func (h *EventHandler) guard(bundle *Bundle, out *EventOutcome) {
	out.Action = strings.ToUpper(strings.TrimSpace(out.Action))
	switch out.Action {
	case "HOLD", "RISK_OFF_REDUCE", "HARD_EXIT", "FREEZE_NEW_ENTRY", "REVERSE", "HEDGE":
	default:
		out.GuardReasons = append(out.GuardReasons,
			fmt.Sprintf("unrecognized action %q", out.Action))
		out.Action = "HOLD"
		return
	}

	flat := bundle.Position == nil || bundle.Position.Qty.IsZero()
	if flat {
		switch out.Action {
		case "RISK_OFF_REDUCE", "HARD_EXIT", "REVERSE", "HEDGE":
			out.GuardReasons = append(out.GuardReasons, "no position")
			out.Action = "HOLD"
			return
		}
	}

	if bundle.Snapshot != nil && bundle.Snapshot.LiquidityStress() {
		if out.Action == "REVERSE" || out.Action == "HEDGE" {
			out.GuardReasons = append(out.GuardReasons,
				"liquidity stress: "+out.Action+" upgraded to HARD_EXIT")
			out.Action = "HARD_EXIT"
		}
	}

	out.Params.ReduceRatio = clampRatio(out.Params.ReduceRatio, maxReduceRatio)
	out.Params.ReverseSizeRatio = clampRatio(out.Params.ReverseSizeRatio, maxReverseRatio)
	out.Params.HedgeSizeRatio = clampRatio(out.Params.HedgeSizeRatio, maxHedgeRatio)
	if out.Params.FreezeMinutes < 0 {
		out.Params.FreezeMinutes = 0
	}
	if out.Params.FreezeMinutes > maxFreezeMinutes {
		out.Params.FreezeMinutes = maxFreezeMinutes
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
}

// dispatch maps the guarded action onto execution queue rows
func (h *EventHandler) dispatch(ctx context.Context, bundle *Bundle, out *EventOutcome) error {
	now := h.clock.Now()
	reason := out.EventClass
	if out.ReasoningShort != "" {
		reason = out.EventClass + ": " + out.ReasoningShort
	}
	base := func(action core.ActionType, dir core.Direction, priority int) *core.QueueEntry {
		return &core.QueueEntry{
			TS:         now,
			Symbol:     bundle.Symbol,
			ActionType: action,
			Direction:  dir,
			Source:     "event_decision",
			Reason:     reason,
			Priority:   priority,
			Status:     core.QueuePending,
		}
	}

	var posQty decimal.Decimal
	var posDir core.Direction
	if bundle.Position != nil {
		posQty = bundle.Position.Qty
		posDir = directionOf(bundle.Position.Side)
	}

	switch out.Action {
	case "HOLD":
		return nil

	case "FREEZE_NEW_ENTRY":
		until := now.Add(time.Duration(out.Params.FreezeMinutes) * time.Minute)
		h.mu.Lock()
		h.entryLockUntil = until
		h.mu.Unlock()
		h.logger.Warn("Entry lock engaged",
			"symbol", bundle.Symbol, "until", until.Format(time.RFC3339))
		return nil

	case "RISK_OFF_REDUCE":
		entry, err := h.buildReduce(ctx, bundle, out, base, posQty, posDir)
		if err != nil {
			return err
		}
		return h.enqueue(ctx, out, entry)

	case "HARD_EXIT":
		entry := base(core.ActionFullClose, posDir, PriorityClose)
		entry.TargetQty = posQty
		return h.enqueue(ctx, out, entry)

	case "REVERSE":
		closeEntry := base(core.ActionReverseClose, posDir, PriorityReverse)
		closeEntry.TargetQty = posQty
		openEntry := base(core.ActionReverseOpen, oppositeDirection(posDir), PriorityReverse)
		openEntry.TargetQty = posQty.Mul(decimal.NewFromFloat(out.Params.ReverseSizeRatio))
		closeID, openID, err := h.store.EnqueuePair(ctx, closeEntry, openEntry)
		if err != nil {
			return fmt.Errorf("failed to enqueue reverse pair: %w", err)
		}
		telemetry.GetGlobalMetrics().EnqueuedTotal.Add(ctx, 2)
		out.Enqueued = true
		h.logger.Info("Event reverse pair enqueued",
			"symbol", bundle.Symbol, "close_id", closeID, "open_id", openID)
		return nil

	case "HEDGE":
		entry := base(core.ActionAdd, oppositeDirection(posDir), PriorityAdd)
		entry.TargetQty = posQty.Mul(decimal.NewFromFloat(out.Params.HedgeSizeRatio))
		return h.enqueue(ctx, out, entry)
	}
	return nil
}

// buildReduce applies the minQty upgrade rule to RISK_OFF_REDUCE
func (h *EventHandler) buildReduce(ctx context.Context, bundle *Bundle, out *EventOutcome,
	base func(core.ActionType, core.Direction, int) *core.QueueEntry,
	posQty decimal.Decimal, posDir core.Direction) (*core.QueueEntry, error) {

	ratio := out.Params.ReduceRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	reduceQty := posQty.Mul(decimal.NewFromFloat(ratio))

	info, err := h.market.Get(ctx, bundle.Symbol)
	if err != nil {
		h.logger.Warn("Market info unavailable for event reduce", "error", err)
	} else {
		reduceQty = tradingutils.AlignQty(reduceQty, info.StepSize)
		if reduceQty.LessThan(info.MinQty) && posQty.GreaterThanOrEqual(info.MinQty) {
			out.GuardReasons = append(out.GuardReasons, "reduce below min qty, full close")
			out.Action = "HARD_EXIT"
			entry := base(core.ActionFullClose, posDir, PriorityClose)
			entry.TargetQty = posQty
			entry.Meta = json.RawMessage(`{"reduce_upgraded_to_close":true}`)
			return entry, nil
		}
	}

	entry := base(core.ActionReduce, posDir, PriorityReduce)
	entry.TargetQty = reduceQty
	entry.ReducePct = ratio
	return entry, nil
}

func (h *EventHandler) enqueue(ctx context.Context, out *EventOutcome, entry *core.QueueEntry) error {
	id, err := h.store.Enqueue(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to enqueue event action: %w", err)
	}
	telemetry.GetGlobalMetrics().EnqueuedTotal.Add(ctx, 1)
	out.Enqueued = true
	h.logger.Info("Event action enqueued",
		"symbol", entry.Symbol, "id", id, "action", entry.ActionType,
		"direction", entry.Direction)
	return nil
}

// syncServerStop places the venue-side stop the model demanded. Failure is
// surfaced loudly: a missing hard stop during an event is an operator issue.
func (h *EventHandler) syncServerStop(ctx context.Context, bundle *Bundle, out *EventOutcome) {
	stop, err := decimal.NewFromString(out.SafetyChecks.StopPrice)
	if err != nil || stop.LessThanOrEqual(decimal.Zero) {
		h.logger.Warn("Stop order requested without a usable price",
			"symbol", bundle.Symbol, "stop_price", out.SafetyChecks.StopPrice)
		return
	}
	if err := h.exchange.SetTradingStop(ctx, bundle.Symbol, stop); err != nil {
		h.logger.Error("Server stop sync failed",
			"symbol", bundle.Symbol, "stop", stop.String(), "error", err)
		h.alerter.Critical("HARD STOP SET FAILED",
			fmt.Sprintf("서버 스탑 주문 동기화 실패: %s", bundle.Symbol),
			map[string]string{
				"symbol": bundle.Symbol,
				"stop":   stop.String(),
				"error":  err.Error(),
			})
		return
	}
	h.logger.Info("Server stop synchronized",
		"symbol", bundle.Symbol, "stop", stop.String())
}

func (h *EventHandler) isExit(out *EventOutcome) bool {
	return out.Enqueued && out.Action == "HARD_EXIT"
}

// exitCleanup clears the server stop after a full exit was queued so a
// stale stop cannot fire against the next position.
func (h *EventHandler) exitCleanup(ctx context.Context, symbol string) {
	if err := h.exchange.SetTradingStop(ctx, symbol, decimal.Zero); err != nil {
		h.logger.Warn("Stop clear after exit failed", "symbol", symbol, "error", err)
		return
	}
	h.logger.Info("Exit cleanup: server stop cleared", "symbol", symbol)
}

func clampRatio(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func oppositeDirection(d core.Direction) core.Direction {
	if d == core.DirectionLong {
		return core.DirectionShort
	}
	return core.DirectionLong
}
