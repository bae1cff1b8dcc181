package core

import (
	"encoding/json"
	"math/bits"
	"time"

	"github.com/shopspring/decimal"
)

// MaxStages caps the pyramid under the default budget policy
const MaxStages = 7

// MaxBudgetUsedPct caps trade_budget_used_pct under the default budget policy
const MaxBudgetUsedPct = 70.0

// MarketInfo holds per-symbol venue rules plus cache provenance. Version
// increases monotonically on every load; Hash changes only when content does.
type MarketInfo struct {
	Symbol       string
	MinQty       decimal.Decimal
	MaxQty       decimal.Decimal
	StepSize     decimal.Decimal
	TickSize     decimal.Decimal
	MinPrice     decimal.Decimal
	MaxPrice     decimal.Decimal
	MinNotional  decimal.Decimal
	ContractSize decimal.Decimal
	Version      int64
	Hash         string
	LoadedAt     time.Time
}

// StageFill records one consumed pyramid stage
type StageFill struct {
	Stage       int             `json:"stage"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	Pct         float64         `json:"pct"`
	PlannedUSDT decimal.Decimal `json:"planned_usdt"`
	FilledUSDT  decimal.Decimal `json:"filled_usdt"`
}

// PositionState is the strategy-side position record, singleton per symbol
type PositionState struct {
	Symbol              string
	Side                Side
	EntryMode           string // "Trend" or "MeanRev", set at entry fill
	TotalQty            decimal.Decimal
	AvgEntryPrice       decimal.Decimal
	Stage               int
	CapitalUsedUSDT     decimal.Decimal
	TradeBudgetUsedPct  float64
	StageConsumedMask   int
	NextStageAvailable  int
	OrderState          OrderState
	PlanState           PlanState
	PlannedQty          decimal.Decimal
	FilledQty           decimal.Decimal
	PlannedUSDT         decimal.Decimal
	FilledUSDT          decimal.Decimal
	LastOrderID         string
	AccumulatedEntryFee decimal.Decimal
	StagesDetail        []StageFill
	UpdatedAt           time.Time
	StateChangedAt      time.Time
}

// IsFlat reports whether no position is held
func (p *PositionState) IsFlat() bool {
	return p == nil || p.Side == SideFlat || p.TotalQty.IsZero()
}

// StageFromMask recomputes the stage count from the consumed bitmask
func (p *PositionState) StageFromMask() int {
	return bits.OnesCount(uint(p.StageConsumedMask))
}

// ConsumeStage sets the bit for stage (1-based) and keeps derived fields consistent
func (p *PositionState) ConsumeStage(stage int) {
	if stage < 1 || stage > MaxStages {
		return
	}
	p.StageConsumedMask |= 1 << (stage - 1)
	p.Stage = p.StageFromMask()
	p.NextStageAvailable = p.Stage + 1
	if p.NextStageAvailable > MaxStages {
		p.NextStageAvailable = MaxStages
	}
}

// ClearToFlat resets the record to the no-position state
func (p *PositionState) ClearToFlat(now time.Time) {
	p.Side = SideFlat
	p.EntryMode = ""
	p.TotalQty = decimal.Zero
	p.AvgEntryPrice = decimal.Zero
	p.Stage = 0
	p.CapitalUsedUSDT = decimal.Zero
	p.TradeBudgetUsedPct = 0
	p.StageConsumedMask = 0
	p.NextStageAvailable = 1
	p.OrderState = OrderNone
	p.PlanState = PlanNone
	p.PlannedQty = decimal.Zero
	p.FilledQty = decimal.Zero
	p.PlannedUSDT = decimal.Zero
	p.FilledUSDT = decimal.Zero
	p.LastOrderID = ""
	p.AccumulatedEntryFee = decimal.Zero
	p.StagesDetail = nil
	p.UpdatedAt = now
	p.StateChangedAt = now
}

// QueueEntry is one row of the execution queue
type QueueEntry struct {
	ID           int64
	TS           time.Time
	Symbol       string
	ActionType   ActionType
	Direction    Direction
	TargetQty    decimal.Decimal
	TargetUSDT   decimal.Decimal
	ReducePct    float64
	Source       string
	Reason       string
	Priority     int
	Status       QueueStatus
	ExpireAt     *time.Time
	DependsOn    *int64
	PMDecisionID *int64
	Meta         json.RawMessage
}

// ExecutionRecord is one row of the append-only execution log
type ExecutionRecord struct {
	ID                int64
	OrderID           string
	ClientOrderID     string
	Symbol            string
	OrderType         string
	Direction         Direction
	ActionType        ActionType
	SignalID          string
	DecisionID        *int64
	QueueID           *int64
	CloseReason       string
	RequestedQty      decimal.Decimal
	RequestedUSDT     decimal.Decimal
	TickerPrice       decimal.Decimal
	Status            ExecStatus
	FilledQty         decimal.Decimal
	AvgFillPrice      decimal.Decimal
	Fee               decimal.Decimal
	FeeCurrency       string
	RealizedPnL       decimal.Decimal
	PositionAfterSide Side
	PositionAfterQty  decimal.Decimal
	PositionVerified  bool
	VerifiedAt        *time.Time
	PollCount         int
	LastPollAt        *time.Time
	SentAt            time.Time
	RawResponse       string
	Meta              json.RawMessage
}

// ExchangePosition is venue-side position truth
type ExchangePosition struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

// ExchangeOrder is a venue-side order snapshot
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Fee           decimal.Decimal
	FeeCurrency   string
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Candle is one OHLCV row
type Candle struct {
	Symbol    string
	Timeframe string
	TS        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Scores is the score engine output used by the deterministic decision engine
type Scores struct {
	Long  float64
	Short float64
}

// Dominant returns the side with the higher score, flat on a tie
func (s Scores) Dominant() Side {
	switch {
	case s.Long > s.Short:
		return SideLong
	case s.Short > s.Long:
		return SideShort
	default:
		return SideFlat
	}
}

// ScoreFor returns the score of the given side
func (s Scores) ScoreFor(side Side) float64 {
	if side == SideShort {
		return s.Short
	}
	if side == SideLong {
		return s.Long
	}
	return 0
}

// BackfillRun is a recoverable batch job descriptor
type BackfillRun struct {
	ID         int64
	JobName    string
	Status     BackfillStatus
	LastCursor string
	Inserted   int
	Updated    int
	Failed     int
	StartedAt  time.Time
	FinishedAt *time.Time
}
