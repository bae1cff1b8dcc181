package core

import "fmt"

// Side is the direction of an open position. The empty value means flat.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = ""
)

// ParseSide rejects values outside the closed set
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLong, SideShort, SideFlat:
		return Side(s), nil
	default:
		return SideFlat, fmt.Errorf("invalid side: %q", s)
	}
}

// Opposite returns the other side; flat stays flat
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// DirSign returns +1 for long, -1 for short, 0 for flat (PnL sign convention)
func (s Side) DirSign() int {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Direction is the direction of a queued action
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionLong, DirectionShort:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid direction: %q", s)
	}
}

// Side converts a queue direction to a position side
func (d Direction) Side() Side {
	if d == DirectionShort {
		return SideShort
	}
	return SideLong
}

// ActionType classifies execution queue entries
type ActionType string

const (
	ActionOpen         ActionType = "OPEN"
	ActionAdd          ActionType = "ADD"
	ActionReduce       ActionType = "REDUCE"
	ActionClose        ActionType = "CLOSE"
	ActionFullClose    ActionType = "FULL_CLOSE"
	ActionReverseClose ActionType = "REVERSE_CLOSE"
	ActionReverseOpen  ActionType = "REVERSE_OPEN"
)

func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionOpen, ActionAdd, ActionReduce, ActionClose,
		ActionFullClose, ActionReverseClose, ActionReverseOpen:
		return ActionType(s), nil
	default:
		return "", fmt.Errorf("invalid action type: %q", s)
	}
}

// RiskIncreasing reports whether the action grows exposure. Protection mode
// blocks exactly these.
func (a ActionType) RiskIncreasing() bool {
	switch a {
	case ActionOpen, ActionAdd, ActionReverseOpen:
		return true
	default:
		return false
	}
}

// QueueStatus is the lifecycle of an execution queue entry
type QueueStatus string

const (
	QueuePending  QueueStatus = "PENDING"
	QueuePicked   QueueStatus = "PICKED"
	QueueFilled   QueueStatus = "FILLED"
	QueueCanceled QueueStatus = "CANCELED"
	QueueTimeout  QueueStatus = "TIMEOUT"
)

func ParseQueueStatus(s string) (QueueStatus, error) {
	switch QueueStatus(s) {
	case QueuePending, QueuePicked, QueueFilled, QueueCanceled, QueueTimeout:
		return QueueStatus(s), nil
	default:
		return "", fmt.Errorf("invalid queue status: %q", s)
	}
}

// ExecStatus is the lifecycle of an execution log row
type ExecStatus string

const (
	ExecSent            ExecStatus = "SENT"
	ExecPartiallyFilled ExecStatus = "PARTIALLY_FILLED"
	ExecFilled          ExecStatus = "FILLED"
	ExecCanceled        ExecStatus = "CANCELED"
	ExecTimeout         ExecStatus = "TIMEOUT"
	ExecVerified        ExecStatus = "VERIFIED"
)

func ParseExecStatus(s string) (ExecStatus, error) {
	switch ExecStatus(s) {
	case ExecSent, ExecPartiallyFilled, ExecFilled, ExecCanceled, ExecTimeout, ExecVerified:
		return ExecStatus(s), nil
	default:
		return "", fmt.Errorf("invalid execution status: %q", s)
	}
}

// OrderState is the low-level in-flight order status on the position
type OrderState string

const (
	OrderNone     OrderState = "NONE"
	OrderSent     OrderState = "SENT"
	OrderPartial  OrderState = "PARTIAL"
	OrderFilled   OrderState = "FILLED"
	OrderCanceled OrderState = "CANCELED"
	OrderTimeout  OrderState = "TIMEOUT"
)

func ParseOrderState(s string) (OrderState, error) {
	switch OrderState(s) {
	case OrderNone, OrderSent, OrderPartial, OrderFilled, OrderCanceled, OrderTimeout:
		return OrderState(s), nil
	default:
		return "", fmt.Errorf("invalid order state: %q", s)
	}
}

// PlanState is the high-level position intent
type PlanState string

const (
	PlanNone     PlanState = "PLAN.NONE"
	PlanOpen     PlanState = "PLAN.OPEN"
	PlanEntering PlanState = "PLAN.ENTERING"
	PlanExiting  PlanState = "PLAN.EXITING"
)

func ParsePlanState(s string) (PlanState, error) {
	switch PlanState(s) {
	case PlanNone, PlanOpen, PlanEntering, PlanExiting:
		return PlanState(s), nil
	default:
		return "", fmt.Errorf("invalid plan state: %q", s)
	}
}

// Mode is the decision-path classification for a cycle
type Mode string

const (
	ModeDefault       Mode = "DEFAULT"
	ModeEvent         Mode = "EVENT"
	ModeEventDecision Mode = "EVENT_DECISION"
	ModeEmergency     Mode = "EMERGENCY"
)

// CallType identifies the analysis invocation class
type CallType string

const (
	CallAuto          CallType = "AUTO"
	CallAutoMini      CallType = "AUTO_MINI"
	CallAutoEmergency CallType = "AUTO_EMERGENCY"
	CallUser          CallType = "USER"
	CallEmergency     CallType = "EMERGENCY"
)

// DecisionAction is what the deterministic engine can emit
type DecisionAction string

const (
	DecideHold    DecisionAction = "HOLD"
	DecideAdd     DecisionAction = "ADD"
	DecideReduce  DecisionAction = "REDUCE"
	DecideClose   DecisionAction = "CLOSE"
	DecideReverse DecisionAction = "REVERSE"
)

func ParseDecisionAction(s string) (DecisionAction, error) {
	switch DecisionAction(s) {
	case DecideHold, DecideAdd, DecideReduce, DecideClose, DecideReverse:
		return DecisionAction(s), nil
	default:
		return "", fmt.Errorf("invalid decision action: %q", s)
	}
}

// EventAction is what the deep-analysis provider can request
type EventAction string

const (
	EventHold          EventAction = "HOLD"
	EventRiskOffReduce EventAction = "RISK_OFF_REDUCE"
	EventHardExit      EventAction = "HARD_EXIT"
	EventFreezeEntry   EventAction = "FREEZE_NEW_ENTRY"
	EventReverse       EventAction = "REVERSE"
	EventHedge         EventAction = "HEDGE"
)

// ParseEventAction maps unknown provider output to HOLD at the boundary
func ParseEventAction(s string) (EventAction, bool) {
	switch EventAction(s) {
	case EventHold, EventRiskOffReduce, EventHardExit, EventFreezeEntry, EventReverse, EventHedge:
		return EventAction(s), true
	default:
		return EventHold, false
	}
}

// ReconcileOutcome classifies one reconciliation pass
type ReconcileOutcome string

const (
	ReconcileOK           ReconcileOutcome = "RECONCILE.OK"
	ReconcileMismatchHeal ReconcileOutcome = "RECONCILE.MISMATCH.HEAL"
	ReconcileMismatchWait ReconcileOutcome = "RECONCILE.MISMATCH.WAIT"
	ReconcileUnknown      ReconcileOutcome = "RECONCILE.UNKNOWN"
)

// BackfillStatus is the lifecycle of a batch job run
type BackfillStatus string

const (
	BackfillRunning   BackfillStatus = "RUNNING"
	BackfillPartial   BackfillStatus = "PARTIAL"
	BackfillCompleted BackfillStatus = "COMPLETED"
	BackfillFailed    BackfillStatus = "FAILED"
)

func ParseBackfillStatus(s string) (BackfillStatus, error) {
	switch BackfillStatus(s) {
	case BackfillRunning, BackfillPartial, BackfillCompleted, BackfillFailed:
		return BackfillStatus(s), nil
	default:
		return "", fmt.Errorf("invalid backfill status: %q", s)
	}
}
