// Package fillwatcher polls open execution log rows against the venue,
// interprets order status, and settles position state after fills.
package fillwatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/core"
	"perpcore/internal/reconcile"
	"perpcore/internal/store"
	apperrors "perpcore/pkg/errors"
	"perpcore/pkg/telemetry"
)

// TradeSink is notified after a verified exit so adaptive state can reset
type TradeSink interface {
	RecordTrade(ctx context.Context, at time.Time)
}

// Watcher is the fill-watching daemon for one symbol
type Watcher struct {
	cfg      *config.WatcherConfig
	mgrCfg   *config.ManagerConfig
	symbol   string
	store    *store.Store
	exchange core.IExchange
	recon    *reconcile.Reconciler
	alerter  core.IAlerter
	trades   TradeSink
	logger   core.ILogger
	clock    core.Clock

	cycles int
}

// NewWatcher creates the daemon
func NewWatcher(cfg *config.WatcherConfig, mgrCfg *config.ManagerConfig, symbol string,
	st *store.Store, exchange core.IExchange, recon *reconcile.Reconciler,
	alerter core.IAlerter, trades TradeSink, logger core.ILogger, clock core.Clock) *Watcher {
	if clock == nil {
		clock = core.RealClock{}
	}
	if alerter == nil {
		alerter = core.NopAlerter{}
	}
	return &Watcher{
		cfg:      cfg,
		mgrCfg:   mgrCfg,
		symbol:   symbol,
		store:    st,
		exchange: exchange,
		recon:    recon,
		alerter:  alerter,
		trades:   trades,
		logger:   logger.WithField("component", "fill_watcher"),
		clock:    clock,
	}
}

// Run loops until the context is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Fill watcher started", "symbol", w.symbol)
	ticker := time.NewTicker(time.Duration(w.cfg.PollSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Fill watcher stopping", "symbol", w.symbol)
			return ctx.Err()
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) {
	w.cycles++
	if w.recon != nil && w.cfg.ReconcileEveryNCycles > 0 &&
		w.cycles%w.cfg.ReconcileEveryNCycles == 0 {
		w.recon.Reconcile(ctx, w.symbol)
	}

	rows, err := w.store.OpenExecutions(ctx, w.symbol)
	if err != nil {
		w.logger.Error("Open execution query failed", "symbol", w.symbol, "error", err)
		return
	}
	for _, rec := range rows {
		if err := w.poll(ctx, rec); err != nil {
			w.logger.Error("Poll failed",
				"symbol", w.symbol, "id", rec.ID, "order_id", rec.OrderID, "error", err)
		}
	}
}

// poll advances one execution row by one observation
func (w *Watcher) poll(ctx context.Context, rec *core.ExecutionRecord) error {
	polls, err := w.store.IncrementPoll(ctx, rec.ID)
	if err != nil {
		return err
	}
	if polls > w.cfg.MaxPollsPerOrder {
		w.logger.Warn("Order exceeded poll budget, timing out",
			"id", rec.ID, "order_id", rec.OrderID, "polls", polls)
		return w.handleTimeout(ctx, rec, core.ExecTimeout)
	}

	order, err := w.fetchOrder(ctx, rec)
	if err != nil {
		if w.clock.Now().Sub(rec.SentAt) > time.Duration(w.cfg.OrderTimeoutSec)*time.Second {
			return w.handleTimeout(ctx, rec, core.ExecTimeout)
		}
		return err
	}

	switch {
	case isCanceled(order.Status):
		return w.handleTimeout(ctx, rec, core.ExecCanceled)

	case isFilled(order.Status) || (order.FilledQty.IsPositive() && !isOpen(order.Status)):
		return w.handleFilled(ctx, rec, order)

	case isOpen(order.Status) && order.FilledQty.IsPositive():
		if err := w.store.UpdateExecutionFill(ctx, rec.ID, core.ExecPartiallyFilled,
			order.FilledQty, order.AvgFillPrice, order.Fee, order.FeeCurrency, ""); err != nil {
			return err
		}
		w.logger.Info("Partial fill observed",
			"id", rec.ID, "order_id", rec.OrderID, "filled", order.FilledQty.String())
		return nil

	case w.clock.Now().Sub(rec.SentAt) > time.Duration(w.cfg.OrderTimeoutSec)*time.Second:
		return w.handleTimeout(ctx, rec, core.ExecTimeout)
	}
	return nil
}

// fetchOrder prefers the closed-orders endpoint; live orders fall back to
// the realtime endpoint.
func (w *Watcher) fetchOrder(ctx context.Context, rec *core.ExecutionRecord) (*core.ExchangeOrder, error) {
	order, err := w.exchange.GetClosedOrder(ctx, rec.Symbol, rec.OrderID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		w.logger.Debug("Closed order lookup failed, trying realtime",
			"order_id", rec.OrderID, "error", err)
	}
	return w.exchange.GetOrder(ctx, rec.Symbol, rec.OrderID)
}

func isCanceled(status string) bool {
	switch strings.ToLower(status) {
	case "cancelled", "canceled", "rejected", "deactivated":
		return true
	}
	return false
}

func isFilled(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "closed":
		return true
	}
	return false
}

func isOpen(status string) bool {
	switch strings.ToLower(status) {
	case "new", "created", "open", "partiallyfilled", "untriggered":
		return true
	}
	return false
}

// handleFilled persists the fill, propagates the queue row, and dispatches
// to the per-order-type settlement handler.
func (w *Watcher) handleFilled(ctx context.Context, rec *core.ExecutionRecord,
	order *core.ExchangeOrder) error {

	if err := w.store.UpdateExecutionFill(ctx, rec.ID, core.ExecFilled,
		order.FilledQty, order.AvgFillPrice, order.Fee, order.FeeCurrency, ""); err != nil {
		return err
	}
	rec.Status = core.ExecFilled
	rec.FilledQty = order.FilledQty
	rec.AvgFillPrice = order.AvgFillPrice
	rec.Fee = order.Fee

	w.propagateQueue(ctx, rec, core.QueueFilled)
	telemetry.GetGlobalMetrics().FillsTotal.Add(ctx, 1)
	w.logger.Info("Order filled",
		"id", rec.ID, "order_id", rec.OrderID, "action", rec.ActionType,
		"qty", order.FilledQty.String(), "price", order.AvgFillPrice.String())

	return w.settle(ctx, rec)
}

// handleTimeout covers both TIMEOUT and CANCELED terminal transitions.
// Re-entry is never attempted automatically.
func (w *Watcher) handleTimeout(ctx context.Context, rec *core.ExecutionRecord,
	status core.ExecStatus) error {

	if err := w.store.SetExecutionStatus(ctx, rec.ID, status); err != nil {
		return err
	}
	queueStatus := core.QueueTimeout
	orderState := core.OrderTimeout
	if status == core.ExecCanceled {
		queueStatus = core.QueueCanceled
		orderState = core.OrderCanceled
	}
	w.propagateQueue(ctx, rec, queueStatus)

	state, err := w.store.GetPositionState(ctx, rec.Symbol)
	if err != nil {
		return err
	}
	state.OrderState = orderState
	pos, perr := w.exchange.GetPosition(ctx, rec.Symbol)
	if perr != nil {
		w.logger.Warn("Position fetch failed during timeout handling", "error", perr)
	} else if pos == nil || pos.Qty.IsZero() {
		state.PlanState = core.PlanNone
	} else {
		state.PlanState = core.PlanOpen
	}
	state.UpdatedAt = w.clock.Now()
	if err := w.store.SavePositionState(ctx, state); err != nil {
		return err
	}

	w.alerter.Warn("주문 미체결",
		"주문이 "+string(status)+" 처리되었습니다: "+rec.OrderID,
		map[string]string{
			"symbol": rec.Symbol,
			"action": string(rec.ActionType),
		})
	return nil
}

func (w *Watcher) propagateQueue(ctx context.Context, rec *core.ExecutionRecord,
	status core.QueueStatus) {
	if rec.QueueID == nil {
		return
	}
	if err := w.store.SetQueueStatus(ctx, *rec.QueueID, status); err != nil {
		w.logger.Error("Queue status propagation failed",
			"queue_id", *rec.QueueID, "status", string(status), "error", err)
	}
}
