package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCyclesTotal         = "perpcore_cycles_total"
	MetricDecisionsTotal      = "perpcore_decisions_total"
	MetricEnqueuedTotal       = "perpcore_enqueued_total"
	MetricFillsTotal          = "perpcore_fills_total"
	MetricPnLRealizedTotal    = "perpcore_pnl_realized_total"
	MetricReconcileHealsTotal = "perpcore_reconcile_heals_total"
	MetricValidationsTotal    = "perpcore_ecl_validations_total"
	MetricRejectionsTotal     = "perpcore_ecl_rejections_total"
	MetricProtectionMode      = "perpcore_protection_mode_active"
	MetricAdaptivePenalty     = "perpcore_adaptive_penalty"
	MetricPositionSize        = "perpcore_position_size"
	MetricLLMCallsTotal       = "perpcore_llm_calls_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	CyclesTotal         metric.Int64Counter
	DecisionsTotal      metric.Int64Counter
	EnqueuedTotal       metric.Int64Counter
	FillsTotal          metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	ReconcileHealsTotal metric.Int64Counter
	ValidationsTotal    metric.Int64Counter
	RejectionsTotal     metric.Int64Counter
	LLMCallsTotal       metric.Int64Counter
	ProtectionMode      metric.Int64ObservableGauge
	AdaptivePenalty     metric.Float64ObservableGauge
	PositionSize        metric.Float64ObservableGauge

	mu                sync.RWMutex
	protectionModeMap map[string]int64
	adaptivePenalty   float64
	positionSizeMap   map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			protectionModeMap: make(map[string]int64),
			positionSizeMap:   make(map[string]float64),
			adaptivePenalty:   1.0,
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.CyclesTotal, err = meter.Int64Counter(MetricCyclesTotal,
		metric.WithDescription("Daemon cycles completed")); err != nil {
		return err
	}
	if m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal,
		metric.WithDescription("Decision engine outcomes by action")); err != nil {
		return err
	}
	if m.EnqueuedTotal, err = meter.Int64Counter(MetricEnqueuedTotal,
		metric.WithDescription("Execution queue rows inserted")); err != nil {
		return err
	}
	if m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal,
		metric.WithDescription("Order fills processed by the fill watcher")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss")); err != nil {
		return err
	}
	if m.ReconcileHealsTotal, err = meter.Int64Counter(MetricReconcileHealsTotal,
		metric.WithDescription("Reconciler healing actions applied")); err != nil {
		return err
	}
	if m.ValidationsTotal, err = meter.Int64Counter(MetricValidationsTotal,
		metric.WithDescription("Compliance validations performed")); err != nil {
		return err
	}
	if m.RejectionsTotal, err = meter.Int64Counter(MetricRejectionsTotal,
		metric.WithDescription("Compliance denials by reject reason")); err != nil {
		return err
	}
	if m.LLMCallsTotal, err = meter.Int64Counter(MetricLLMCallsTotal,
		metric.WithDescription("Deep/mini analysis provider calls")); err != nil {
		return err
	}

	m.ProtectionMode, err = meter.Int64ObservableGauge(MetricProtectionMode,
		metric.WithDescription("1 while protection mode is active"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.protectionModeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AdaptivePenalty, err = meter.Float64ObservableGauge(MetricAdaptivePenalty,
		metric.WithDescription("Combined adaptive layer penalty"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.adaptivePenalty)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize,
		metric.WithDescription("Current position size in base asset"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

// SetProtectionMode records protection mode state for a symbol
func (m *MetricsHolder) SetProtectionMode(symbol string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.protectionModeMap[symbol] = 1
	} else {
		m.protectionModeMap[symbol] = 0
	}
}

// SetAdaptivePenalty records the combined adaptive penalty
func (m *MetricsHolder) SetAdaptivePenalty(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptivePenalty = p
}

// SetPositionSize records the current position size for a symbol
func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}
