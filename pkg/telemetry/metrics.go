package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal   = "auto_trader_pnl_realized_total"
	MetricDailyPnL           = "auto_trader_pnl_daily"
	MetricOrdersPlacedTotal  = "auto_trader_orders_placed_total"
	MetricOrdersFilledTotal  = "auto_trader_orders_filled_total"
	MetricOrdersCancelled    = "auto_trader_orders_cancelled_total"
	MetricOrdersMergedTotal  = "auto_trader_orders_merged_total"
	MetricRiskDenialsTotal   = "auto_trader_risk_denials_total"
	MetricOrdersActive       = "auto_trader_orders_active"
	MetricPositionNotional   = "auto_trader_position_notional"
	MetricAccountEquity      = "auto_trader_account_equity"
	MetricRiskCoolingDown    = "auto_trader_risk_cooling_down"
	MetricEngineStatus       = "auto_trader_engine_running"
	MetricConsecutiveErrors  = "auto_trader_consecutive_errors"
	MetricPersistenceDropped = "auto_trader_persistence_dropped_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64UpDownCounter
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	OrdersCancelled    metric.Int64Counter
	OrdersMergedTotal  metric.Int64Counter
	RiskDenialsTotal   metric.Int64Counter
	PersistenceDropped metric.Int64Counter
	DailyPnL           metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	PositionNotional   metric.Float64ObservableGauge
	AccountEquity      metric.Float64ObservableGauge
	RiskCoolingDown    metric.Int64ObservableGauge
	EngineRunning      metric.Int64ObservableGauge
	ConsecutiveErrors  metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	dailyPnlMap   map[string]float64
	activeOrders  map[string]int64
	positionMap   map[string]float64
	equityMap     map[string]float64
	coolingMap    map[string]int64
	runningMap    map[string]int64
	consecErrsMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			dailyPnlMap:   make(map[string]float64),
			activeOrders:  make(map[string]int64),
			positionMap:   make(map[string]float64),
			equityMap:     make(map[string]float64),
			coolingMap:    make(map[string]int64),
			runningMap:    make(map[string]int64),
			consecErrsMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64UpDownCounter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.OrdersCancelled, err = meter.Int64Counter(MetricOrdersCancelled, metric.WithDescription("Total orders cancelled, local or exchange initiated"))
	if err != nil {
		return err
	}

	m.OrdersMergedTotal, err = meter.Int64Counter(MetricOrdersMergedTotal, metric.WithDescription("Total pending sells collapsed by merges"))
	if err != nil {
		return err
	}

	m.RiskDenialsTotal, err = meter.Int64Counter(MetricRiskDenialsTotal, metric.WithDescription("Trade entries denied by the risk controller"))
	if err != nil {
		return err
	}

	m.PersistenceDropped, err = meter.Int64Counter(MetricPersistenceDropped, metric.WithDescription("Persistence writes dropped due to a full queue"))
	if err != nil {
		return err
	}

	// Observables
	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Realized PnL for the current UTC day"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.dailyPnlMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently pending orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOrders {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionNotional, err = meter.Float64ObservableGauge(MetricPositionNotional, metric.WithDescription("Open position notional in quote currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AccountEquity, err = meter.Float64ObservableGauge(MetricAccountEquity, metric.WithDescription("Account equity in quote currency"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskCoolingDown, err = meter.Int64ObservableGauge(MetricRiskCoolingDown, metric.WithDescription("Risk cooldown state (1=cooling, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.coolingMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EngineRunning, err = meter.Int64ObservableGauge(MetricEngineStatus, metric.WithDescription("Engine state (1=running, 0=otherwise)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.runningMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ConsecutiveErrors, err = meter.Int64ObservableGauge(MetricConsecutiveErrors, metric.WithDescription("Consecutive loop errors of the active engine"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.consecErrsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetDailyPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnlMap[symbol] = value
}

func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrders[symbol] = count
}

func (m *MetricsHolder) SetPositionNotional(symbol string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionMap[symbol] = notional
}

func (m *MetricsHolder) SetAccountEquity(symbol string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[symbol] = equity
}

func (m *MetricsHolder) SetRiskCoolingDown(symbol string, cooling bool) {
	val := int64(0)
	if cooling {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coolingMap[symbol] = val
}

func (m *MetricsHolder) SetEngineRunning(symbol string, running bool) {
	val := int64(0)
	if running {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningMap[symbol] = val
}

func (m *MetricsHolder) SetConsecutiveErrors(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecErrsMap[symbol] = count
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrders {
		res[k] = v
	}
	return res
}
