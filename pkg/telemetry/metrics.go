package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal       = "tradecore_orders_placed_total"
	MetricOrdersFilledTotal       = "tradecore_orders_filled_total"
	MetricFillsDuplicateTotal     = "tradecore_fills_duplicate_total"
	MetricOutboxDepth             = "tradecore_outbox_pending"
	MetricOutboxRetriesTotal      = "tradecore_outbox_retries_total"
	MetricReconDiscrepanciesTotal = "tradecore_reconciliation_discrepancies_total"
	MetricAlertsSuppressedTotal   = "tradecore_alerts_suppressed_total"
	MetricAuditSequence           = "tradecore_audit_sequence"
	MetricSystemMode              = "tradecore_system_mode"
	MetricKillSwitchActive        = "tradecore_kill_switch_active"
	MetricBrokerLatency           = "tradecore_broker_latency_ms"
	MetricBusDroppedTotal         = "tradecore_bus_dropped_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal       metric.Int64Counter
	OrdersFilledTotal       metric.Int64Counter
	FillsDuplicateTotal     metric.Int64Counter
	OutboxDepth             metric.Int64ObservableGauge
	OutboxRetriesTotal      metric.Int64Counter
	ReconDiscrepanciesTotal metric.Int64Counter
	AlertsSuppressedTotal   metric.Int64Counter
	AuditSequence           metric.Int64ObservableGauge
	SystemMode              metric.Int64ObservableGauge
	KillSwitchActive        metric.Int64ObservableGauge
	BrokerLatency           metric.Float64Histogram
	BusDroppedTotal         metric.Int64Counter

	// State for observable gauges
	mu            sync.RWMutex
	outboxDepth   int64
	auditSequence int64
	systemMode    string
	killSwitch    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{systemMode: "normal"}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.FillsDuplicateTotal, err = meter.Int64Counter(MetricFillsDuplicateTotal, metric.WithDescription("Duplicate fill notifications dropped"))
	if err != nil {
		return err
	}

	m.OutboxRetriesTotal, err = meter.Int64Counter(MetricOutboxRetriesTotal, metric.WithDescription("Outbox event retries"))
	if err != nil {
		return err
	}

	m.ReconDiscrepanciesTotal, err = meter.Int64Counter(MetricReconDiscrepanciesTotal, metric.WithDescription("Reconciliation discrepancies found"))
	if err != nil {
		return err
	}

	m.AlertsSuppressedTotal, err = meter.Int64Counter(MetricAlertsSuppressedTotal, metric.WithDescription("Alerts collapsed by dedupe key"))
	if err != nil {
		return err
	}

	m.BusDroppedTotal, err = meter.Int64Counter(MetricBusDroppedTotal, metric.WithDescription("Bus messages dropped on overflow"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker RPCs"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OutboxDepth, err = meter.Int64ObservableGauge(MetricOutboxDepth, metric.WithDescription("Pending outbox events"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.outboxDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	m.AuditSequence, err = meter.Int64ObservableGauge(MetricAuditSequence, metric.WithDescription("Highest audit chain sequence id"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.auditSequence)
			return nil
		}))
	if err != nil {
		return err
	}

	m.SystemMode, err = meter.Int64ObservableGauge(MetricSystemMode, metric.WithDescription("Current system mode (1 on the active mode label)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(1, metric.WithAttributes(attribute.String("mode", m.systemMode)))
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitch)
			return nil
		}))
	return err
}

// SetOutboxDepth records the current pending outbox depth.
func (m *MetricsHolder) SetOutboxDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxDepth = depth
}

// SetAuditSequence records the highest known audit sequence id.
func (m *MetricsHolder) SetAuditSequence(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.auditSequence {
		m.auditSequence = seq
	}
}

// SetSystemMode records the active degradation mode.
func (m *MetricsHolder) SetSystemMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemMode = mode
}

// SetKillSwitch records kill switch state.
func (m *MetricsHolder) SetKillSwitch(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.killSwitch = 1
	} else {
		m.killSwitch = 0
	}
}

// Inc is a nil-safe counter increment used on hot paths before InitMetrics.
func Inc(c metric.Int64Counter, ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}
