// Package metrics holds the Prometheus collectors of the trading bot.
//
// Series:
//   - wata_signals_total{action,outcome}
//   - wata_orders_total{buy_sell}
//   - wata_position_closures_total{reason,result}
//   - wata_broker_errors_total{kind}
//   - wata_open_positions
//   - wata_day_percent
//   - wata_position_performance_percent{position_id}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wata/internal/tradeerr"
)

const namespace = "wata"

// Metrics is the set of collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SignalsTotal        *prometheus.CounterVec
	OrdersTotal         *prometheus.CounterVec
	ClosuresTotal       *prometheus.CounterVec
	BrokerErrorsTotal   *prometheus.CounterVec
	OpenPositions       prometheus.Gauge
	DayPercent          prometheus.Gauge
	PositionPerformance *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Inbound signals by action and outcome.",
		}, []string{"action", "outcome"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Market orders placed.",
		}, []string{"buy_sell"}),
		ClosuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_closures_total",
			Help:      "Position closures by reason and result.",
		}, []string{"reason", "result"}),
		BrokerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_errors_total",
			Help:      "Broker request failures by error kind.",
		}, []string{"kind"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions open in the local ledger at the last monitor run.",
		}),
		DayPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "day_percent",
			Help:      "Compounded realized percent of the current day.",
		}),
		PositionPerformance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "position_performance_percent",
			Help:      "Last evaluated performance of each open position.",
		}, []string{"position_id"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.SignalsTotal, m.OrdersTotal, m.ClosuresTotal, m.BrokerErrorsTotal,
		m.OpenPositions, m.DayPercent, m.PositionPerformance,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Signal counts one handled signal.
func (m *Metrics) Signal(action, outcome string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(action, outcome).Inc()
}

// Order counts one placed order.
func (m *Metrics) Order(buySell string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(buySell).Inc()
}

// Closure counts one closure attempt.
func (m *Metrics) Closure(reason, result string) {
	if m == nil {
		return
	}
	m.ClosuresTotal.WithLabelValues(reason, result).Inc()
}

// BrokerError counts one failed broker request. Its signature matches
// broker.WithErrorHook.
func (m *Metrics) BrokerError(kind tradeerr.Kind) {
	if m == nil {
		return
	}
	m.BrokerErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// Performance records the evaluation of an open position.
func (m *Metrics) Performance(positionID string, percent float64) {
	if m == nil {
		return
	}
	m.PositionPerformance.WithLabelValues(positionID).Set(percent)
}

// PositionClosed drops the performance series of a closed position.
func (m *Metrics) PositionClosed(positionID string) {
	if m == nil {
		return
	}
	m.PositionPerformance.DeleteLabelValues(positionID)
}

// Snapshot sets the ledger gauges.
func (m *Metrics) Snapshot(openPositions int, dayPercent float64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(openPositions))
	m.DayPercent.Set(dayPercent)
}
