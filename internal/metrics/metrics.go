package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	PurchaseOutcomes *prometheus.CounterVec
	PurchaseLatency  prometheus.Histogram

	MonitorUpdates *prometheus.CounterVec
	MonitorActive  prometheus.Gauge

	RecoveryRuns          *prometheus.CounterVec
	RecoveredTransactions prometheus.Counter
	OrphanedTransactions  prometheus.Counter
	RecoveredOrders       prometheus.Counter
	CleanedOrders         prometheus.Counter
	RecoveryFailures      prometheus.Counter

	OrderRequests *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "iap_purchase_outcomes_total"}, []string{"outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "iap_purchase_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	updates := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "iap_monitor_updates_total"}, []string{"state"})
	active := prometheus.NewGauge(prometheus.GaugeOpts{Name: "iap_monitor_active"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "iap_recovery_runs_total"}, []string{"operation"})
	recoveredTx := prometheus.NewCounter(prometheus.CounterOpts{Name: "iap_recovery_transactions_recovered_total"})
	orphaned := prometheus.NewCounter(prometheus.CounterOpts{Name: "iap_recovery_transactions_orphaned_total"})
	recoveredOrders := prometheus.NewCounter(prometheus.CounterOpts{Name: "iap_recovery_orders_recovered_total"})
	cleaned := prometheus.NewCounter(prometheus.CounterOpts{Name: "iap_recovery_orders_cleaned_total"})
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "iap_recovery_failures_total"})
	orderRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "iap_order_requests_total"}, []string{"operation", "code"})

	r.MustRegister(outcomes, latency, updates, active, runs, recoveredTx, orphaned, recoveredOrders, cleaned, failures, orderRequests)

	return &Registry{
		reg:                   r,
		PurchaseOutcomes:      outcomes,
		PurchaseLatency:       latency,
		MonitorUpdates:        updates,
		MonitorActive:         active,
		RecoveryRuns:          runs,
		RecoveredTransactions: recoveredTx,
		OrphanedTransactions:  orphaned,
		RecoveredOrders:       recoveredOrders,
		CleanedOrders:         cleaned,
		RecoveryFailures:      failures,
		OrderRequests:         orderRequests,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// The Observe helpers accept a nil Registry so library packages can run without metrics.

func (r *Registry) ObservePurchase(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}

	r.PurchaseOutcomes.WithLabelValues(outcome).Inc()
	r.PurchaseLatency.Observe(elapsed.Seconds())
}

func (r *Registry) ObserveUpdate(state string) {
	if r == nil {
		return
	}

	r.MonitorUpdates.WithLabelValues(state).Inc()
}

func (r *Registry) SetMonitoring(active bool) {
	if r == nil {
		return
	}

	if active {
		r.MonitorActive.Set(1)
		return
	}

	r.MonitorActive.Set(0)
}

// RecoveryCounts is one sweep's contribution to the recovery counters.
type RecoveryCounts struct {
	Transactions int
	Orphaned     int
	Orders       int
	Cleaned      int
	Failures     int
}

func (r *Registry) ObserveRecovery(operation string, c RecoveryCounts) {
	if r == nil {
		return
	}

	r.RecoveryRuns.WithLabelValues(operation).Inc()
	r.RecoveredTransactions.Add(float64(c.Transactions))
	r.OrphanedTransactions.Add(float64(c.Orphaned))
	r.RecoveredOrders.Add(float64(c.Orders))
	r.CleanedOrders.Add(float64(c.Cleaned))
	r.RecoveryFailures.Add(float64(c.Failures))
}

func (r *Registry) ObserveOrderRequest(operation, code string) {
	if r == nil {
		return
	}

	r.OrderRequests.WithLabelValues(operation, code).Inc()
}
