// Package metrics holds the Prometheus collectors of the execution plane.
//
// Exposed series:
//   - tradegate_submissions_total{instrument,status}: Submit outcomes
//   - tradegate_broker_requests_total{op,result}: broker gateway calls
//   - tradegate_broker_request_seconds{op}: broker call latency
//   - tradegate_breaker_open{name}: 1 while a circuit breaker is open
//   - tradegate_reconcile_ticks_total{result}: monitor ticks
//   - tradegate_positions_closed_total{path}: rows closed by monitor or manual close
//   - tradegate_open_rows: EXECUTED rows seen by the last tick
//   - tradegate_account_equity: last fetched net liquidation
//   - tradegate_notifications_total{result}: notification sends
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is private to the process so tests can build servers repeatedly.
var Registry = prometheus.NewRegistry()

var (
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradegate_submissions_total", Help: "Submit outcomes by instrument and final status"},
		[]string{"instrument", "status"},
	)
	brokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradegate_broker_requests_total", Help: "Broker gateway calls"},
		[]string{"op", "result"},
	)
	brokerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradegate_broker_request_seconds",
			Help:    "Broker gateway call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
	breakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "tradegate_breaker_open", Help: "1 while the named circuit breaker rejects calls"},
		[]string{"name"},
	)
	reconcileTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradegate_reconcile_ticks_total", Help: "Reconciliation ticks by result"},
		[]string{"result"},
	)
	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradegate_positions_closed_total", Help: "Rows transitioned to CLOSED by path"},
		[]string{"path"},
	)
	openRows = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradegate_open_rows", Help: "EXECUTED ledger rows at the last reconcile tick"},
	)
	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradegate_account_equity", Help: "Last fetched account net liquidation"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradegate_notifications_total", Help: "Notification sends by result"},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		submissions, brokerRequests, brokerLatency, breakerOpen,
		reconcileTicks, positionsClosed, openRows, equity, notifications,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func Submission(instrument, status string) {
	submissions.WithLabelValues(instrument, status).Inc()
}

func BrokerCall(op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	brokerRequests.WithLabelValues(op, result).Inc()
	brokerLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func BreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(name).Set(v)
}

func ReconcileTick(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	reconcileTicks.WithLabelValues(result).Inc()
}

func PositionClosed(path string) {
	positionsClosed.WithLabelValues(path).Inc()
}

func OpenRows(n int) {
	openRows.Set(float64(n))
}

func Equity(v float64) {
	equity.Set(v)
}

func Notification(err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	notifications.WithLabelValues(result).Inc()
}
