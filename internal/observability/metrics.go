// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stream metrics
	AccountNotifications prometheus.Counter
	LogNotifications     prometheus.Counter
	DecodeErrors         prometheus.Counter
	SubscribeTimeouts    prometheus.Counter
	Reconnects           prometheus.Counter
	ActiveSubscriptions  *prometheus.GaugeVec
	PendingSubscriptions *prometheus.GaugeVec

	// Price cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Trading metrics
	BuysSubmitted    prometheus.Counter
	SellsSubmitted   prometheus.Counter
	SellFailures     prometheus.Counter
	ForcedExits      prometheus.Counter
	OpenPositions    prometheus.Gauge
	ExitLevelsFired  *prometheus.CounterVec
	EvaluationTicks  prometheus.Counter
	PriceFetchErrors prometheus.Counter

	// RPC latency
	RPCCallLatency *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solbeast"
	}

	return &Metrics{
		AccountNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "account_notifications_total",
			Help:      "Total number of account notifications received",
		}),
		LogNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "log_notifications_total",
			Help:      "Total number of log notifications received",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Total number of account payloads that failed to decode",
		}),
		SubscribeTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribe_timeouts_total",
			Help:      "Total number of subscribe requests that timed out",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of websocket reconnects",
		}),
		ActiveSubscriptions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_subscriptions",
			Help:      "Current number of active subscriptions per endpoint",
		}, []string{"endpoint"}),
		PendingSubscriptions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pending_subscriptions",
			Help:      "Current number of unacknowledged subscribe requests per endpoint",
		}, []string{"endpoint"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricecache",
			Name:      "hits_total",
			Help:      "Total number of fresh price cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricecache",
			Name:      "misses_total",
			Help:      "Total number of price cache misses, including stale entries",
		}),

		BuysSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "buys_submitted_total",
			Help:      "Total number of buy transactions submitted",
		}),
		SellsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "sells_submitted_total",
			Help:      "Total number of sell transactions submitted",
		}),
		SellFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "sell_failures_total",
			Help:      "Total number of sell submissions rejected by the network",
		}),
		ForcedExits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "forced_exits_total",
			Help:      "Total number of positions force-closed after a timeout sell failure",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "open",
			Help:      "Current number of open positions",
		}),
		ExitLevelsFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "exit_levels_fired_total",
			Help:      "Total number of exit levels fired, by kind",
		}, []string{"kind"}),
		EvaluationTicks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "evaluation_ticks_total",
			Help:      "Total number of evaluation ticks run over the open positions",
		}),
		PriceFetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "price_fetch_errors_total",
			Help:      "Total number of fallback price fetches that failed",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC call latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
