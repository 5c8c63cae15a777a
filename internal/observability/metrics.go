package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPublished  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "orders_published_total", Help: "Orders broadcast to drivers"})
	AcceptWins       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_wins_total", Help: "Accept attempts that won the order"})
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	OrdersExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "orders_expired_total", Help: "Pending orders expired with no driver"})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "delivery_failures_total", Help: "Websocket deliveries that exhausted retries"})

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "status_transitions_total", Help: "Successful ride status transitions"},
		[]string{"status"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cancellations_total", Help: "Order cancellations by party"},
		[]string{"by"},
	)
	PaymentsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "payments_finalized_total", Help: "Payment handshakes finalized"},
		[]string{"method"},
	)

	DriverConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "driver_connections", Help: "Live driver websocket connections"})
	ClientConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "client_connections", Help: "Live client websocket connections"})
	PendingOrders     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "pending_orders", Help: "Orders waiting for a driver"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
