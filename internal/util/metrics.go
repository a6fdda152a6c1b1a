package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders confirmed after payment",
	})

	InventoryReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reservations_total",
		Help: "Total number of successful stock reservations",
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of stock reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_version_conflicts_total",
		Help: "Total number of optimistic-lock conflicts during reservation",
	})

	LockAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "advisory_lock_acquire_failures_total",
		Help: "Total number of advisory lock acquisition timeouts",
	})

	LockFailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "advisory_lock_fail_open_total",
		Help: "Total number of lock acquisitions allowed because the lock store was unreachable",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful payments",
	})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	}, []string{"code"})

	PaymentRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_refunds_total",
		Help: "Total number of refunded payments",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
