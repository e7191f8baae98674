package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cinebook"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status class.",
		},
		[]string{"endpoint", "status"},
	)

	holds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_total",
			Help:      "Hold attempts by outcome.",
		},
		[]string{"outcome"},
	)

	holdDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hold_duration_seconds",
			Help:      "Latency of the hold transaction.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	seatsHeld = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seats_held_total",
			Help:      "Seats moved into HELD.",
		},
	)

	reservationsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Reservations moved to EXPIRED by source.",
		},
		[]string{"source"},
	)

	reservationsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_released_total",
			Help:      "Reservations moved to RELEASED.",
		},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking lifecycle events.",
		},
		[]string{"event"},
	)

	compensationTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_tasks_total",
			Help:      "Compensation tasks by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_cache_lookups_total",
			Help:      "Availability cache lookups by result.",
		},
		[]string{"result"},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweeps_total",
			Help:      "Reaper sweeps by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			holds,
			holdDuration,
			seatsHeld,
			reservationsExpired,
			reservationsReleased,
			bookingTransitions,
			compensationTasks,
			cacheLookups,
			sweeps,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string, status int) {
	httpRequests.WithLabelValues(endpoint, statusClass(status)).Inc()
}

// ObserveHold records the outcome and latency of one hold attempt.
func ObserveHold(outcome string, seats int, took time.Duration) {
	holds.WithLabelValues(outcome).Inc()
	holdDuration.Observe(took.Seconds())
	if outcome == "success" && seats > 0 {
		seatsHeld.Add(float64(seats))
	}
}

func AddExpired(source string, n int) {
	if n > 0 {
		reservationsExpired.WithLabelValues(source).Add(float64(n))
	}
}

func AddReleased(n int) {
	if n > 0 {
		reservationsReleased.Add(float64(n))
	}
}

func IncBooking(event string) {
	bookingTransitions.WithLabelValues(event).Inc()
}

func IncCompensation(taskType, outcome string) {
	compensationTasks.WithLabelValues(taskType, outcome).Inc()
}

func IncCache(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func IncSweep(outcome string) {
	sweeps.WithLabelValues(outcome).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
