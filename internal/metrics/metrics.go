package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ReportsInserted counts reports accepted by the data source.
	ReportsInserted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "reports",
		Name:      "inserted_total",
		Help:      "Total number of reports inserted.",
	})

	// ReportsRejected counts submissions that failed validation.
	ReportsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "reports",
		Name:      "rejected_total",
		Help:      "Total number of report submissions rejected by validation.",
	})

	// ReportsSkipped counts reports left off the map for missing or non-finite coordinates.
	ReportsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "projector",
		Name:      "skipped_reports_total",
		Help:      "Total number of reports not drawn because of missing or non-finite coordinates.",
	})

	// Renders counts marker layer renders by layer kind.
	Renders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "projector",
		Name:      "renders_total",
		Help:      "Total number of marker layer renders, labeled by layer kind.",
	}, []string{"layer"})

	// FetchFailures counts failed report list fetches in sessions.
	FetchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "session",
		Name:      "fetch_failures_total",
		Help:      "Total number of report list fetches that failed.",
	})

	// SessionsActive is the number of open map sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jalan",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of open map sessions.",
	})

	// FeedDropped counts push notifications dropped for slow subscribers.
	FeedDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jalan",
		Subsystem: "feed",
		Name:      "dropped_total",
		Help:      "Total number of insert notifications dropped because a subscriber was full.",
	})
)

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsInserted,
			ReportsRejected,
			ReportsSkipped,
			Renders,
			FetchFailures,
			SessionsActive,
			FeedDropped,
		)
	})
}
