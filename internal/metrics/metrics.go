package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "commands_total",
		Help:      "Worker commands processed by command and result.",
	}, []string{"command", "result"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engine",
		Name:      "command_duration_seconds",
		Help:      "Time spent applying a worker command, including the follow-up poll.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"command"})

	CommandQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "command_queue_depth",
		Help:      "Commands waiting in the worker queue.",
	})

	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "events_published_total",
		Help:      "Events published on the bus by type.",
	}, []string{"type"})

	EventBusLastID = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "event_bus_last_id",
		Help:      "Id of the most recently published event.",
	})

	EventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "event_subscribers",
		Help:      "Number of open event bus subscriptions.",
	})

	EventsLaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "events_lagged_total",
		Help:      "Events missed by subscribers that fell behind the broadcast window.",
	})

	ResumeStoreOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "resume_store_ops_total",
		Help:      "Resume store operations by operation and result.",
	}, []string{"op", "result"})

	DegradedComponents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "degraded_component",
		Help:      "1 when the named component is degraded, 0 otherwise.",
	}, []string{"component"})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "active_transfers",
		Help:      "Number of transfers currently fetching metadata or downloading.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	RelayedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "relayed_events_total",
		Help:      "Events relayed to the external stream by result.",
	}, []string{"result"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CommandsTotal,
		CommandDuration,
		CommandQueueDepth,
		EventsPublishedTotal,
		EventBusLastID,
		EventSubscribers,
		EventsLaggedTotal,
		ResumeStoreOpsTotal,
		DegradedComponents,
		ActiveTransfers,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		RelayedEventsTotal,
	)
}
