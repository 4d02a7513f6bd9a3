package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfy_worker_ws_reconnect_attempts_total",
			Help: "Total number of push-channel reconnect attempts.",
		},
	)

	gaveUpTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfy_worker_ws_gave_up_total",
			Help: "Number of jobs whose push channel exhausted the reconnect budget.",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_worker_events_total",
			Help: "Total number of push-channel events processed for tracked jobs.",
		},
		[]string{"type"},
	)

	nodeProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfy_worker_node_progress_ratio",
			Help: "Completion ratio of the node currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(gaveUpTotal)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(nodeProgress)

	// Pre-initialize label combinations so they appear in /metrics with value
	// 0 from startup, rather than only after first observation.
	for _, typ := range []string{"started", "progress", "executed", "completed", "error"} {
		eventsTotal.WithLabelValues(typ)
	}
}
