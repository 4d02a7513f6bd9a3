package job

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfy_worker_jobs_total",
			Help: "Total number of job invocations by outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfy_worker_job_duration_seconds",
			Help:    "End-to-end job duration from request to response.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	uploadsDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfy_worker_uploads_degraded_total",
			Help: "Artifacts delivered inline because their object-store upload failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(uploadsDegraded)

	outcomes := []string{
		"completed",
		string(KindValidation),
		string(KindInputResolution),
		string(KindEngineUnavailable),
		string(KindConnectionExhausted),
		string(KindExecutionFailed),
		string(KindTimeout),
	}
	for _, o := range outcomes {
		jobsTotal.WithLabelValues(o)
	}
}
