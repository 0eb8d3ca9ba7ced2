// Package metrics defines the prometheus instruments for the session core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DownloadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_downloads_started_total",
		Help: "Session downloads started, by grant kind (free or paid).",
	}, []string{"grant"})

	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_activations_total",
		Help: "Session activation attempts by outcome.",
	}, []string{"status"})

	UsageReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_usage_reports_total",
		Help: "Usage reports applied by outcome.",
	}, []string{"status"})

	UsageReportedMB = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kswifi_usage_reported_mb",
		Help:    "Distribution of per-report consumed megabytes.",
		Buckets: []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	ProfilesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_profiles_issued_total",
		Help: "Connectivity profiles issued by kind.",
	}, []string{"kind"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_sweep_runs_total",
		Help: "Background sweep runs by sweep and status.",
	}, []string{"sweep", "status"})

	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kswifi_sweep_transitions_total",
		Help: "Sessions transitioned by each background sweep.",
	}, []string{"sweep"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kswifi_sweep_duration_seconds",
		Help:    "Background sweep duration by sweep.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
